package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Reason string

const (
	ReasonUpload  Reason = "upload"
	ReasonRetry   Reason = "retry"
	ReasonReplace Reason = "replace"
)

const (
	defaultMaxAttempts = 3
	uploadTimeout      = 30 * time.Second
	reprocessTimeout   = 60 * time.Second
)

// Job is what we push to Redis Streams. No bytes here, the handler re-reads
// the image record and fetches the raw object itself.
type Job struct {
	ImageID     int64         `json:"image_id"`
	Reason      Reason        `json:"reason"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`
}

func NewUploadJob(imageID int64) Job {
	return Job{ImageID: imageID, Reason: ReasonUpload, MaxAttempts: defaultMaxAttempts, Timeout: uploadTimeout}
}

// NewRetryJob starts a fresh attempt budget, whatever happened before.
func NewRetryJob(imageID int64) Job {
	return Job{ImageID: imageID, Reason: ReasonRetry, MaxAttempts: defaultMaxAttempts, Timeout: reprocessTimeout}
}

func NewReplaceJob(imageID int64) Job {
	return Job{ImageID: imageID, Reason: ReasonReplace, MaxAttempts: defaultMaxAttempts, Timeout: reprocessTimeout}
}

func (j Job) next() Job {
	j.Attempt++
	return j
}

func (j Job) String() string {
	return fmt.Sprintf("%s image=%d attempt=%d/%d", j.Reason, j.ImageID, j.Attempt+1, j.MaxAttempts)
}

func (j Job) encode() (string, error) {
	raw, err := json.Marshal(j)
	return string(raw), err
}

// decodeJob reads a stream entry. The attempt field of the entry wins over
// the payload so a requeue can bump it without rewriting the payload.
func decodeJob(values map[string]any) (Job, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return Job{}, fmt.Errorf("message without payload")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode payload: %w", err)
	}
	if job.ImageID <= 0 {
		return Job{}, fmt.Errorf("payload without image id")
	}
	if v, ok := values["attempt"]; ok {
		job.Attempt = toInt(v)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Timeout <= 0 {
		job.Timeout = uploadTimeout
	}
	return job, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

type State int

const (
	Queued State = iota
	Running
	Completed
	FailedRetryable
	FailedTerminal
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case FailedRetryable:
		return "failed_retryable"
	case FailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}
