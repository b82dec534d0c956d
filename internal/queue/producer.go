package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Source hands out the live redis client.
type Source interface {
	Get() redis.UniversalClient
}

type Producer struct {
	r      Source
	stream string
	maxLen int64
}

func NewProducer(r Source, stream string, maxLen int64) *Producer {
	return &Producer{r: r, stream: stream, maxLen: maxLen}
}

// Enqueue encodes the job as JSON and appends it to the stream.
func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	raw, err := job.encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	err = p.r.Get().XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload": raw,
			"attempt": job.Attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job, err)
	}
	return nil
}
