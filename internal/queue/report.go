package queue

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
)

// SentryReporter forwards terminal failures to Sentry.
type SentryReporter struct{}

func (SentryReporter) Report(ctx context.Context, job Job, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("image_id", strconv.FormatInt(job.ImageID, 10))
		scope.SetTag("job_reason", string(job.Reason))
		scope.SetExtra("attempt", job.Attempt)
		scope.SetExtra("max_attempts", job.MaxAttempts)
		hub.CaptureException(err)
	})
}
