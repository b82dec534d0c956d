package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Darmau/koktohay-api/internal/entities"
	"github.com/Darmau/koktohay-api/internal/redismanager"
)

// HandlerFunc runs one attempt of a job.
type HandlerFunc func(ctx context.Context, job Job) error

// Locker serializes work on one image across deliveries and processes.
type Locker interface {
	Acquire(ctx context.Context, imageID int64) (func(context.Context), error)
}

// Reporter receives jobs that will not be tried again.
type Reporter interface {
	Report(ctx context.Context, job Job, err error)
}

type Result struct {
	State State
	Err   error
	// Next is the job to enqueue when State is FailedRetryable.
	Next *Job
}

// Processor runs single attempts and decides what happens next. It knows
// nothing about how jobs are delivered.
type Processor struct {
	Handler  HandlerFunc
	Locker   Locker
	Reporter Reporter

	log *slog.Logger
}

func NewProcessor(h HandlerFunc, locker Locker, reporter Reporter, log *slog.Logger) *Processor {
	return &Processor{
		Handler:  h,
		Locker:   locker,
		Reporter: reporter,
		log:      log.With("component", "queue"),
	}
}

func (p *Processor) Process(ctx context.Context, job Job) Result {
	log := p.log.With("image_id", job.ImageID, "attempt", job.Attempt, "reason", job.Reason)

	release := func(context.Context) {}
	if p.Locker != nil {
		r, err := p.Locker.Acquire(ctx, job.ImageID)
		switch {
		case errors.Is(err, redismanager.ErrBusy):
			log.Info("image busy, requeueing")
			same := job
			return Result{State: FailedRetryable, Err: err, Next: &same}
		case err != nil:
			return p.fail(ctx, log, job, fmt.Errorf("acquire lease: %w", err))
		}
		release = r
	}

	log.Debug("attempt started", "state", Running)

	actx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// an abandoned attempt keeps the lease until it really stops
		defer release(context.WithoutCancel(ctx))
		done <- p.run(actx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		err = fmt.Errorf("attempt abandoned after %s: %w", job.Timeout, actx.Err())
	}

	if err == nil {
		log.Info("job completed", "state", Completed)
		return Result{State: Completed}
	}
	if ctx.Err() != nil {
		// shutting down; the delivery stays pending and is redelivered
		same := job
		return Result{State: FailedRetryable, Err: err, Next: &same}
	}
	return p.fail(ctx, log, job, err)
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, job Job, err error) Result {
	if entities.Retryable(err) && job.Attempt+1 < job.MaxAttempts {
		next := job.next()
		log.Warn("attempt failed, will retry", "state", FailedRetryable, "err", err)
		return Result{State: FailedRetryable, Err: err, Next: &next}
	}

	log.Error("job failed", "state", FailedTerminal, "err", err)
	if p.Reporter != nil {
		p.Reporter.Report(ctx, job, err)
	}
	return Result{State: FailedTerminal, Err: err}
}

func (p *Processor) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.Handler(ctx, job)
}
