package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Darmau/koktohay-api/internal/config"
	"github.com/redis/go-redis/v9"
)

type Worker struct {
	rc       Source
	cfg      config.WorkerConfig
	proc     *Processor
	producer *Producer
	log      *slog.Logger
}

func NewWorker(rc Source, cfg config.WorkerConfig, proc *Processor, producer *Producer, log *slog.Logger) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Worker{
		rc:       rc,
		cfg:      cfg,
		proc:     proc,
		producer: producer,
		log:      log.With("component", "worker", "stream", cfg.Stream, "group", cfg.Group),
	}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// MkStream so the group can exist before the first job.
	err := w.rc.Get().XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Start blocks until ctx is cancelled and every in-flight attempt returned.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	w.log.Info("starting consumer", "consumer", w.cfg.Consumer, "workers", w.cfg.Workers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.claimLoop(ctx)
	}()

	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.log.Debug("worker started", "worker", id)
			w.loop(ctx)
			w.log.Debug("worker stopped", "worker", id)
		}(i)
	}

	<-ctx.Done()
	w.log.Info("context canceled, waiting for workers")
	wg.Wait()
	return nil
}

// claimLoop adopts messages delivered to a consumer that died before XACK,
// on start and then every ClaimInterval.
func (w *Worker) claimLoop(ctx context.Context) {
	w.autoClaim(ctx)

	t := time.NewTicker(w.cfg.ClaimInterval.Or(time.Minute))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.autoClaim(ctx)
		}
	}
}

func (w *Worker) autoClaim(ctx context.Context) {
	minIdle := w.cfg.ClaimMinIdle.Or(90 * time.Second)
	next := "0-0"

	for ctx.Err() == nil {
		msgs, start, err := w.rc.Get().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("auto-claim failed", "err", err)
			}
			return
		}
		if len(msgs) > 0 {
			w.log.Info("reclaimed pending messages", "count", len(msgs))
		}
		for _, m := range msgs {
			w.handle(ctx, m)
		}
		if start == "0-0" || len(msgs) == 0 {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		streams, err := w.rc.Get().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout.Or(5 * time.Second),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Warn("read failed", "err", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

// handle runs one delivery. The message is acknowledged only once its
// outcome is settled: completed, terminal, or its successor enqueued. When
// the process stops first it stays pending and is reclaimed later.
func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	job, err := decodeJob(m.Values)
	if err != nil {
		w.log.Error("dropping malformed message", "id", m.ID, "err", err)
		w.ack(ctx, m.ID)
		return
	}

	res := w.proc.Process(ctx, job)
	if ctx.Err() != nil && res.State != Completed {
		return
	}

	if res.State == FailedRetryable && res.Next != nil {
		if !sleep(ctx, Backoff(w.cfg.BackoffBase.Or(2*time.Second), job.Attempt)) {
			return
		}
		if err := w.producer.Enqueue(ctx, *res.Next); err != nil {
			w.log.Error("requeue failed, leaving message pending", "id", m.ID, "image_id", job.ImageID, "err", err)
			return
		}
	}
	w.ack(ctx, m.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rc.Get().XAck(context.WithoutCancel(ctx), w.cfg.Stream, w.cfg.Group, id).Err(); err != nil {
		w.log.Warn("ack failed", "id", id, "err", err)
	}
}

// Backoff is the delay before redelivering a job whose attempt failed.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << attempt
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
