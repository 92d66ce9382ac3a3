// Package queue runs enqueued pipeline jobs. A worker polls the jobs
// table, leases the oldest runnable job and drives a full pipeline run for
// it. Leases make a crashed worker's jobs reclaimable.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultLease        = 2 * time.Minute
)

type Runner struct {
	Engine   engine.Engine
	Pipeline *engine.Pipeline
	Interval time.Duration
	Lease    time.Duration
	Logger   *slog.Logger
}

func NewRunner(eng engine.Engine, pl *engine.Pipeline, logger *slog.Logger) *Runner {
	return &Runner{
		Engine:   eng,
		Pipeline: pl,
		Interval: defaultPollInterval,
		Lease:    defaultLease,
		Logger:   logger,
	}
}

// Run polls until ctx is canceled, draining the queue on every tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger().Info("worker started", "interval", r.interval().String())
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		for {
			claimed, err := r.ProcessOne(ctx)
			if err != nil {
				r.logger().Error("claim job failed", "err", err)
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and runs at most one job, reporting whether one was
// claimed.
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	job, err := r.Engine.Repo.ClaimJob(ctx, time.Now(), r.lease())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.runJob(ctx, job)
	return true, nil
}

func (r *Runner) runJob(ctx context.Context, job domain.Job) {
	log := r.logger().With("job", job.ID, "project", job.ProjectID)
	log.Info("job started", "attempt", job.Attempts, "of", job.MaxAttempts)

	stop := r.keepLeaseAlive(ctx, job.ID)
	defer stop()

	err := r.Pipeline.Run(ctx, job.ProjectID, "worker")
	if err == nil {
		if merr := r.Engine.Repo.MarkJobDone(ctx, job.ID, time.Now()); merr != nil {
			log.Error("mark job done failed", "err", merr)
		}
		log.Info("job done")
		return
	}

	if job.Attempts >= job.MaxAttempts {
		if merr := r.Engine.Repo.MarkJobFailed(ctx, job.ID, err.Error(), time.Now()); merr != nil {
			log.Error("mark job failed failed", "err", merr)
		}
		log.Error("job failed permanently", "err", err)
		return
	}
	if merr := r.Engine.Repo.RequeueJob(ctx, job.ID, err.Error(), time.Now()); merr != nil {
		log.Error("requeue failed", "err", merr)
		return
	}
	log.Warn("job failed, requeued", "err", err, "attempt", job.Attempts)
}

// keepLeaseAlive extends the job lease while the run is in flight, so a
// slow stage does not look like a crashed worker. The returned func stops
// the refresher and waits for it.
func (r *Runner) keepLeaseAlive(ctx context.Context, jobID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := r.lease() / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Engine.Repo.ExtendJobLease(ctx, jobID, time.Now().Add(r.lease())); err != nil {
					r.logger().Warn("extend lease failed", "job", jobID, "err", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (r *Runner) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return defaultPollInterval
}

func (r *Runner) lease() time.Duration {
	if r.Lease > 0 {
		return r.Lease
	}
	return defaultLease
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
