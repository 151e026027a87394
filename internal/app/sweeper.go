package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const (
	actorSweeper = "sweeper"
	sweepPage    = 100
	maxErrorLen  = 500
)

// Sweeper repairs jobs orphaned by crashes. Pending jobs whose dispatch
// never confirmed are republished; running jobs whose worker stopped
// reporting are moved to timeout. Workers bump updated_at on every
// progress write, so a live run is never swept.
type Sweeper struct {
	jobs   domain.JobRepository
	queue  domain.TaskQueue
	policy config.Policy

	pendingStaleAfter time.Duration
	interval          time.Duration
}

// NewSweeper builds the sweeper; zero durations fall back to defaults.
func NewSweeper(jobs domain.JobRepository, queue domain.TaskQueue, pol config.Policy, pendingStaleAfter, interval time.Duration) *Sweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if pendingStaleAfter <= 0 {
		pendingStaleAfter = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		jobs:              jobs,
		queue:             queue,
		policy:            pol,
		pendingStaleAfter: pendingStaleAfter,
		interval:          interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()

	requeued := s.requeueStalePending(ctx)
	timedOut := s.timeoutStaleRunning(ctx)

	span.SetAttributes(
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.timed_out", timedOut),
	)
	if requeued > 0 || timedOut > 0 {
		slog.Info("sweep finished",
			slog.Int("requeued", requeued),
			slog.Int("timed_out", timedOut))
	}
}

// requeueStalePending republishes pending jobs older than the stale
// threshold. A job sits in pending only between admission and the broker
// confirm, so a stale one means the dispatcher died mid-flight.
func (s *Sweeper) requeueStalePending(ctx context.Context) int {
	cutoff := time.Now().Add(-s.pendingStaleAfter)
	requeued := 0

	// Repaired rows leave the pending set while paging; anything the
	// shifted offsets skip is caught on the next tick.
	for offset := 0; ; offset += sweepPage {
		jobs, err := s.jobs.ListByStatus(ctx, domain.JobPending, "", offset, sweepPage)
		if err != nil {
			slog.Error("pending sweep list failed", slog.Any("error", err))
			return requeued
		}
		if len(jobs) == 0 {
			return requeued
		}
		for _, job := range jobs {
			if !job.UpdatedAt.Before(cutoff) {
				continue
			}
			if s.redispatch(ctx, job) {
				requeued++
			}
		}
		if len(jobs) < sweepPage {
			return requeued
		}
	}
}

// redispatch publishes the job's envelope again and moves it to queued,
// or parks it as failed when the broker will not confirm.
func (s *Sweeper) redispatch(ctx context.Context, job domain.Job) bool {
	env := domain.TaskEnvelope{
		V:           1,
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Params:      job.Params,
		SubmittedBy: job.OwnerID,
		Attempt:     job.Attempts + 1,
		IdemKey:     job.IdemKey,
	}
	taskID, err := s.queue.PublishTask(ctx, env, job.Priority)
	if err != nil {
		slog.Error("sweep republish exhausted", slog.Int64("job_id", job.ID), slog.Any("error", err))
		s.park(ctx, job, err)
		return false
	}
	if _, err := s.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobQueued,
		Actor:         actorSweeper,
		TaskID:        taskID,
		Extra:         map[string]any{"stale_for": time.Since(job.UpdatedAt).String()},
	}); err != nil {
		// A cancel may have landed between the list and the transition;
		// the worker's claim guard drops the published delivery then.
		slog.Warn("sweep queued transition lost", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return false
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobPending), string(domain.JobQueued))
	slog.Info("stale pending job requeued", slog.Int64("job_id", job.ID), slog.String("kind", string(job.Kind)))
	return true
}

func (s *Sweeper) park(ctx context.Context, job domain.Job, pubErr error) {
	if _, err := s.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobFailed,
		Actor:         actorSweeper,
		Error: &domain.JobError{
			Code:      domain.CodePublishFailed,
			Message:   truncate(pubErr.Error(), maxErrorLen),
			Retryable: true,
		},
	}); err != nil {
		slog.Error("sweep park failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobPending), string(domain.JobFailed))
}

// timeoutStaleRunning times out running jobs with no update for twice the
// kind's wall clock budget. The worker enforces the budget itself while
// alive, so only a dead worker leaves a row this old.
func (s *Sweeper) timeoutStaleRunning(ctx context.Context) int {
	now := time.Now()
	timedOut := 0

	for offset := 0; ; offset += sweepPage {
		jobs, err := s.jobs.ListByStatus(ctx, domain.JobRunning, "", offset, sweepPage)
		if err != nil {
			slog.Error("running sweep list failed", slog.Any("error", err))
			return timedOut
		}
		if len(jobs) == 0 {
			return timedOut
		}
		for _, job := range jobs {
			budget := s.policy.WallClockFor(job.Kind)
			if !job.UpdatedAt.Before(now.Add(-2 * budget)) {
				continue
			}
			if _, err := s.jobs.Transition(ctx, domain.Transition{
				JobID:         job.ID,
				ExpectVersion: job.Version,
				To:            domain.JobTimeout,
				Actor:         actorSweeper,
				Error: &domain.JobError{
					Code:      domain.CodeTimeout,
					Message:   fmt.Sprintf("no worker update for over 2x wall clock budget %s", budget),
					Retryable: false,
				},
			}); err != nil {
				slog.Warn("sweep timeout transition lost", slog.Int64("job_id", job.ID), slog.Any("error", err))
				continue
			}
			observability.RecordTransition(string(job.Kind), string(domain.JobRunning), string(domain.JobTimeout))
			slog.Warn("abandoned running job timed out",
				slog.Int64("job_id", job.ID),
				slog.String("kind", string(job.Kind)),
				slog.Duration("budget", budget))
			timedOut++
		}
		if len(jobs) < sweepPage {
			return timedOut
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
