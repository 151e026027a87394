package rabbit

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const actorWorker = "worker"

// SettleAction tells the consumer how to settle the broker delivery after a
// failure was routed.
type SettleAction int

const (
	// SettleAck removes the delivery; the job reached a recorded state.
	SettleAck SettleAction = iota
	// SettleReject dead-letters the original delivery through the queue's
	// DLX so the task survives a failed republish or store write.
	SettleReject
	// SettleRequeue redelivers; used only before the job was claimed.
	SettleRequeue
)

// RetryManager routes failed executions. Transient failures (and
// deterministic ones that opt in) re-enter the queue with jittered backoff
// while the attempt budget lasts; user errors, fatal errors, and exhausted
// budgets dead-letter; cancellation and timeout settle terminally without
// either.
type RetryManager struct {
	jobs   domain.JobRepository
	queue  domain.TaskQueue
	policy config.Policy
}

// NewRetryManager constructs a RetryManager.
func NewRetryManager(jobs domain.JobRepository, queue domain.TaskQueue, pol config.Policy) *RetryManager {
	return &RetryManager{jobs: jobs, queue: queue, policy: pol}
}

// HandleFailure settles one failed execution of a running job and reports
// how the consumer should settle the delivery plus the resulting status.
func (m *RetryManager) HandleFailure(ctx context.Context, job domain.Job, env domain.TaskEnvelope, execErr error) (SettleAction, domain.JobStatus) {
	class := domain.Classify(execErr)

	switch class {
	case domain.FailureCancelled:
		if _, err := m.jobs.Transition(ctx, domain.Transition{
			JobID:         job.ID,
			ExpectVersion: job.Version,
			To:            domain.JobCancelled,
			Actor:         actorWorker,
			Extra:         map[string]any{"stage": string(job.Status)},
		}); err != nil {
			slog.Error("cancel transition failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return SettleAck, domain.JobRunning
		}
		observability.RecordTransition(string(job.Kind), string(job.Status), string(domain.JobCancelled))
		observability.CancellationsTotal.WithLabelValues("running").Inc()
		slog.Info("task cancelled at checkpoint", slog.Int64("job_id", job.ID), slog.String("kind", string(job.Kind)))
		return SettleAck, domain.JobCancelled

	case domain.FailureTimeout:
		if _, err := m.jobs.Transition(ctx, domain.Transition{
			JobID:         job.ID,
			ExpectVersion: job.Version,
			To:            domain.JobTimeout,
			Actor:         actorWorker,
			Error: &domain.JobError{
				Code:      domain.CodeTimeout,
				Message:   truncateError(execErr.Error()),
				Retryable: false,
			},
		}); err != nil {
			slog.Error("timeout transition failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return SettleAck, domain.JobRunning
		}
		observability.RecordTransition(string(job.Kind), string(job.Status), string(domain.JobTimeout))
		slog.Warn("task exceeded wall clock budget", slog.Int64("job_id", job.ID), slog.String("kind", string(job.Kind)))
		return SettleAck, domain.JobTimeout
	}

	rp := m.policy.RetryPolicyFor(job.Kind)
	retryable := class.Retryable(execErr)
	jobErr := &domain.JobError{
		Code:      failureCode(class, execErr),
		Message:   truncateError(execErr.Error()),
		Retryable: retryable,
	}

	if retryable && !rp.Exhausted(job.Attempts) {
		return m.scheduleRetry(ctx, job, env, jobErr, rp, class)
	}
	return m.moveToDLQ(ctx, job, env, jobErr, class)
}

// scheduleRetry records the failed attempt, republishes with delay, and on
// the publish confirm moves the job back to queued.
func (m *RetryManager) scheduleRetry(ctx context.Context, job domain.Job, env domain.TaskEnvelope, jobErr *domain.JobError, rp domain.RetryPolicy, class domain.FailureClass) (SettleAction, domain.JobStatus) {
	failed, err := m.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobFailed,
		Event:         domain.AuditRetrying,
		Actor:         actorWorker,
		Error:         jobErr,
		Extra:         map[string]any{"attempt": job.Attempts, "max_retries": rp.MaxRetries},
	})
	if err != nil {
		slog.Error("retry transition failed, dead-lettering original",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		return SettleReject, domain.JobFailed
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobRunning), string(domain.JobFailed))

	delay := rp.Delay(job.Attempts, nil)
	retryEnv := env
	retryEnv.Attempt = failed.Attempts + 1
	taskID, err := m.queue.PublishRetry(ctx, retryEnv, job.Priority, delay, jobErr.Message)
	if err != nil {
		slog.Error("retry publish failed, dead-lettering original",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		return SettleReject, domain.JobFailed
	}
	observability.TaskRetriesTotal.WithLabelValues(string(job.Kind), string(class)).Inc()

	if _, err := m.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: failed.Version,
		To:            domain.JobQueued,
		Actor:         actorWorker,
		TaskID:        taskID,
		Extra:         map[string]any{"delay_ms": delay.Milliseconds(), "task_id": taskID},
	}); err != nil {
		// The republish is already in flight; the record trails until the
		// redelivery claim or the sweeper reconciles it.
		slog.Error("requeue transition failed after retry publish",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		return SettleAck, domain.JobFailed
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobFailed), string(domain.JobQueued))
	slog.Info("task retry scheduled",
		slog.Int64("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_retries", rp.MaxRetries),
		slog.Duration("delay", delay))
	return SettleAck, domain.JobQueued
}

// moveToDLQ records the final failure and dead-letters the envelope with
// its failure metadata.
func (m *RetryManager) moveToDLQ(ctx context.Context, job domain.Job, env domain.TaskEnvelope, jobErr *domain.JobError, class domain.FailureClass) (SettleAction, domain.JobStatus) {
	if _, err := m.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobFailed,
		Actor:         actorWorker,
		Error:         jobErr,
		Extra:         map[string]any{"attempt": job.Attempts, "failure_class": string(class)},
	}); err != nil {
		slog.Error("failed transition lost, dead-lettering original",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		return SettleReject, domain.JobFailed
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobRunning), string(domain.JobFailed))

	meta := domain.DLQMeta{
		JobID:     job.ID,
		Kind:      job.Kind,
		LastError: jobErr.Message,
		Attempts:  job.Attempts,
		FirstSeen: job.CreatedAt,
	}
	if err := m.queue.PublishDLQ(ctx, env, meta); err != nil {
		slog.Error("dlq publish failed, rejecting original",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		return SettleReject, domain.JobFailed
	}
	observability.DLQDeliveriesTotal.WithLabelValues(string(job.Kind), string(class)).Inc()
	return SettleAck, domain.JobFailed
}

// failureCode maps the execution error to its stable machine code. Unknown
// collaborator errors classify as transient.
func failureCode(class domain.FailureClass, err error) string {
	if code := domain.CodeForError(err); code != domain.CodeFatal {
		return code
	}
	if class == domain.FailureTransient {
		return domain.CodeTransient
	}
	return domain.CodeFatal
}
