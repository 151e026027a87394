package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const (
	defaultPeekLimit = 20
	maxPeekLimit     = 100
)

// ReplayReport tallies one replay sweep. Counts stay accurate when a
// publish failure aborts the sweep partway.
type ReplayReport struct {
	Kind     domain.Kind
	Replayed int
	Skipped  int
}

// ReplayService is the operator surface over dead-letter queues: peek,
// replay to the primary queue, purge. A replay acks the dead letter only
// after the primary publish is confirmed, so a crash can duplicate a
// delivery but never lose one.
type ReplayService struct {
	DLQ    domain.DLQOperator
	Jobs   domain.JobRepository
	Queue  domain.TaskQueue
	Audit  domain.AuditRepository
	Policy config.Policy
}

// NewReplayService constructs a ReplayService with its dependencies.
func NewReplayService(dlq domain.DLQOperator, jobs domain.JobRepository, queue domain.TaskQueue, audit domain.AuditRepository, policy config.Policy) ReplayService {
	return ReplayService{DLQ: dlq, Jobs: jobs, Queue: queue, Audit: audit, Policy: policy}
}

// Peek lists dead letters without consuming them.
func (s ReplayService) Peek(ctx domain.Context, kind domain.Kind, limit int) ([]domain.DLQMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("op=usecase.Peek: unknown kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	if limit <= 0 || limit > maxPeekLimit {
		limit = defaultPeekLimit
	}
	msgs, err := s.DLQ.Peek(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Peek: %w", err)
	}
	return msgs, nil
}

// Depths reports the primary queue and dead-letter queue message counts.
func (s ReplayService) Depths(ctx domain.Context, kind domain.Kind) (int, int, error) {
	if !kind.Valid() {
		return 0, 0, fmt.Errorf("op=usecase.Depths: unknown kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	return s.DLQ.Depths(ctx, kind)
}

// Replay drains up to limit dead letters for the kind back onto the
// primary queue. Each replayed job re-enters queued with its attempts
// floored so at least one execution happens before a redrop. A publish
// failure requeues the dead letter and aborts the sweep with the partial
// count intact.
func (s ReplayService) Replay(ctx domain.Context, kind domain.Kind, limit int, actor string) (ReplayReport, error) {
	rep := ReplayReport{Kind: kind}
	if !kind.Valid() {
		return rep, fmt.Errorf("op=usecase.Replay: unknown kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		return rep, fmt.Errorf("op=usecase.Replay: limit must be positive: %w", domain.ErrInvalidArgument)
	}
	if actor == "" {
		return rep, fmt.Errorf("op=usecase.Replay: actor required: %w", domain.ErrInvalidArgument)
	}

	for rep.Replayed+rep.Skipped < limit {
		d, ok, err := s.DLQ.Pull(ctx, kind)
		if err != nil {
			return rep, fmt.Errorf("op=usecase.Replay: pull: %w", err)
		}
		if !ok {
			break
		}
		if err := s.replayOne(ctx, kind, d, actor, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (s ReplayService) replayOne(ctx domain.Context, kind domain.Kind, d domain.DLQDelivery, actor string, rep *ReplayReport) error {
	msg := d.Message()
	env := msg.Envelope
	if env.JobID == 0 {
		// Undecodable dead letters can never be replayed; drop them so
		// the sweep does not spin on the same message.
		slog.Warn("dropping undecodable dead letter",
			slog.String("kind", string(kind)),
			slog.String("message_id", msg.MessageID),
			slog.Int("bytes", len(msg.Raw)))
		rep.Skipped++
		s.ack(d, env.JobID)
		return nil
	}

	job, err := s.Jobs.Get(ctx, env.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("dead letter for a purged job", slog.Int64("job_id", env.JobID))
		rep.Skipped++
		s.ack(d, env.JobID)
		return nil
	}
	if err != nil {
		if rqErr := d.Requeue(); rqErr != nil {
			slog.Error("requeue failed", slog.Int64("job_id", env.JobID), slog.Any("error", rqErr))
		}
		return fmt.Errorf("op=usecase.Replay: load job %d: %w", env.JobID, err)
	}
	if job.Status != domain.JobFailed {
		slog.Info("skipping dead letter, job no longer failed",
			slog.Int64("job_id", job.ID),
			slog.String("status", string(job.Status)))
		rep.Skipped++
		s.ack(d, job.ID)
		return nil
	}

	floor := s.Policy.RetryPolicyFor(kind).ReplayAttemptFloor(job.Attempts)
	env.Attempt = floor + 1
	taskID, err := s.Queue.PublishTask(ctx, env, job.Priority)
	if err != nil {
		if rqErr := d.Requeue(); rqErr != nil {
			slog.Error("requeue after failed replay publish", slog.Int64("job_id", job.ID), slog.Any("error", rqErr))
		}
		return fmt.Errorf("op=usecase.Replay: publish job %d: %w", job.ID, err)
	}

	_, err = s.Jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobQueued,
		Event:         domain.AuditDLQReplayed,
		Actor:         actor,
		TaskID:        taskID,
		SetAttempts:   &floor,
		Extra: map[string]any{
			"attempt_floor": floor,
			"message_id":    msg.MessageID,
		},
	})
	switch {
	case errors.Is(err, domain.ErrConflict):
		// Someone moved the job between load and replay. The envelope is
		// already on the primary queue; the claim guard drops it if the
		// new state disallows a run.
		slog.Warn("replay transition lost", slog.Int64("job_id", job.ID), slog.Any("error", err))
	case err != nil:
		rep.Skipped++
		if ackErr := d.Ack(); ackErr != nil {
			slog.Error("ack after failed replay transition", slog.Int64("job_id", job.ID), slog.Any("error", ackErr))
		}
		return fmt.Errorf("op=usecase.Replay: transition job %d: %w", job.ID, err)
	default:
		observability.RecordTransition(string(kind), string(domain.JobFailed), string(domain.JobQueued))
	}

	s.ack(d, job.ID)
	observability.DLQReplaysTotal.WithLabelValues(string(kind)).Inc()
	rep.Replayed++
	slog.Info("dead letter replayed",
		slog.Int64("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.Int("attempt_floor", floor),
		slog.String("actor", actor))
	return nil
}

// ack settles a dead letter after the replay decision. Failures are logged
// and absorbed: the broker redelivers and the claim guard rejects the
// stale copy.
func (s ReplayService) ack(d domain.DLQDelivery, jobID int64) {
	if err := d.Ack(); err != nil {
		slog.Error("dead letter ack failed", slog.Int64("job_id", jobID), slog.Any("error", err))
	}
}

// Purge drops every dead letter for the kind and audits the operator
// action into the kind's DLQ scope.
func (s ReplayService) Purge(ctx domain.Context, kind domain.Kind, actor string) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("op=usecase.Purge: unknown kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	if actor == "" {
		return 0, fmt.Errorf("op=usecase.Purge: actor required: %w", domain.ErrInvalidArgument)
	}
	n, err := s.DLQ.Purge(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("op=usecase.Purge: %w", err)
	}
	if _, err := s.Audit.Append(ctx, domain.DLQScope(kind), domain.AuditDLQPurged,
		map[string]any{"kind": string(kind), "purged": n}, actor); err != nil {
		return n, fmt.Errorf("op=usecase.Purge: audit: %w", err)
	}
	slog.Info("dead letter queue purged",
		slog.String("kind", string(kind)),
		slog.Int("purged", n),
		slog.String("actor", actor))
	return n, nil
}
