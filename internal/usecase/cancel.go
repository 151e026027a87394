package usecase

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// CancelOutcome reports how a cancellation request landed. Exactly one of
// AlreadyTerminal, AlreadyRequested, or Accepted is true.
type CancelOutcome struct {
	JobID            int64
	CancelRequested  bool
	AlreadyTerminal  bool
	AlreadyRequested bool
	Accepted         bool
}

// CancelService flips the cooperative cancel flag. Nothing is force-killed
// here: the worker honours the flag at claim time and executors honour it
// at checkpoints.
type CancelService struct {
	Jobs  domain.JobRepository
	Cache domain.CancelCache
}

// NewCancelService constructs a CancelService with its dependencies.
func NewCancelService(jobs domain.JobRepository, cache domain.CancelCache) CancelService {
	return CancelService{Jobs: jobs, Cache: cache}
}

// RequestCancel is idempotent: repeat calls and requests against finished
// jobs report their standing without mutating anything. The flag write and
// its audit event are transactional; the cache entry is best effort
// because checkpoints fall back to the job store on a miss.
func (s CancelService) RequestCancel(ctx domain.Context, id int64, ownerID, actor, reason string) (CancelOutcome, error) {
	job, err := s.Jobs.GetForOwner(ctx, id, ownerID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if job.Status.Terminal() {
		observability.CancellationsTotal.WithLabelValues("terminal").Inc()
		return CancelOutcome{JobID: id, CancelRequested: job.CancelRequested, AlreadyTerminal: true}, nil
	}

	updated, already, err := s.Jobs.SetCancelRequested(ctx, id, actor, reason)
	if err != nil {
		return CancelOutcome{}, err
	}
	if already {
		return CancelOutcome{JobID: id, CancelRequested: true, AlreadyRequested: true}, nil
	}

	if s.Cache != nil {
		rec := domain.CancelRecord{
			Cancelled:   true,
			RequestedAt: time.Now().UTC(),
			RequestedBy: actor,
			Reason:      reason,
		}
		if err := s.Cache.Set(ctx, id, rec); err != nil {
			slog.Warn("cancel cache set failed", slog.Int64("job_id", id), slog.Any("error", err))
		}
	}

	slog.Info("cancel requested",
		slog.Int64("job_id", id),
		slog.String("stage", string(updated.Status)),
		slog.String("actor", actor))
	return CancelOutcome{JobID: id, CancelRequested: true, Accepted: true}, nil
}

// CancelChecker builds the checkpoint closure handed to executors: cache
// first, job store on a miss, never an error back to the execution.
type CancelChecker struct {
	Jobs  domain.JobRepository
	Cache domain.CancelCache
}

// NewCancelChecker constructs a CancelChecker.
func NewCancelChecker(jobs domain.JobRepository, cache domain.CancelCache) CancelChecker {
	return CancelChecker{Jobs: jobs, Cache: cache}
}

// ForJob adapts the checker to one job.
func (c CancelChecker) ForJob(job domain.Job) domain.CancelCheckFunc {
	id := job.ID
	return func(ctx domain.Context) bool {
		return c.check(ctx, id)
	}
}

func (c CancelChecker) check(ctx domain.Context, id int64) bool {
	if c.Cache != nil {
		rec, ok, err := c.Cache.Get(ctx, id)
		if err == nil && ok {
			return rec.Cancelled
		}
		if err != nil {
			slog.Debug("cancel cache read failed", slog.Int64("job_id", id), slog.Any("error", err))
		}
	}
	job, err := c.Jobs.Get(ctx, id)
	if err != nil {
		slog.Warn("cancel check store read failed", slog.Int64("job_id", id), slog.Any("error", err))
		return false
	}
	return job.CancelRequested
}
