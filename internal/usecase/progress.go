package usecase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const (
	// maxTrackedJobs bounds the throttle map; beyond it, marks idle for
	// markIdleAfter are swept before tracking a new job.
	maxTrackedJobs = 8192
	markIdleAfter  = 10 * time.Minute
)

// progressMark is the last accepted write for one active job.
type progressMark struct {
	at      time.Time
	percent float64
}

// ProgressReporter throttles executor progress into the job store: percent
// is monotonic, at most one persisted write per job per throttle window,
// and the 100 percent report always goes through. Reports inside a window
// coalesce into the next write because percent never moves backwards.
type ProgressReporter struct {
	Jobs   domain.JobRepository
	Policy config.Policy

	mu   sync.Mutex
	seen map[int64]progressMark
}

// NewProgressReporter constructs a ProgressReporter.
func NewProgressReporter(jobs domain.JobRepository, policy config.Policy) *ProgressReporter {
	return &ProgressReporter{Jobs: jobs, Policy: policy, seen: make(map[int64]progressMark)}
}

// ForJob builds the progress callback handed to one execution.
func (r *ProgressReporter) ForJob(job domain.Job) domain.ProgressFunc {
	return func(ctx domain.Context, percent float64, step, message string) {
		r.report(ctx, job, percent, step, message)
	}
}

func (r *ProgressReporter) report(ctx domain.Context, job domain.Job, percent float64, step, message string) {
	kind := string(job.Kind)
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := time.Now().UTC()

	r.mu.Lock()
	mark, tracked := r.seen[job.ID]
	if tracked && percent < mark.percent {
		r.mu.Unlock()
		observability.ProgressUpdatesTotal.WithLabelValues(kind, "stale").Inc()
		return
	}
	if tracked && percent < 100 && now.Sub(mark.at) < r.Policy.ThrottleFor(job.Kind) {
		r.mu.Unlock()
		observability.ProgressUpdatesTotal.WithLabelValues(kind, "throttled").Inc()
		return
	}
	if !tracked && len(r.seen) >= maxTrackedJobs {
		r.evictIdleLocked(now)
	}
	// Reserve the window before the store write so concurrent reports for
	// the same job do not fan out into parallel writes.
	r.seen[job.ID] = progressMark{at: now, percent: percent}
	r.mu.Unlock()

	ok, err := r.Jobs.UpdateProgress(ctx, job.ID, domain.Progress{
		Percent:   percent,
		Step:      truncate(step, domain.MaxProgressStep),
		Message:   truncate(message, domain.MaxProgressMsg),
		UpdatedAt: now,
	})
	switch {
	case err != nil:
		slog.Warn("progress write failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
	case !ok:
		observability.ProgressUpdatesTotal.WithLabelValues(kind, "stale").Inc()
	default:
		observability.ProgressUpdatesTotal.WithLabelValues(kind, "persisted").Inc()
	}

	if percent >= 100 {
		r.mu.Lock()
		delete(r.seen, job.ID)
		r.mu.Unlock()
	}
}

func (r *ProgressReporter) evictIdleLocked(now time.Time) {
	for id, m := range r.seen {
		if now.Sub(m.at) > markIdleAfter {
			delete(r.seen, id)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
