package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// wideWindowPolicy makes throttling deterministic regardless of scheduler
// jitter: every report after the first lands inside the window.
func wideWindowPolicy(t *testing.T) config.Policy {
	t.Helper()
	p, err := config.ParsePolicy([]byte("defaults:\n  progress_throttle_ms: 60000\n"))
	require.NoError(t, err)
	return p
}

func runningJob(id int64) domain.Job {
	return domain.Job{ID: id, OwnerID: "owner-1", Kind: domain.KindCAM, Status: domain.JobRunning}
}

func TestReportPersistsFirstWrite(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))

	r.ForJob(runningJob(42))(context.Background(), 12.5, "load", "reading geometry")

	writes := jobs.writes()
	require.Len(t, writes, 1)
	require.InDelta(t, 12.5, writes[0].Percent, 0.001)
	require.Equal(t, "load", writes[0].Step)
	require.Equal(t, "reading geometry", writes[0].Message)
	require.False(t, writes[0].UpdatedAt.IsZero())
}

func TestReportThrottlesInsideWindow(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))
	report := r.ForJob(runningJob(42))

	report(context.Background(), 10, "load", "")
	report(context.Background(), 20, "load", "")
	report(context.Background(), 30, "plan", "")

	require.Len(t, jobs.writes(), 1)
}

func TestReportDropsNonMonotonic(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))
	report := r.ForJob(runningJob(42))

	report(context.Background(), 50, "plan", "")
	report(context.Background(), 40, "plan", "")

	writes := jobs.writes()
	require.Len(t, writes, 1)
	require.InDelta(t, 50, writes[0].Percent, 0.001)
}

func TestReportFinalBypassesThrottle(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))
	report := r.ForJob(runningJob(42))

	report(context.Background(), 10, "load", "")
	report(context.Background(), 100, "post", "done")

	writes := jobs.writes()
	require.Len(t, writes, 2)
	require.InDelta(t, 100, writes[1].Percent, 0.001)
}

func TestReportSeparateJobsDoNotShareWindows(t *testing.T) {
	jobs := newJobsStub(runningJob(1), runningJob(2))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))

	r.ForJob(runningJob(1))(context.Background(), 10, "load", "")
	r.ForJob(runningJob(2))(context.Background(), 10, "load", "")

	require.Len(t, jobs.writes(), 2)
}

func TestReportClampsPercent(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))

	r.ForJob(runningJob(42))(context.Background(), -7, "load", "")

	writes := jobs.writes()
	require.Len(t, writes, 1)
	require.InDelta(t, 0, writes[0].Percent, 0.001)

	// Over 100 clamps to the final report and passes the throttle.
	r.ForJob(runningJob(42))(context.Background(), 250, "post", "")
	writes = jobs.writes()
	require.Len(t, writes, 2)
	require.InDelta(t, 100, writes[1].Percent, 0.001)
}

func TestReportTruncatesBoundedStrings(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))

	r.ForJob(runningJob(42))(context.Background(), 5,
		strings.Repeat("s", 400), strings.Repeat("m", 2000))

	writes := jobs.writes()
	require.Len(t, writes, 1)
	require.Len(t, writes[0].Step, domain.MaxProgressStep)
	require.Len(t, writes[0].Message, domain.MaxProgressMsg)
}

func TestReportStoreRejectionTolerated(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	jobs.progressOK = false
	r := NewProgressReporter(jobs, wideWindowPolicy(t))

	r.ForJob(runningJob(42))(context.Background(), 10, "load", "")
	require.Empty(t, jobs.writes())
}

func TestReportStoreErrorTolerated(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	jobs.progressErr = errors.New("db down")
	r := NewProgressReporter(jobs, wideWindowPolicy(t))

	require.NotPanics(t, func() {
		r.ForJob(runningJob(42))(context.Background(), 10, "load", "")
	})
}

func TestReportFinalForgetsJob(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, wideWindowPolicy(t))
	report := r.ForJob(runningJob(42))

	report(context.Background(), 100, "post", "")
	r.mu.Lock()
	_, tracked := r.seen[42]
	r.mu.Unlock()
	require.False(t, tracked)
}

func TestReportDefaultWindowIsShort(t *testing.T) {
	jobs := newJobsStub(runningJob(42))
	r := NewProgressReporter(jobs, config.DefaultPolicy())
	report := r.ForJob(runningJob(42))

	report(context.Background(), 10, "load", "")
	time.Sleep(150 * time.Millisecond)
	report(context.Background(), 20, "plan", "")

	require.Len(t, jobs.writes(), 2)
}
