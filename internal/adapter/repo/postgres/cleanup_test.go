package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// fakeRetentionRepo implements the two retention methods; the embedded
// interface panics on anything else.
type fakeRetentionRepo struct {
	domain.JobRepository
	terminalErr  error
	idemErr      error
	gotCutoff    time.Time
	deletedJobs  int64
	deletedIdems int64
}

func (f *fakeRetentionRepo) DeleteTerminalBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	f.gotCutoff = cutoff
	return f.deletedJobs, f.terminalErr
}

func (f *fakeRetentionRepo) DeleteExpiredIdempotency(_ domain.Context, _ time.Time) (int64, error) {
	return f.deletedIdems, f.idemErr
}

func TestCleanupService_CleanupOldData_OK(t *testing.T) {
	repo := &fakeRetentionRepo{deletedJobs: 3, deletedIdems: 5}
	svc := postgres.NewCleanupService(repo, 30)

	require.NoError(t, svc.CleanupOldData(context.Background()))
	wantCutoff := time.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, wantCutoff, repo.gotCutoff, time.Minute)
}

func TestCleanupService_JobDeleteError(t *testing.T) {
	repo := &fakeRetentionRepo{terminalErr: errors.New("db down")}
	svc := postgres.NewCleanupService(repo, 30)

	assert.Error(t, svc.CleanupOldData(context.Background()))
}

func TestCleanupService_IdempotencyDeleteError(t *testing.T) {
	repo := &fakeRetentionRepo{idemErr: errors.New("db down")}
	svc := postgres.NewCleanupService(repo, 30)

	assert.Error(t, svc.CleanupOldData(context.Background()))
}

func TestCleanupService_DefaultRetention(t *testing.T) {
	svc := postgres.NewCleanupService(&fakeRetentionRepo{}, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestCleanupService_RunPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := postgres.NewCleanupService(&fakeRetentionRepo{}, 1)

	done := make(chan struct{})
	go func() {
		svc.RunPeriodic(ctx, time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPeriodic did not stop on context cancel")
	}
}
