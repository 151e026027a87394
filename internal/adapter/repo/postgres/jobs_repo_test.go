package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

func testAdmission() domain.Admission {
	return domain.Admission{
		OwnerID:     "tenant-a",
		Kind:        domain.KindCAM,
		Params:      []byte(`{"file":"part.fcstd"}`),
		Fingerprint: "aa11bb22",
		IdemKey:     "req-1",
		Priority:    5,
		Actor:       "tenant-a",
		IdemTTL:     24 * time.Hour,
	}
}

func queuedJob(id, version int64) domain.Job {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.Job{
		ID:        id,
		OwnerID:   "tenant-a",
		Kind:      domain.KindCAM,
		Status:    domain.JobQueued,
		Params:    []byte(`{"file":"part.fcstd"}`),
		Priority:  5,
		Attempts:  0,
		Version:   version,
		IdemKey:   "req-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobRepo_Admit_Created(t *testing.T) {
	pool := &poolStub{
		rows:  []rowStub{insertedJobRow(42), noRow},
		execs: []execResult{okTag("DELETE 0"), okTag("INSERT 0 1"), okTag("INSERT 0 1")},
	}
	repo := postgres.NewJobRepo(pool)

	res, err := repo.Admit(context.Background(), testAdmission())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(42), res.Job.ID)
	assert.Equal(t, domain.JobPending, res.Job.Status)
	assert.Equal(t, int64(1), res.Job.Version)
	assert.Equal(t, 1, pool.commits)
	assert.True(t, pool.saw("INSERT INTO audit_events"))
}

func TestJobRepo_Admit_DuplicateSameFingerprint(t *testing.T) {
	existing := queuedJob(7, 2)
	pool := &poolStub{
		rows:  []rowStub{insertedJobRow(43), claimRow(7, "aa11bb22"), jobRow(existing)},
		execs: []execResult{okTag("DELETE 0"), okTag("INSERT 0 0")},
	}
	repo := postgres.NewJobRepo(pool)

	res, err := repo.Admit(context.Background(), testAdmission())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, int64(7), res.Job.ID)
	assert.Equal(t, domain.JobQueued, res.Job.Status)
	assert.Zero(t, pool.commits)
}

func TestJobRepo_Admit_FingerprintMismatch(t *testing.T) {
	pool := &poolStub{
		rows:  []rowStub{insertedJobRow(43), claimRow(7, "other-fp")},
		execs: []execResult{okTag("DELETE 0"), okTag("INSERT 0 0")},
	}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Admit(context.Background(), testAdmission())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestJobRepo_Admit_WinnerAbortedRetriesOnce(t *testing.T) {
	pool := &poolStub{
		rows: []rowStub{
			insertedJobRow(43), noRow, // round 1: lost claim, record vanished
			insertedJobRow(44), noRow, // round 2: clean insert, empty audit head
		},
		execs: []execResult{
			okTag("DELETE 0"), okTag("INSERT 0 0"),
			okTag("DELETE 0"), okTag("INSERT 0 1"), okTag("INSERT 0 1"),
		},
	}
	repo := postgres.NewJobRepo(pool)

	res, err := repo.Admit(context.Background(), testAdmission())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(44), res.Job.ID)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{rows: []rowStub{noRow}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Get(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_GetForOwner_Foreign(t *testing.T) {
	pool := &poolStub{rows: []rowStub{noRow}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.GetForOwner(context.Background(), 7, "tenant-b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Transition_RunningIncrementsAttempts(t *testing.T) {
	cur := queuedJob(7, 3)
	cur.Attempts = 1
	pool := &poolStub{
		rows:  []rowStub{jobRow(cur), headRow(2, "58ab")},
		execs: []execResult{okTag("UPDATE 1"), okTag("INSERT 0 1")},
	}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.Transition(context.Background(), domain.Transition{
		JobID:         7,
		ExpectVersion: 3,
		To:            domain.JobRunning,
		Actor:         "worker-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.Status)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, 1, pool.commits)
}

func TestJobRepo_Transition_TerminalStampsFinishedAt(t *testing.T) {
	cur := queuedJob(7, 4)
	cur.Status = domain.JobRunning
	cur.Attempts = 1
	pool := &poolStub{
		rows:  []rowStub{jobRow(cur), headRow(3, "aa")},
		execs: []execResult{okTag("UPDATE 1"), okTag("INSERT 0 1")},
	}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.Transition(context.Background(), domain.Transition{
		JobID: 7, ExpectVersion: 4, To: domain.JobSucceeded, Actor: "worker-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 1, got.Attempts)
}

func TestJobRepo_Transition_VersionConflict(t *testing.T) {
	pool := &poolStub{rows: []rowStub{jobRow(queuedJob(7, 5))}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Transition(context.Background(), domain.Transition{
		JobID: 7, ExpectVersion: 3, To: domain.JobRunning,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Zero(t, pool.commits)
}

func TestJobRepo_Transition_IllegalEdge(t *testing.T) {
	cur := queuedJob(7, 3)
	cur.Status = domain.JobPending
	pool := &poolStub{rows: []rowStub{jobRow(cur)}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Transition(context.Background(), domain.Transition{
		JobID: 7, ExpectVersion: 3, To: domain.JobSucceeded,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobRepo_Transition_NotFound(t *testing.T) {
	pool := &poolStub{rows: []rowStub{noRow}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Transition(context.Background(), domain.Transition{
		JobID: 99, ExpectVersion: 1, To: domain.JobQueued,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Transition_RetryEventName(t *testing.T) {
	cur := queuedJob(7, 4)
	cur.Status = domain.JobRunning
	cur.Attempts = 1
	pool := &poolStub{
		rows:  []rowStub{jobRow(cur), headRow(3, "aa")},
		execs: []execResult{okTag("UPDATE 1"), okTag("INSERT 0 1")},
	}
	repo := postgres.NewJobRepo(pool)

	got, err := repo.Transition(context.Background(), domain.Transition{
		JobID:         7,
		ExpectVersion: 4,
		To:            domain.JobFailed,
		Event:         domain.AuditRetrying,
		Error:         &domain.JobError{Code: "TRANSIENT", Message: "io", Retryable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.True(t, got.LastError.Retryable)
}

func TestJobRepo_Transition_QuarantinesOnAuditFailure(t *testing.T) {
	cur := queuedJob(7, 4)
	cur.Status = domain.JobRunning
	cur.Attempts = 1
	auditDown := errors.New("audit insert failed")
	pool := &poolStub{
		rows: []rowStub{
			jobRow(cur), headRow(3, "aa"), // round 1: append fails
			jobRow(cur), headRow(3, "aa"), // round 2: still down
		},
		execs: []execResult{
			okTag("UPDATE 1"), {err: auditDown},
			okTag("UPDATE 1"), {err: auditDown},
			okTag("UPDATE 1"), // quarantine write
		},
	}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Transition(context.Background(), domain.Transition{
		JobID: 7, ExpectVersion: 4, To: domain.JobSucceeded, Actor: "worker-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.True(t, pool.saw("version=version+1"))
	assert.Zero(t, pool.commits)
	assert.Equal(t, 2, pool.rollbacks)
}

func TestJobRepo_Transition_AuditConflictNoQuarantine(t *testing.T) {
	cur := queuedJob(7, 4)
	cur.Status = domain.JobRunning
	cur.Attempts = 1
	pool := &poolStub{
		rows: []rowStub{jobRow(cur), headRow(3, "aa")},
		execs: []execResult{
			okTag("UPDATE 1"),
			{err: &pgconn.PgError{Code: "23505"}},
		},
	}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Transition(context.Background(), domain.Transition{
		JobID: 7, ExpectVersion: 4, To: domain.JobSucceeded, Actor: "worker-1",
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, pool.saw("version=version+1"))
	assert.Zero(t, pool.commits)
}

func TestJobRepo_UpdateProgress(t *testing.T) {
	pool := &poolStub{execs: []execResult{okTag("UPDATE 1"), okTag("UPDATE 0")}}
	repo := postgres.NewJobRepo(pool)

	applied, err := repo.UpdateProgress(context.Background(), 7, domain.Progress{Percent: 40, UpdatedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.UpdateProgress(context.Background(), 7, domain.Progress{Percent: 10, UpdatedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestJobRepo_SetCancelRequested_New(t *testing.T) {
	cur := queuedJob(7, 3)
	cur.Status = domain.JobRunning
	pool := &poolStub{
		rows:  []rowStub{jobRow(cur), headRow(3, "aa")},
		execs: []execResult{okTag("UPDATE 1"), okTag("INSERT 0 1")},
	}
	repo := postgres.NewJobRepo(pool)

	job, already, err := repo.SetCancelRequested(context.Background(), 7, "tenant-a", "changed my mind")
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, 1, pool.commits)
}

func TestJobRepo_SetCancelRequested_Already(t *testing.T) {
	cur := queuedJob(7, 3)
	cur.CancelRequested = true
	pool := &poolStub{rows: []rowStub{jobRow(cur)}}
	repo := postgres.NewJobRepo(pool)

	job, already, err := repo.SetCancelRequested(context.Background(), 7, "tenant-a", "")
	require.NoError(t, err)
	assert.True(t, already)
	assert.True(t, job.CancelRequested)
	assert.Zero(t, pool.commits)
}

func TestJobRepo_SetCancelRequested_Terminal(t *testing.T) {
	cur := queuedJob(7, 3)
	cur.Status = domain.JobSucceeded
	pool := &poolStub{rows: []rowStub{jobRow(cur)}}
	repo := postgres.NewJobRepo(pool)

	job, already, err := repo.SetCancelRequested(context.Background(), 7, "tenant-a", "")
	require.NoError(t, err)
	assert.False(t, already)
	assert.False(t, job.CancelRequested)
	assert.Zero(t, pool.commits)
}

func TestJobRepo_QueuePosition(t *testing.T) {
	pool := &poolStub{rows: []rowStub{{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 3
		return nil
	}}}}
	repo := postgres.NewJobRepo(pool)

	pos, err := repo.QueuePosition(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestJobRepo_ListByStatus(t *testing.T) {
	a, b := queuedJob(1, 1), queuedJob(2, 1)
	pool := &poolStub{queries: []queryResult{{rows: &rowsStub{scans: []func(dest ...any) error{jobScan(a), jobScan(b)}}}}}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.ListByStatus(context.Background(), domain.JobQueued, domain.KindCAM, 0, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, int64(2), jobs[1].ID)
}

func TestJobRepo_DeleteTerminalBefore(t *testing.T) {
	pool := &poolStub{execs: []execResult{okTag("DELETE 2"), okTag("DELETE 4")}}
	repo := postgres.NewJobRepo(pool)

	n, err := repo.DeleteTerminalBefore(context.Background(), time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 1, pool.commits)
}

func TestJobRepo_DeleteExpiredIdempotency(t *testing.T) {
	pool := &poolStub{execs: []execResult{okTag("DELETE 9")}}
	repo := postgres.NewJobRepo(pool)

	n, err := repo.DeleteExpiredIdempotency(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}
