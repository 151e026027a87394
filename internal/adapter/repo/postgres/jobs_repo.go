package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Admissions and transitions append their audit event in the same
// transaction as the row change.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner_id, kind, status, params, priority, attempts, cancel_requested, version,
	idem_key, COALESCE(task_id,''), error_code, error_message, error_retryable,
	progress_percent, progress_step, progress_message, progress_updated_at,
	created_at, updated_at, started_at, finished_at`

const terminalStatuses = `'succeeded','failed','cancelled','timeout'`

// errClaimUnsettled signals that a lost idempotency claim left nothing to
// read back; Admit retries the claim once before giving up.
var errClaimUnsettled = errors.New("idempotency claim unsettled")

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                domain.Job
		kind, status     string
		params           string
		priority         int16
		errCode, errMsg  *string
		errRetry         *bool
		pct              *float64
		step, msg        *string
		progressUpdated  *time.Time
	)
	err := row.Scan(&j.ID, &j.OwnerID, &kind, &status, &params, &priority, &j.Attempts,
		&j.CancelRequested, &j.Version, &j.IdemKey, &j.TaskID, &errCode, &errMsg, &errRetry,
		&pct, &step, &msg, &progressUpdated, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Kind = domain.Kind(kind)
	j.Status = domain.JobStatus(status)
	j.Params = []byte(params)
	j.Priority = uint8(priority)
	if errCode != nil {
		j.LastError = &domain.JobError{Code: *errCode, Retryable: errRetry != nil && *errRetry}
		if errMsg != nil {
			j.LastError.Message = *errMsg
		}
	}
	if pct != nil {
		j.Progress.Percent = *pct
	}
	if step != nil {
		j.Progress.Step = *step
	}
	if msg != nil {
		j.Progress.Message = *msg
	}
	if progressUpdated != nil {
		j.Progress.UpdatedAt = *progressUpdated
	}
	return j, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Admit atomically claims (owner, idempotency key) and inserts the job in
// pending with its created audit event. A held claim with an identical
// fingerprint returns the existing job; a differing fingerprint fails with
// ErrIdempotencyConflict.
func (r *JobRepo) Admit(ctx domain.Context, adm domain.Admission) (domain.AdmitResult, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Admit")
	defer span.End()
	span.SetAttributes(attribute.String("job.kind", string(adm.Kind)))

	for attempt := 0; attempt < 2; attempt++ {
		res, err := r.admitOnce(ctx, adm)
		if errors.Is(err, errClaimUnsettled) {
			continue
		}
		return res, err
	}
	return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: idempotency claim did not settle: %w", domain.ErrConflict)
}

func (r *JobRepo) admitOnce(ctx domain.Context, adm domain.Admission) (domain.AdmitResult, error) {
	now := time.Now().UTC()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Expired claims no longer bind the key.
	if _, err := tx.Exec(ctx,
		`DELETE FROM idempotency_records WHERE owner_id=$1 AND idem_key=$2 AND expires_at <= $3`,
		adm.OwnerID, adm.IdemKey, now); err != nil {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: expire claim: %w", err)
	}

	var (
		id, version int64
		attempts    int
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO jobs (owner_id, kind, status, params, priority, idem_key, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7) RETURNING id, version, attempts`,
		adm.OwnerID, string(adm.Kind), string(domain.JobPending), string(adm.Params),
		int16(adm.Priority), adm.IdemKey, now).Scan(&id, &version, &attempts)
	if err != nil {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: insert job: %w", err)
	}

	ct, err := tx.Exec(ctx,
		`INSERT INTO idempotency_records (owner_id, idem_key, job_id, fingerprint, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (owner_id, idem_key) DO NOTHING`,
		adm.OwnerID, adm.IdemKey, id, adm.Fingerprint, now, now.Add(adm.IdemTTL))
	if err != nil {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: claim: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Lost the claim; the rollback discards the provisional job row.
		_ = tx.Rollback(ctx)
		return r.resolveClaim(ctx, adm, now)
	}

	payload := map[string]any{
		"job_id":      id,
		"kind":        string(adm.Kind),
		"owner":       adm.OwnerID,
		"status":      string(domain.JobPending),
		"fingerprint": adm.Fingerprint,
		"priority":    int(adm.Priority),
	}
	if adm.TraceID != "" {
		payload["trace_id"] = adm.TraceID
	}
	if _, err := appendEventTx(ctx, tx, domain.JobScope(id), domain.AuditCreated, payload, adm.Actor, now); err != nil {
		return domain.AdmitResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: commit: %w", err)
	}

	return domain.AdmitResult{Created: true, Job: domain.Job{
		ID:        id,
		OwnerID:   adm.OwnerID,
		Kind:      adm.Kind,
		Status:    domain.JobPending,
		Params:    adm.Params,
		Priority:  adm.Priority,
		Attempts:  attempts,
		Version:   version,
		IdemKey:   adm.IdemKey,
		CreatedAt: now,
		UpdatedAt: now,
	}}, nil
}

func (r *JobRepo) resolveClaim(ctx domain.Context, adm domain.Admission, now time.Time) (domain.AdmitResult, error) {
	var (
		jobID int64
		fp    string
	)
	err := r.Pool.QueryRow(ctx,
		`SELECT job_id, fingerprint FROM idempotency_records WHERE owner_id=$1 AND idem_key=$2 AND expires_at > $3`,
		adm.OwnerID, adm.IdemKey, now).Scan(&jobID, &fp)
	if errors.Is(err, pgx.ErrNoRows) {
		// The winner aborted before committing.
		return domain.AdmitResult{}, errClaimUnsettled
	}
	if err != nil {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: read claim: %w", err)
	}
	if fp != adm.Fingerprint {
		return domain.AdmitResult{}, fmt.Errorf("op=jobs.Admit: idempotency key reused with a different request: %w", domain.ErrIdempotencyConflict)
	}
	job, err := r.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		// The claim outlived its job row; release it and start over.
		_, _ = r.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE owner_id=$1 AND idem_key=$2`, adm.OwnerID, adm.IdemKey)
		return domain.AdmitResult{}, errClaimUnsettled
	}
	if err != nil {
		return domain.AdmitResult{}, err
	}
	return domain.AdmitResult{Job: job, Created: false}, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=jobs.Get: id %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Get: %w", err)
	}
	return j, nil
}

// GetForOwner loads a job by id scoped to its owner. Foreign-owned jobs
// surface as not found.
func (r *JobRepo) GetForOwner(ctx domain.Context, id int64, ownerID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetForOwner")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 AND owner_id=$2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=jobs.GetForOwner: id %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.GetForOwner: %w", err)
	}
	return j, nil
}

// Transition applies a guarded state change under optimistic concurrency and
// chains the audit event in the same transaction. Entering running bumps
// attempts and stamps started_at; entering a terminal state stamps
// finished_at; leaving one clears it. A transition whose audit append keeps
// failing quarantines the job: the row is parked as failed with code
// AUDIT_QUARANTINE and the call reports ErrFatal.
func (r *JobRepo) Transition(ctx domain.Context, tr domain.Transition) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", tr.JobID),
		attribute.String("job.to", string(tr.To)),
	)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		job, auditErr, err := r.transitionOnce(ctx, tr)
		if err == nil {
			return job, nil
		}
		if !auditErr || errors.Is(err, domain.ErrConflict) || ctx.Err() != nil {
			return domain.Job{}, err
		}
		lastErr = err
	}

	// The state change cannot be recorded. Park the job instead of letting
	// it keep mutating off the chain; the quarantine write itself carries
	// no audit event.
	if qErr := r.quarantine(ctx, tr.JobID, lastErr); qErr != nil {
		slog.Error("quarantine write failed", slog.Int64("job_id", tr.JobID), slog.Any("error", qErr))
	} else {
		slog.Error("job quarantined, audit chain unavailable",
			slog.Int64("job_id", tr.JobID), slog.Any("error", lastErr))
	}
	return domain.Job{}, fmt.Errorf("op=jobs.Transition: job %d quarantined: %v: %w", tr.JobID, lastErr, domain.ErrFatal)
}

// transitionOnce runs one transition transaction. The bool reports that the
// failure came from the audit append rather than the row change.
func (r *JobRepo) transitionOnce(ctx domain.Context, tr domain.Transition) (domain.Job, bool, error) {
	now := time.Now().UTC()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, tr.JobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: id %d: %w", tr.JobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: load: %w", err)
	}

	if cur.Version != tr.ExpectVersion {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: version %d moved to %d: %w",
			tr.ExpectVersion, cur.Version, domain.ErrConflict)
	}
	if !domain.CanTransition(cur.Status, tr.To) {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: %s cannot enter %s: %w",
			cur.Status, tr.To, domain.ErrConflict)
	}

	from := cur.Status
	next := cur
	next.Status = tr.To
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if tr.To == domain.JobRunning {
		next.Attempts = cur.Attempts + 1
		next.StartedAt = &now
	}
	if tr.SetAttempts != nil {
		next.Attempts = *tr.SetAttempts
	}
	if tr.To.Terminal() {
		next.FinishedAt = &now
	} else {
		next.FinishedAt = nil
	}
	if tr.Error != nil {
		next.LastError = tr.Error
	}
	if tr.TaskID != "" {
		next.TaskID = tr.TaskID
	}

	var (
		errCode, errMsg *string
		errRetry        *bool
	)
	if next.LastError != nil {
		errCode, errMsg, errRetry = &next.LastError.Code, &next.LastError.Message, &next.LastError.Retryable
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status=$2, version=$3, attempts=$4, started_at=$5, finished_at=$6,
		 error_code=$7, error_message=$8, error_retryable=$9, task_id=$10, updated_at=$11 WHERE id=$1`,
		tr.JobID, string(next.Status), next.Version, next.Attempts, next.StartedAt, next.FinishedAt,
		errCode, errMsg, errRetry, nullIfEmpty(next.TaskID), now)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: update: %w", err)
	}

	payload := map[string]any{
		"job_id":   tr.JobID,
		"from":     string(from),
		"to":       string(tr.To),
		"version":  next.Version,
		"attempts": next.Attempts,
	}
	if tr.Error != nil {
		payload["error"] = map[string]any{
			"code":      tr.Error.Code,
			"message":   tr.Error.Message,
			"retryable": tr.Error.Retryable,
		}
	}
	for k, v := range tr.Extra {
		payload[k] = v
	}
	if _, err := appendEventTx(ctx, tx, domain.JobScope(tr.JobID), tr.EventType(), payload, tr.Actor, now); err != nil {
		return domain.Job{}, true, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.Transition: commit: %w", err)
	}
	return next, false, nil
}

// quarantine parks a job as failed(AUDIT_QUARANTINE) with the audit failure
// preserved in the error message. Terminal jobs are left untouched.
func (r *JobRepo) quarantine(ctx domain.Context, id int64, cause error) error {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status='failed', version=version+1, error_code=$2, error_message=$3,
		 error_retryable=FALSE, finished_at=$4, updated_at=$4
		 WHERE id=$1 AND status NOT IN (`+terminalStatuses+`)`,
		id, domain.CodeAuditQuarantine, msg, now)
	return err
}

// UpdateProgress persists a progress report if the job is still running and
// the percent does not regress. Dropped reports return false.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id int64, p domain.Progress) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	ct, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET progress_percent=$2, progress_step=$3, progress_message=$4,
		 progress_updated_at=$5, updated_at=$5
		 WHERE id=$1 AND status=$6 AND COALESCE(progress_percent, -1) <= $2`,
		id, p.Percent, p.Step, p.Message, p.UpdatedAt, string(domain.JobRunning))
	if err != nil {
		return false, fmt.Errorf("op=jobs.UpdateProgress: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// SetCancelRequested flips the monotonic cancel flag and chains the
// cancel_requested event. already=true when the flag was set before; a
// terminal job is returned unchanged.
func (r *JobRepo) SetCancelRequested(ctx domain.Context, id int64, actor, reason string) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetCancelRequested")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", id))

	now := time.Now().UTC()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.SetCancelRequested: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, fmt.Errorf("op=jobs.SetCancelRequested: id %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.SetCancelRequested: load: %w", err)
	}
	if cur.CancelRequested {
		return cur, true, nil
	}
	if cur.Status.Terminal() {
		return cur, false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE jobs SET cancel_requested=TRUE, updated_at=$2 WHERE id=$1`, id, now); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.SetCancelRequested: update: %w", err)
	}
	payload := map[string]any{"job_id": id, "status": string(cur.Status)}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := appendEventTx(ctx, tx, domain.JobScope(id), domain.AuditCancelRequested, payload, actor, now); err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=jobs.SetCancelRequested: commit: %w", err)
	}
	cur.CancelRequested = true
	cur.UpdatedAt = now
	return cur, false, nil
}

// QueuePosition reports the 1-based position among queued jobs of the same
// kind ordered by (priority desc, created_at asc, id asc); 0 when the job is
// not queued.
func (r *JobRepo) QueuePosition(ctx domain.Context, id int64) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.QueuePosition")
	defer span.End()
	const q = `
WITH me AS (SELECT kind, priority, created_at, id, status FROM jobs WHERE id=$1)
SELECT CASE WHEN me.status <> 'queued' THEN 0
       ELSE (SELECT COUNT(*) + 1 FROM jobs j
             WHERE j.kind = me.kind AND j.status = 'queued'
               AND (j.priority > me.priority
                    OR (j.priority = me.priority AND (j.created_at < me.created_at
                        OR (j.created_at = me.created_at AND j.id < me.id)))))
       END
FROM me`
	var pos int
	err := r.Pool.QueryRow(ctx, q, id).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("op=jobs.QueuePosition: id %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("op=jobs.QueuePosition: %w", err)
	}
	return pos, nil
}

// ListByStatus pages jobs in a status, optionally filtered by kind (empty
// kind matches all), ordered by id.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, kind domain.Kind, offset, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND ($2 = '' OR kind=$2) ORDER BY id LIMIT $3 OFFSET $4`,
		string(status), string(kind), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.ListByStatus: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobs.ListByStatus: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.ListByStatus: rows: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore purges terminal jobs finished before cutoff together
// with their idempotency claims; artefact references cascade.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=jobs.DeleteTerminalBefore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM idempotency_records WHERE job_id IN
		 (SELECT id FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1 AND status IN (`+terminalStatuses+`))`,
		cutoff); err != nil {
		return 0, fmt.Errorf("op=jobs.DeleteTerminalBefore: claims: %w", err)
	}
	ct, err := tx.Exec(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1 AND status IN (`+terminalStatuses+`)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.DeleteTerminalBefore: jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=jobs.DeleteTerminalBefore: commit: %w", err)
	}
	return ct.RowsAffected(), nil
}

// DeleteExpiredIdempotency removes idempotency records past their expiry.
func (r *JobRepo) DeleteExpiredIdempotency(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteExpiredIdempotency")
	defer span.End()
	ct, err := r.Pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.DeleteExpiredIdempotency: %w", err)
	}
	return ct.RowsAffected(), nil
}
