package postgres_test

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

var noRow = rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

func okTag(s string) execResult { return execResult{tag: pgconn.NewCommandTag(s)} }

type queryResult struct {
	rows pgx.Rows
	err  error
}

// poolStub implements postgres.PgxPool with scripted, in-order results.
// Statements issued inside a transaction consume the same queues, mirroring
// the repos' deterministic call order.
type poolStub struct {
	rows    []rowStub
	execs   []execResult
	queries []queryResult

	sqls      []string
	beginErr  error
	commitErr error
	commits   int
	rollbacks int
}

func (p *poolStub) nextRow() rowStub {
	if len(p.rows) == 0 {
		return rowStub{scan: func(_ ...any) error { return errors.New("unscripted row") }}
	}
	r := p.rows[0]
	p.rows = p.rows[1:]
	return r
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.sqls = append(p.sqls, sql)
	if len(p.execs) == 0 {
		return pgconn.NewCommandTag("OK 1"), nil
	}
	e := p.execs[0]
	p.execs = p.execs[1:]
	return e.tag, e.err
}

func (p *poolStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	p.sqls = append(p.sqls, sql)
	return p.nextRow()
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.sqls = append(p.sqls, sql)
	if len(p.queries) == 0 {
		return nil, errors.New("unscripted query")
	}
	q := p.queries[0]
	p.queries = p.queries[1:]
	return q.rows, q.err
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return &txStub{p: p}, nil
}

// saw reports whether any issued statement contains the fragment.
func (p *poolStub) saw(fragment string) bool {
	for _, s := range p.sqls {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

// txStub implements pgx.Tx by delegating statements to the owning poolStub.
type txStub struct{ p *poolStub }

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(_ context.Context) error {
	t.p.commits++
	return t.p.commitErr
}
func (t *txStub) Rollback(_ context.Context) error {
	t.p.rollbacks++
	return nil
}
func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.p.Exec(ctx, sql, args...)
}
func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.p.Query(ctx, sql, args...)
}
func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.p.QueryRow(ctx, sql, args...)
}
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// rowsStub implements pgx.Rows over a list of scan functions.
type rowsStub struct {
	scans []func(dest ...any) error
	i     int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { return r.i < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	f := r.scans[r.i]
	r.i++
	return f(dest...)
}
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// jobScan writes j into scan targets in the repos' column order.
func jobScan(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = j.ID
		*(dest[1].(*string)) = j.OwnerID
		*(dest[2].(*string)) = string(j.Kind)
		*(dest[3].(*string)) = string(j.Status)
		*(dest[4].(*string)) = string(j.Params)
		*(dest[5].(*int16)) = int16(j.Priority)
		*(dest[6].(*int)) = j.Attempts
		*(dest[7].(*bool)) = j.CancelRequested
		*(dest[8].(*int64)) = j.Version
		*(dest[9].(*string)) = j.IdemKey
		*(dest[10].(*string)) = j.TaskID
		if j.LastError != nil {
			*(dest[11].(**string)) = &j.LastError.Code
			*(dest[12].(**string)) = &j.LastError.Message
			*(dest[13].(**bool)) = &j.LastError.Retryable
		}
		if !j.Progress.UpdatedAt.IsZero() {
			pct, step, msg, upd := j.Progress.Percent, j.Progress.Step, j.Progress.Message, j.Progress.UpdatedAt
			*(dest[14].(**float64)) = &pct
			*(dest[15].(**string)) = &step
			*(dest[16].(**string)) = &msg
			*(dest[17].(**time.Time)) = &upd
		}
		*(dest[18].(*time.Time)) = j.CreatedAt
		*(dest[19].(*time.Time)) = j.UpdatedAt
		*(dest[20].(**time.Time)) = j.StartedAt
		*(dest[21].(**time.Time)) = j.FinishedAt
		return nil
	}
}

func jobRow(j domain.Job) rowStub { return rowStub{scan: jobScan(j)} }

// headRow scripts the audit chain head lookup.
func headRow(seq int64, hash string) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = seq
		*(dest[1].(*string)) = hash
		return nil
	}}
}

// claimRow scripts the idempotency record lookup.
func claimRow(jobID int64, fingerprint string) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = jobID
		*(dest[1].(*string)) = fingerprint
		return nil
	}}
}

// insertedJobRow scripts the INSERT ... RETURNING id, version, attempts.
func insertedJobRow(id int64) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = id
		*(dest[1].(*int64)) = 1
		*(dest[2].(*int)) = 0
		return nil
	}}
}
