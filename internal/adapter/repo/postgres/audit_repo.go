package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/pkg/canonjson"
)

// AuditRepo appends and reads per-scope hash-chained audit events.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// uniqueViolation is the Postgres error code for duplicate keys; a losing
// concurrent append surfaces as one on (scope_kind, scope_id, seq).
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// appendEventTx chains one audit event inside the caller's transaction. It
// locks the scope head so concurrent appenders serialize; the unique index
// on (scope_kind, scope_id, seq) backstops the lock.
func appendEventTx(ctx domain.Context, q querier, scope domain.AuditScope, eventType string, payload map[string]any, actor string, now time.Time) (domain.AuditEvent, error) {
	canonical, err := canonjson.Marshal(payload)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.append: canonicalize payload: %w", err)
	}

	prevHash := domain.GenesisHash
	var prevSeq int64
	row := q.QueryRow(ctx,
		`SELECT seq, chain_hash FROM audit_events WHERE scope_kind=$1 AND scope_id=$2 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		scope.Kind, scope.ID)
	if err := row.Scan(&prevSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.append: read head: %w", err)
	}

	ev := domain.AuditEvent{
		Scope:     scope,
		Seq:       prevSeq + 1,
		EventType: eventType,
		Payload:   canonical,
		PrevHash:  prevHash,
		Actor:     actor,
		CreatedAt: now,
	}
	ev.ChainHash = domain.ComputeChainHash(ev.PrevHash, ev.Payload, scope, eventType, ev.Seq)

	_, err = q.Exec(ctx,
		`INSERT INTO audit_events (scope_kind, scope_id, seq, event_type, payload, prev_hash, chain_hash, actor, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		scope.Kind, scope.ID, ev.Seq, ev.EventType, string(ev.Payload), ev.PrevHash, ev.ChainHash, ev.Actor, ev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.AuditEvent{}, fmt.Errorf("op=audit.append: seq %d taken: %w", ev.Seq, domain.ErrConflict)
		}
		return domain.AuditEvent{}, fmt.Errorf("op=audit.append: %w", err)
	}
	return ev, nil
}

// Append chains a standalone event in its own transaction, retrying once
// when a concurrent appender claims the sequence number first.
func (r *AuditRepo) Append(ctx domain.Context, scope domain.AuditScope, eventType string, payload map[string]any, actor string) (domain.AuditEvent, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.scope", scope.String()),
		attribute.String("audit.event_type", eventType),
	)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ev, err := r.appendOnce(ctx, scope, eventType, payload, actor)
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
	}
	return domain.AuditEvent{}, lastErr
}

func (r *AuditRepo) appendOnce(ctx domain.Context, scope domain.AuditScope, eventType string, payload map[string]any, actor string) (domain.AuditEvent, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev, err := appendEventTx(ctx, tx, scope, eventType, payload, actor, time.Now().UTC())
	if err != nil {
		return domain.AuditEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("op=audit.append: commit: %w", err)
	}
	return ev, nil
}

// ListScope returns the full chain of a scope in ascending sequence order.
func (r *AuditRepo) ListScope(ctx domain.Context, scope domain.AuditScope) ([]domain.AuditEvent, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.ListScope")
	defer span.End()
	span.SetAttributes(attribute.String("audit.scope", scope.String()))

	rows, err := r.Pool.Query(ctx,
		`SELECT seq, event_type, payload, prev_hash, chain_hash, COALESCE(actor,''), created_at
		 FROM audit_events WHERE scope_kind=$1 AND scope_id=$2 ORDER BY seq ASC`,
		scope.Kind, scope.ID)
	if err != nil {
		return nil, fmt.Errorf("op=audit.list_scope: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		ev := domain.AuditEvent{Scope: scope}
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.EventType, &payload, &ev.PrevHash, &ev.ChainHash, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=audit.list_scope: scan: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.list_scope: rows: %w", err)
	}
	return out, nil
}
