// Package usecase contains the application services: intake, status,
// cancellation, progress, and the operator surface over dead letters.
package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/pkg/canonjson"
)

// actorSystem stamps transitions the engine performs on its own behalf.
const actorSystem = "system"

// maxErrorLen caps persisted error text, matching the broker header cap.
const maxErrorLen = 500

// SubmissionGate admits or rejects a submission before any state is
// written. Implementations fail open so a degraded limiter backend never
// blocks intake.
type SubmissionGate interface {
	AllowSubmission(ctx domain.Context, ownerID string) (allowed bool, retryAfter time.Duration, scope string, err error)
}

// RateLimitError carries the hint surfaced to clients as Retry-After.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited at %s scope, retry in %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// SubmitRequest is one intake call after transport decoding. Priority < 0
// means the client left it unset.
type SubmitRequest struct {
	OwnerID  string
	Kind     domain.Kind
	Params   json.RawMessage
	IdemKey  string
	Priority int
	Actor    string
}

// SubmitResult reports admission; Duplicate marks an idempotent hit on an
// earlier submission.
type SubmitResult struct {
	Job       domain.Job
	Duplicate bool
}

// SubmitService admits jobs: it validates, rate limits, claims the
// idempotency key, and hands the confirmed publish to a background
// dispatch so intake latency never rides on broker confirms.
type SubmitService struct {
	Jobs    domain.JobRepository
	Queue   domain.TaskQueue
	Gate    SubmissionGate
	IdemTTL time.Duration
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(jobs domain.JobRepository, queue domain.TaskQueue, gate SubmissionGate, idemTTL time.Duration) SubmitService {
	return SubmitService{Jobs: jobs, Queue: queue, Gate: gate, IdemTTL: idemTTL}
}

// Submit admits one job. Rate limits are checked after validation and
// before the idempotency claim, so a rejected call leaves no trace. The
// response carries the job in pending; the queued transition lands once
// the broker confirms the publish.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (SubmitResult, error) {
	if req.OwnerID == "" {
		return SubmitResult{}, fmt.Errorf("op=usecase.Submit: owner required: %w", domain.ErrUnauthorized)
	}
	if !req.Kind.Valid() {
		return SubmitResult{}, fmt.Errorf("op=usecase.Submit: unknown kind %q: %w", req.Kind, domain.ErrInvalidArgument)
	}
	idemKey, err := domain.NormalizeIdemKey(req.IdemKey)
	if err != nil {
		return SubmitResult{}, err
	}
	priority, err := domain.ValidatePriority(req.Priority)
	if err != nil {
		return SubmitResult{}, err
	}
	canonical, err := canonicalParams(req.Params)
	if err != nil {
		return SubmitResult{}, err
	}

	if s.Gate != nil {
		allowed, retryAfter, scope, err := s.Gate.AllowSubmission(ctx, req.OwnerID)
		if err != nil {
			slog.Warn("rate limiter unavailable", slog.String("owner", req.OwnerID), slog.Any("error", err))
		} else if !allowed {
			observability.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
			return SubmitResult{}, fmt.Errorf("op=usecase.Submit: %w", &RateLimitError{Scope: scope, RetryAfter: retryAfter})
		}
	}

	actor := req.Actor
	if actor == "" {
		actor = req.OwnerID
	}
	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	res, err := s.Jobs.Admit(ctx, domain.Admission{
		OwnerID:     req.OwnerID,
		Kind:        req.Kind,
		Params:      canonical,
		Fingerprint: fingerprint(canonical, req.Kind, req.OwnerID),
		IdemKey:     idemKey,
		Priority:    priority,
		Actor:       actor,
		TraceID:     traceID,
		IdemTTL:     s.IdemTTL,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if !res.Created {
		observability.JobsSubmittedTotal.WithLabelValues(string(req.Kind), "duplicate").Inc()
		slog.Info("duplicate submission",
			slog.Int64("job_id", res.Job.ID),
			slog.String("owner", req.OwnerID),
			slog.String("idempotency_key", idemKey))
		return SubmitResult{Job: res.Job, Duplicate: true}, nil
	}

	observability.JobsSubmittedTotal.WithLabelValues(string(req.Kind), "created").Inc()
	slog.Info("job admitted",
		slog.Int64("job_id", res.Job.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("owner", req.OwnerID))

	// The dispatch outlives the request; keep the trace, drop the deadline.
	go s.dispatch(context.WithoutCancel(ctx), res.Job, traceID)
	return SubmitResult{Job: res.Job}, nil
}

// dispatch publishes the admitted job and records the queued transition on
// confirm. Publish exhaustion parks the job in failed with a retryable
// error so duplicate submits and operator replays can revive it.
func (s SubmitService) dispatch(ctx domain.Context, job domain.Job, traceID string) {
	env := domain.TaskEnvelope{
		V:           1,
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Params:      job.Params,
		SubmittedBy: job.OwnerID,
		Attempt:     job.Attempts + 1,
		TraceID:     traceID,
		IdemKey:     job.IdemKey,
	}
	taskID, err := s.Queue.PublishTask(ctx, env, job.Priority)
	if err != nil {
		slog.Error("task publish exhausted", slog.Int64("job_id", job.ID), slog.Any("error", err))
		s.park(ctx, job, err)
		return
	}
	if _, err := s.Jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobQueued,
		Actor:         actorSystem,
		TaskID:        taskID,
	}); err != nil {
		// A cancel or sweeper may have moved the job first; the worker's
		// claim guard drops the delivery if the new state disallows a run.
		slog.Warn("queued transition lost", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobPending), string(domain.JobQueued))
}

func (s SubmitService) park(ctx domain.Context, job domain.Job, pubErr error) {
	if _, err := s.Jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobFailed,
		Actor:         actorSystem,
		Error: &domain.JobError{
			Code:      domain.CodePublishFailed,
			Message:   truncate(pubErr.Error(), maxErrorLen),
			Retryable: true,
		},
	}); err != nil {
		slog.Error("park after publish exhaustion failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobPending), string(domain.JobFailed))
}

// canonicalParams validates and canonicalizes the params document. Only a
// JSON object is accepted; arrays and scalars cannot name their fields.
func canonicalParams(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("op=usecase.Submit: params required: %w", domain.ErrInvalidArgument)
	}
	if len(raw) > domain.MaxParamsBytes {
		return nil, fmt.Errorf("op=usecase.Submit: params %d bytes over %d: %w",
			len(raw), domain.MaxParamsBytes, domain.ErrPayloadTooLarge)
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("op=usecase.Submit: params must be a JSON object: %w", domain.ErrInvalidArgument)
	}
	canonical, err := canonjson.Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Submit: params %v: %w", err, domain.ErrInvalidArgument)
	}
	return canonical, nil
}

// fingerprint binds the canonical params to kind and owner so the same
// idempotency key cannot smuggle a different request past the claim.
func fingerprint(canonical []byte, kind domain.Kind, owner string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(kind))
	h.Write([]byte(owner))
	return hex.EncodeToString(h.Sum(nil))
}
