// Package stream decorates the job store with lifecycle fan-out. Every
// successful mutation is mirrored to a domain.LifecycleStream; the store
// stays authoritative and stream failures never fail the mutation.
package stream

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

type mirror struct {
	domain.JobRepository
	stream domain.LifecycleStream
}

// WithMirror wraps jobs so admissions, transitions and cancel requests
// publish a lifecycle record. A nil stream returns jobs unchanged.
func WithMirror(jobs domain.JobRepository, s domain.LifecycleStream) domain.JobRepository {
	if s == nil {
		return jobs
	}
	return &mirror{JobRepository: jobs, stream: s}
}

func (m *mirror) Admit(ctx domain.Context, adm domain.Admission) (domain.AdmitResult, error) {
	res, err := m.JobRepository.Admit(ctx, adm)
	if err == nil && res.Created {
		m.publish(ctx, res.Job, domain.AuditCreated)
	}
	return res, err
}

func (m *mirror) Transition(ctx domain.Context, tr domain.Transition) (domain.Job, error) {
	job, err := m.JobRepository.Transition(ctx, tr)
	if err == nil {
		m.publish(ctx, job, tr.EventType())
	}
	return job, err
}

func (m *mirror) SetCancelRequested(ctx domain.Context, id int64, actor, reason string) (domain.Job, bool, error) {
	job, already, err := m.JobRepository.SetCancelRequested(ctx, id, actor, reason)
	if err == nil && !already {
		m.publish(ctx, job, domain.AuditCancelRequested)
	}
	return job, already, err
}

func (m *mirror) publish(ctx domain.Context, job domain.Job, event string) {
	rec := domain.LifecycleRecord{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Kind:      string(job.Kind),
		Event:     event,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		Timestamp: job.UpdatedAt,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		rec.TraceID = sc.TraceID().String()
	}
	if err := m.stream.Publish(ctx, rec); err != nil {
		slog.Warn("lifecycle publish failed",
			slog.Int64("job_id", job.ID),
			slog.String("event", event),
			slog.Any("error", err))
	}
}
