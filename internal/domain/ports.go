package domain

import "time"

// Ports implemented by adapters. Test suites stub these with small
// in-package fakes.

// AdmitResult is the outcome of an idempotent admission.
type AdmitResult struct {
	Job Job
	// Created is false on an idempotent hit.
	Created bool
}

// JobRepository is the persistent job store. Transitions are guarded by
// optimistic concurrency and append their audit event atomically.
type JobRepository interface {
	// Admit atomically claims (owner, idempotency key), inserts the job in
	// pending, and chains the created event. A claim held by an identical
	// fingerprint returns the existing job with Created=false; a differing
	// fingerprint fails with ErrIdempotencyConflict.
	Admit(ctx Context, adm Admission) (AdmitResult, error)
	Get(ctx Context, id int64) (Job, error)
	// GetForOwner returns ErrNotFound for foreign-owned jobs so absence and
	// denial are indistinguishable to callers.
	GetForOwner(ctx Context, id int64, ownerID string) (Job, error)
	// Transition applies a guarded state change; ErrConflict when the
	// version moved or the current status does not precede tr.To.
	Transition(ctx Context, tr Transition) (Job, error)
	// UpdateProgress persists a monotonic progress report; dropped reports
	// (stale percent or vanished job) return false.
	UpdateProgress(ctx Context, id int64, p Progress) (bool, error)
	// SetCancelRequested flips the monotonic cancel flag and chains the
	// cancel_requested event; already=true when the flag was set before.
	SetCancelRequested(ctx Context, id int64, actor, reason string) (job Job, already bool, err error)
	// QueuePosition counts queued peers of the same kind strictly ahead in
	// (priority desc, created_at asc) order; 1-based, 0 when not queued.
	QueuePosition(ctx Context, id int64) (int, error)
	ListByStatus(ctx Context, status JobStatus, kind Kind, offset, limit int) ([]Job, error)
	// DeleteTerminalBefore removes terminal jobs finished before the cutoff
	// together with their artefact references.
	DeleteTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
	// DeleteExpiredIdempotency removes idempotency records past expiry.
	DeleteExpiredIdempotency(ctx Context, now time.Time) (int64, error)
}

// AuditRepository reads and extends per-scope hash chains. Appends that
// accompany a state transition run inside the transition's transaction in
// the concrete store; this port serves standalone events and verification.
type AuditRepository interface {
	Append(ctx Context, scope AuditScope, eventType string, payload map[string]any, actor string) (AuditEvent, error)
	ListScope(ctx Context, scope AuditScope) ([]AuditEvent, error)
}

// ArtefactRepository records artefact references; bytes live elsewhere.
type ArtefactRepository interface {
	Add(ctx Context, ref ArtefactRef) (int64, error)
	ListByJob(ctx Context, jobID int64) ([]ArtefactRef, error)
}

// TaskQueue is the broker publish surface. All publishes are confirmed;
// a returned task id means the broker accepted the message.
type TaskQueue interface {
	// EnsureTopology declares exchanges, queues, and bindings; idempotent.
	EnsureTopology(ctx Context) error
	// PublishTask publishes to the kind's primary queue.
	PublishTask(ctx Context, env TaskEnvelope, priority uint8) (taskID string, err error)
	// PublishRetry publishes to the kind's retry queue with a per-message
	// expiration; the broker re-delivers to the primary queue on expiry.
	PublishRetry(ctx Context, env TaskEnvelope, priority uint8, delay time.Duration, lastErr string) (taskID string, err error)
	// PublishDLQ dead-letters the envelope with failure metadata headers.
	PublishDLQ(ctx Context, env TaskEnvelope, meta DLQMeta) error
}

// DLQDelivery is one pulled DLQ message awaiting an explicit settle.
type DLQDelivery interface {
	Message() DLQMessage
	// Ack removes the message from the DLQ.
	Ack() error
	// Requeue returns the message to the DLQ unconsumed.
	Requeue() error
}

// DLQOperator is the admin surface over dead-letter queues.
type DLQOperator interface {
	// Peek lists up to limit messages without consuming them.
	Peek(ctx Context, kind Kind, limit int) ([]DLQMessage, error)
	// Pull takes one message for replay; ok=false when the queue is empty.
	Pull(ctx Context, kind Kind) (d DLQDelivery, ok bool, err error)
	Purge(ctx Context, kind Kind) (int, error)
	// Depths reports message counts of the primary queue and the DLQ.
	Depths(ctx Context, kind Kind) (primary int, dlq int, err error)
}

// CancelRecord is the cached cancellation marker for a job.
type CancelRecord struct {
	Cancelled   bool      `json:"cancelled"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by"`
	Reason      string    `json:"reason,omitempty"`
}

// CancelCache is the best-effort distributed cancel flag; the job store
// stays authoritative and callers fall back to it on any cache error.
type CancelCache interface {
	Set(ctx Context, jobID int64, rec CancelRecord) error
	// Get returns ok=false on a miss.
	Get(ctx Context, jobID int64) (rec CancelRecord, ok bool, err error)
}

// LifecycleRecord mirrors one state transition to the event stream.
type LifecycleRecord struct {
	JobID     int64     `json:"job_id"`
	OwnerID   string    `json:"owner_id"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LifecycleStream fans lifecycle records out to downstream consumers.
// Best effort: implementations log and drop on failure.
type LifecycleStream interface {
	Publish(ctx Context, rec LifecycleRecord) error
}

// ProgressFunc reports executor progress; implementations throttle.
type ProgressFunc func(ctx Context, percent float64, step, message string)

// CancelCheckFunc is the cooperative cancellation checkpoint. It never
// fails; cache errors degrade to the job store.
type CancelCheckFunc func(ctx Context) bool

// ExecTask is the unit handed to a kind capability.
type ExecTask struct {
	Job         Job
	Params      []byte
	ParamsRef   string
	Progress    ProgressFunc
	CheckCancel CancelCheckFunc
}

// ExecResult carries the success outputs of an execution.
type ExecResult struct {
	Output    map[string]any
	Artefacts []ArtefactRef
}

// TaskExecutor is the abstract kind capability. Implementations call
// CheckCancel at safe points and return ErrCancelled when it fires.
type TaskExecutor interface {
	Execute(ctx Context, task ExecTask) (ExecResult, error)
}

// ObjectStore is the narrow object-storage contract: presign and verify,
// never bytes.
type ObjectStore interface {
	PresignGet(ctx Context, bucket, key string, ttl time.Duration) (string, error)
	VerifySHA256(ctx Context, bucket, key, hexDigest string) (bool, error)
}
