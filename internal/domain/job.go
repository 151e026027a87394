// Package domain holds the job lifecycle entities, the state machine, the
// audit chain, and the ports consumed by adapters. It depends on nothing
// above the standard library plus the canonical JSON encoder.
package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the task family a job belongs to; each kind has its own
// queue, retry policy, and wall-clock budget.
type Kind string

const (
	KindAI     Kind = "ai"
	KindModel  Kind = "model"
	KindCAM    Kind = "cam"
	KindSim    Kind = "sim"
	KindReport Kind = "report"
	KindERP    Kind = "erp"
)

// KnownKinds returns the closed set of routable kinds in stable order.
func KnownKinds() []Kind {
	return []Kind{KindAI, KindModel, KindCAM, KindSim, KindReport, KindERP}
}

// Valid reports whether k is a routable kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAI, KindModel, KindCAM, KindSim, KindReport, KindERP:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimeout   JobStatus = "timeout"
)

// Terminal reports whether s is a final state. failed is terminal but may
// re-enter queued through the retry path or an admin replay.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// allowedFrom lists the predecessors permitted for each target state.
// pending appears for failed because exhausted publish retries fail a job
// that never left pending.
var allowedFrom = map[JobStatus][]JobStatus{
	JobQueued:    {JobPending, JobFailed},
	JobRunning:   {JobQueued},
	JobSucceeded: {JobRunning},
	JobFailed:    {JobRunning, JobQueued, JobPending},
	JobCancelled: {JobPending, JobQueued, JobRunning},
	JobTimeout:   {JobRunning},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, f := range allowedFrom[to] {
		if f == from {
			return true
		}
	}
	return false
}

// AllowedFrom returns the legal predecessors of to; repositories use it to
// guard UPDATE statements.
func AllowedFrom(to JobStatus) []JobStatus {
	froms := allowedFrom[to]
	out := make([]JobStatus, len(froms))
	copy(out, froms)
	return out
}

// Size and range limits enforced at intake and on the wire.
const (
	MaxParamsBytes   = 256 << 10
	MaxEnvelopeBytes = 10 << 20
	MaxIdemKeyLen    = 255
	MinPriority      = 0
	MaxPriority      = 10
	DefaultPriority  = 5
	MaxProgressStep  = 128
	MaxProgressMsg   = 512
)

// Progress is the last reported progress of a job; percent is monotonic
// non-decreasing.
type Progress struct {
	Percent   float64
	Step      string
	Message   string
	UpdatedAt time.Time
}

// Job is the persisted lifecycle entity. Params holds the canonical JSON
// bytes whose hash is the idempotency fingerprint.
type Job struct {
	ID              int64
	OwnerID         string
	Kind            Kind
	Status          JobStatus
	Params          []byte
	Priority        uint8
	Attempts        int
	CancelRequested bool
	Version         int64
	IdemKey         string
	TaskID          string
	LastError       *JobError
	Progress        Progress
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// ArtefactRef points at externally stored bytes; the engine records
// references and integrity data only.
type ArtefactRef struct {
	ID           int64
	JobID        int64
	Bucket       string
	ObjectKey    string
	VersionID    string
	SHA256       string
	Size         int64
	RetentionTag string
	CreatedAt    time.Time
}

// NormalizeIdemKey trims the client-supplied key and validates its length.
func NormalizeIdemKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return "", fmt.Errorf("op=domain.NormalizeIdemKey: empty idempotency key: %w", ErrInvalidArgument)
	}
	if len(k) > MaxIdemKeyLen {
		return "", fmt.Errorf("op=domain.NormalizeIdemKey: idempotency key exceeds %d chars: %w", MaxIdemKeyLen, ErrInvalidArgument)
	}
	return k, nil
}

// ValidatePriority checks range, substituting the default when unset (<0).
func ValidatePriority(p int) (uint8, error) {
	if p < 0 {
		return DefaultPriority, nil
	}
	if p < MinPriority || p > MaxPriority {
		return 0, fmt.Errorf("op=domain.ValidatePriority: priority %d out of [%d,%d]: %w", p, MinPriority, MaxPriority, ErrInvalidArgument)
	}
	return uint8(p), nil
}

// Admission carries everything a repository needs to atomically claim the
// idempotency key, insert the job row in pending, and chain the created
// audit event.
type Admission struct {
	OwnerID     string
	Kind        Kind
	Params      []byte
	Fingerprint string
	IdemKey     string
	Priority    uint8
	Actor       string
	TraceID     string
	IdemTTL     time.Duration
}

// Transition is a guarded state change; repositories apply it with
// optimistic concurrency on (JobID, ExpectVersion) and append the audit
// event in the same transaction.
type Transition struct {
	JobID         int64
	ExpectVersion int64
	To            JobStatus
	// Event overrides the audit event type; empty means string(To).
	// The retry path audits "retrying" while transitioning to failed.
	Event string
	Actor string
	Error *JobError
	// TaskID is persisted on transitions confirmed by the broker.
	TaskID string
	// SetAttempts overrides the stored attempts counter; admin replays
	// floor it so a replayed job runs at least once before a redrop.
	SetAttempts *int
	// Extra is merged into the audit payload.
	Extra map[string]any
}

// EventType resolves the audit event type for the transition.
func (t Transition) EventType() string {
	if t.Event != "" {
		return t.Event
	}
	return string(t.To)
}

// Context aliases context.Context; adapters and usecases pass it through.
type Context = context.Context
