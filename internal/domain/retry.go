// Retry policy and failure classification for the worker's retry/DLQ path.
package domain

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// FailureClass partitions worker errors for routing.
type FailureClass string

const (
	// FailureTransient covers network, broker, storage unavailability and
	// 5xx from collaborators; retried while the attempt budget lasts.
	FailureTransient FailureClass = "transient"
	// FailureUser covers invalid input, payload violations, policy denials;
	// routed to the DLQ immediately.
	FailureUser FailureClass = "user"
	// FailureDeterministic covers kind-specific semantic failures; retried
	// only when the error opts in via RetryHint.
	FailureDeterministic FailureClass = "deterministic"
	// FailureCancelled is cooperative cancellation; never retried.
	FailureCancelled FailureClass = "cancelled"
	// FailureTimeout is a worker-enforced deadline expiry.
	FailureTimeout FailureClass = "timeout"
	// FailureFatal is an internal invariant violation; DLQ immediately.
	FailureFatal FailureClass = "fatal"
)

// RetryHinter is implemented by deterministic errors that still want the
// retry path (e.g. a solver that believes a re-run can converge).
type RetryHinter interface {
	RetryHint() bool
}

// Classify maps an execution error to its failure class.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return FailureCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return FailureUser
	case errors.Is(err, ErrDeterministic):
		return FailureDeterministic
	case errors.Is(err, ErrTransient), errors.Is(err, ErrRateLimited):
		return FailureTransient
	case errors.Is(err, ErrFatal):
		return FailureFatal
	default:
		// Unknown errors from collaborators are treated as transient so a
		// flaky dependency does not burn jobs into the DLQ.
		return FailureTransient
	}
}

// Retryable reports whether the class re-enters the queue, honoring the
// deterministic opt-in hint.
func (c FailureClass) Retryable(err error) bool {
	switch c {
	case FailureTransient:
		return true
	case FailureDeterministic:
		var h RetryHinter
		return errors.As(err, &h) && h.RetryHint()
	default:
		return false
	}
}

// RetryPolicy is the per-kind retry budget and backoff shape.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	CapBackoff  time.Duration
}

// DefaultRetryPolicy matches the prescribed defaults: three attempts,
// 200 ms base, 5 s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseBackoff: 200 * time.Millisecond, CapBackoff: 5 * time.Second}
}

// Delay computes the republish delay after the given attempt (1-based):
// min(cap, base·2^(attempt−1)) · rand(0.5, 1.5). rnd may be nil.
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	base := float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if capped := float64(p.CapBackoff); base > capped {
		base = capped
	}
	jittered := base * (0.5 + rnd())
	return time.Duration(jittered)
}

// Exhausted reports whether the attempt budget is spent.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}

// ReplayAttemptFloor is the attempts value written by an admin replay:
// low enough that at least one execution remains before a redrop.
func (p RetryPolicy) ReplayAttemptFloor(attempts int) int {
	floor := p.MaxRetries - 1
	if floor < 1 {
		floor = 1
	}
	if attempts < floor {
		return attempts
	}
	return floor
}

// DLQMeta is attached to dead-lettered messages alongside the envelope.
type DLQMeta struct {
	JobID     int64
	Kind      Kind
	LastError string
	Attempts  int
	FirstSeen time.Time
}

// DLQMessage is a dead-lettered task as listed or pulled by admin tooling.
type DLQMessage struct {
	Envelope  TaskEnvelope
	Raw       []byte
	LastError string
	Attempts  int
	FirstSeen time.Time
	MessageID string
}
