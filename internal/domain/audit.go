package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// GenesisHash is the prev_hash of the first event in every scope.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Audit event types. Transition events share the target status name; the
// retry path uses "retrying" for transitions that will be republished.
const (
	AuditCreated         = "created"
	AuditQueued          = "queued"
	AuditRunning         = "running"
	AuditRetrying        = "retrying"
	AuditFailed          = "failed"
	AuditSucceeded       = "succeeded"
	AuditCancelled       = "cancelled"
	AuditTimeout         = "timeout"
	AuditCancelRequested = "cancel_requested"
	AuditDLQReplayed     = "dlq_replayed"
	AuditDLQPurged       = "dlq_purged"
)

// AuditScope identifies one hash chain: (entity kind, entity id).
type AuditScope struct {
	Kind string
	ID   string
}

// JobScope is the audit scope of a job.
func JobScope(jobID int64) AuditScope {
	return AuditScope{Kind: "job", ID: strconv.FormatInt(jobID, 10)}
}

// DLQScope is the audit scope of a kind's dead-letter queue.
func DLQScope(kind Kind) AuditScope {
	return AuditScope{Kind: "dlq", ID: string(kind)}
}

// String renders the scope the way it is hashed: "<kind>:<id>".
func (s AuditScope) String() string { return s.Kind + ":" + s.ID }

// AuditEvent is one link of a per-scope hash chain. Payload holds canonical
// JSON bytes; hashes are lowercase hex SHA-256.
type AuditEvent struct {
	Scope     AuditScope
	Seq       int64
	EventType string
	Payload   []byte
	PrevHash  string
	ChainHash string
	Actor     string
	CreatedAt time.Time
}

// ComputeChainHash derives the chain hash of an event:
// SHA256(prev_hash || canonical(payload) || scope || event_type || seq).
func ComputeChainHash(prevHash string, payload []byte, scope AuditScope, eventType string, seq int64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write([]byte(scope.String()))
	h.Write([]byte(eventType))
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// ChainViolation describes the first broken link found by VerifyChain.
type ChainViolation struct {
	Index int
	Seq   int64
	Cause string
}

func (v *ChainViolation) Error() string {
	return fmt.Sprintf("audit chain violation at index %d (seq %d): %s", v.Index, v.Seq, v.Cause)
}

// VerifyChain walks events (ascending seq order) recomputing every hash and
// link. It returns (-1, nil) for a valid chain, otherwise the index of the
// first violating event and a *ChainViolation.
func VerifyChain(events []AuditEvent) (int, error) {
	prev := GenesisHash
	var prevSeq int64
	for i, e := range events {
		if e.Seq != prevSeq+1 {
			return i, &ChainViolation{Index: i, Seq: e.Seq, Cause: fmt.Sprintf("sequence gap: want %d", prevSeq+1)}
		}
		if e.PrevHash != prev {
			return i, &ChainViolation{Index: i, Seq: e.Seq, Cause: "prev_hash does not match previous chain_hash"}
		}
		want := ComputeChainHash(e.PrevHash, e.Payload, e.Scope, e.EventType, e.Seq)
		if e.ChainHash != want {
			return i, &ChainViolation{Index: i, Seq: e.Seq, Cause: "chain_hash mismatch"}
		}
		prev = e.ChainHash
		prevSeq = e.Seq
	}
	return -1, nil
}
