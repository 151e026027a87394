package domain

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/cam-job-engine/pkg/canonjson"
)

// EnvelopeVersion is the only wire version workers accept.
const EnvelopeVersion = 1

// TaskEnvelope is the stable wire format published to kind queues (§ wire
// contract): canonical JSON, ≤ MaxEnvelopeBytes serialized. Params carries
// either the inline canonical object or {"ref":"<object key>"}.
type TaskEnvelope struct {
	V           int             `json:"v" validate:"required,eq=1"`
	JobID       int64           `json:"job_id" validate:"required,gt=0"`
	Kind        string          `json:"kind" validate:"required"`
	Params      json.RawMessage `json:"params" validate:"required"`
	SubmittedBy string          `json:"submitted_by" validate:"required"`
	Attempt     int             `json:"attempt" validate:"required,gte=1"`
	TraceID     string          `json:"trace_id" validate:"omitempty,hexadecimal"`
	IdemKey     string          `json:"idempotency_key" validate:"required,min=1,max=255"`
}

// paramsRef is the by-reference form of Params.
type paramsRef struct {
	Ref string `json:"ref"`
}

// ParamsRef returns the object key when params are passed by reference.
func (e TaskEnvelope) ParamsRef() (string, bool) {
	var r paramsRef
	if err := json.Unmarshal(e.Params, &r); err != nil || r.Ref == "" {
		return "", false
	}
	// A plain params object with a "ref" member plus others is inline.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Params, &m); err != nil || len(m) != 1 {
		return "", false
	}
	return r.Ref, true
}

// Encode renders the envelope as canonical JSON and enforces the wire cap.
func (e TaskEnvelope) Encode() ([]byte, error) {
	b, err := canonjson.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("op=domain.TaskEnvelope.Encode: %w: %v", ErrInvalidArgument, err)
	}
	if len(b) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("op=domain.TaskEnvelope.Encode: %d bytes exceeds %d: %w", len(b), MaxEnvelopeBytes, ErrPayloadTooLarge)
	}
	return b, nil
}

// DecodeEnvelope parses and structurally validates a wire envelope.
func DecodeEnvelope(b []byte) (TaskEnvelope, error) {
	if len(b) > MaxEnvelopeBytes {
		return TaskEnvelope{}, fmt.Errorf("op=domain.DecodeEnvelope: %d bytes exceeds %d: %w", len(b), MaxEnvelopeBytes, ErrPayloadTooLarge)
	}
	var e TaskEnvelope
	if err := json.Unmarshal(b, &e); err != nil {
		return TaskEnvelope{}, fmt.Errorf("op=domain.DecodeEnvelope: %w: %v", ErrInvalidArgument, err)
	}
	if err := e.Validate(); err != nil {
		return TaskEnvelope{}, err
	}
	return e, nil
}

// Validate checks the structural contract shared by publisher and workers.
func (e TaskEnvelope) Validate() error {
	switch {
	case e.V != EnvelopeVersion:
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: unsupported version %d: %w", e.V, ErrInvalidArgument)
	case e.JobID <= 0:
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: missing job_id: %w", ErrInvalidArgument)
	case !Kind(e.Kind).Valid():
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: unknown kind %q: %w", e.Kind, ErrInvalidArgument)
	case len(e.Params) == 0:
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: missing params: %w", ErrInvalidArgument)
	case e.SubmittedBy == "":
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: missing submitted_by: %w", ErrInvalidArgument)
	case e.Attempt < 1:
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: attempt %d < 1: %w", e.Attempt, ErrInvalidArgument)
	case e.IdemKey == "":
		return fmt.Errorf("op=domain.TaskEnvelope.Validate: missing idempotency_key: %w", ErrInvalidArgument)
	}
	return nil
}
