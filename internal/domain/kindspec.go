package domain

import (
	"encoding/json"
	"fmt"
)

// KindSpec is the intake contract of one job kind: the top-level fields
// its params object must carry. Each required field must be a non-empty
// JSON string; deep validation of referenced objects is the executor's
// concern.
type KindSpec struct {
	Kind     Kind
	Required []string
}

var kindSpecs = map[Kind]KindSpec{
	KindAI:     {Kind: KindAI, Required: []string{"prompt"}},
	KindModel:  {Kind: KindModel, Required: []string{"geometry_ref"}},
	KindCAM:    {Kind: KindCAM, Required: []string{"model_ref", "controller"}},
	KindSim:    {Kind: KindSim, Required: []string{"program_ref"}},
	KindReport: {Kind: KindReport, Required: []string{"subject_ref"}},
	KindERP:    {Kind: KindERP, Required: []string{"order_ref"}},
}

// SpecForKind returns the intake contract of a kind.
func SpecForKind(kind Kind) (KindSpec, bool) {
	s, ok := kindSpecs[kind]
	return s, ok
}

// ValidateKindParams checks a params object against the kind's contract.
// Params may arrive by reference ({"ref": key}) when the payload lives in
// object storage; the contract is then enforced by the worker after the
// dereference. Contract violations wrap ErrDeterministic: the request can
// never succeed as submitted, so retrying it unchanged is pointless.
func ValidateKindParams(kind Kind, params []byte) error {
	spec, ok := SpecForKind(kind)
	if !ok {
		return fmt.Errorf("op=domain.ValidateKindParams: unknown kind %q: %w", kind, ErrInvalidArgument)
	}
	var obj map[string]any
	if err := json.Unmarshal(params, &obj); err != nil {
		return fmt.Errorf("op=domain.ValidateKindParams: params must be a JSON object: %w", ErrInvalidArgument)
	}
	if ref, isRef := obj["ref"]; isRef && len(obj) == 1 {
		key, isStr := ref.(string)
		if !isStr || key == "" {
			return fmt.Errorf("op=domain.ValidateKindParams: params ref must be a non-empty object key: %w", ErrDeterministic)
		}
		return nil
	}
	for _, field := range spec.Required {
		v, present := obj[field]
		if !present {
			return fmt.Errorf("op=domain.ValidateKindParams: kind %q params missing %q: %w", kind, field, ErrDeterministic)
		}
		s, isStr := v.(string)
		if !isStr || s == "" {
			return fmt.Errorf("op=domain.ValidateKindParams: kind %q params field %q must be a non-empty string: %w", kind, field, ErrDeterministic)
		}
	}
	return nil
}
