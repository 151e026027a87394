package ratelimiter

import (
	"context"
	"time"
)

// Scope labels for rejection metrics and error detail.
const (
	ScopeOwner  = "owner"
	ScopeGlobal = "global"
)

// AdmissionLimiter gates job submissions with a per-owner bucket and a
// shared global bucket. The per-owner bucket is consulted first so one
// noisy tenant is rejected before it drains the global allowance.
type AdmissionLimiter struct {
	limiter  Limiter
	perOwner BucketConfig
	global   BucketConfig
}

// NewAdmissionLimiter builds the gate from sustained requests/sec rates;
// a zero rate disables that bucket class.
func NewAdmissionLimiter(l Limiter, perOwnerPerSec, globalPerSec int) *AdmissionLimiter {
	return &AdmissionLimiter{
		limiter:  l,
		perOwner: NewBucketConfigFromPerSecond(perOwnerPerSec),
		global:   NewBucketConfigFromPerSecond(globalPerSec),
	}
}

// AllowSubmission reports whether a submission by owner may proceed. On
// rejection it returns the violated scope and a retry hint. Limiter errors
// fail open.
func (a *AdmissionLimiter) AllowSubmission(ctx context.Context, ownerID string) (allowed bool, retryAfter time.Duration, scope string, err error) {
	if a == nil || a.limiter == nil {
		return true, 0, "", nil
	}
	if a.perOwner.Capacity > 0 {
		ok, retry, err := a.limiter.Allow(ctx, "owner:"+ownerID, a.perOwner, 1)
		if err == nil && !ok {
			return false, retry, ScopeOwner, nil
		}
	}
	if a.global.Capacity > 0 {
		ok, retry, err := a.limiter.Allow(ctx, "global", a.global, 1)
		if err == nil && !ok {
			return false, retry, ScopeGlobal, nil
		}
	}
	return true, 0, "", nil
}
