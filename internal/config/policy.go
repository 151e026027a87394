package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// KindPolicy carries the tunables for one job kind.
type KindPolicy struct {
	MaxRetries         int   `yaml:"max_retries"`
	BaseBackoffMs      int64 `yaml:"base_backoff_ms"`
	CapBackoffMs       int64 `yaml:"cap_backoff_ms"`
	WallClockMs        int64 `yaml:"wall_clock_ms"`
	ProgressThrottleMs int64 `yaml:"progress_throttle_ms"`
	QueueTTLMs         int64 `yaml:"queue_ttl_ms"`
}

// PolicyFile is the on-disk shape: defaults plus per-kind overrides.
type PolicyFile struct {
	Defaults KindPolicy            `yaml:"defaults"`
	Kinds    map[string]KindPolicy `yaml:"kinds"`
}

// Policy resolves per-kind retry, timeout and throttle settings.
type Policy struct {
	defaults KindPolicy
	kinds    map[domain.Kind]KindPolicy
}

func defaultKindPolicy() KindPolicy {
	rp := domain.DefaultRetryPolicy()
	return KindPolicy{
		MaxRetries:         rp.MaxRetries,
		BaseBackoffMs:      rp.BaseBackoff.Milliseconds(),
		CapBackoffMs:       rp.CapBackoff.Milliseconds(),
		WallClockMs:        (15 * time.Minute).Milliseconds(),
		ProgressThrottleMs: 100,
		QueueTTLMs:         (24 * time.Hour).Milliseconds(),
	}
}

// DefaultPolicy returns a Policy with built-in defaults and no overrides.
func DefaultPolicy() Policy {
	return Policy{defaults: defaultKindPolicy(), kinds: map[domain.Kind]KindPolicy{}}
}

// LoadPolicy reads the policy YAML at path. An empty path yields defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return Policy{}, fmt.Errorf("op=config.LoadPolicy: read %s: %w", path, err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy parses policy YAML bytes, filling gaps from built-in defaults.
func ParsePolicy(raw []byte) (Policy, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return Policy{}, fmt.Errorf("op=config.ParsePolicy: %w", err)
	}
	defaults := mergeKindPolicy(defaultKindPolicy(), pf.Defaults)
	p := Policy{defaults: defaults, kinds: make(map[domain.Kind]KindPolicy, len(pf.Kinds))}
	for name, kp := range pf.Kinds {
		kind := domain.Kind(name)
		if !kind.Valid() {
			return Policy{}, fmt.Errorf("op=config.ParsePolicy: unknown kind %q", name)
		}
		p.kinds[kind] = mergeKindPolicy(defaults, kp)
	}
	return p, nil
}

// mergeKindPolicy overlays set fields of over onto base; zero means unset.
func mergeKindPolicy(base, over KindPolicy) KindPolicy {
	out := base
	if over.MaxRetries > 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.BaseBackoffMs > 0 {
		out.BaseBackoffMs = over.BaseBackoffMs
	}
	if over.CapBackoffMs > 0 {
		out.CapBackoffMs = over.CapBackoffMs
	}
	if over.WallClockMs > 0 {
		out.WallClockMs = over.WallClockMs
	}
	if over.ProgressThrottleMs > 0 {
		out.ProgressThrottleMs = over.ProgressThrottleMs
	}
	if over.QueueTTLMs > 0 {
		out.QueueTTLMs = over.QueueTTLMs
	}
	return out
}

// For returns the effective policy for kind.
func (p Policy) For(kind domain.Kind) KindPolicy {
	if kp, ok := p.kinds[kind]; ok {
		return kp
	}
	return p.defaults
}

// RetryPolicyFor maps the kind's tunables onto a domain retry policy.
func (p Policy) RetryPolicyFor(kind domain.Kind) domain.RetryPolicy {
	kp := p.For(kind)
	return domain.RetryPolicy{
		MaxRetries:  kp.MaxRetries,
		BaseBackoff: time.Duration(kp.BaseBackoffMs) * time.Millisecond,
		CapBackoff:  time.Duration(kp.CapBackoffMs) * time.Millisecond,
	}
}

// WallClockFor returns the wall-clock execution budget for kind.
func (p Policy) WallClockFor(kind domain.Kind) time.Duration {
	return time.Duration(p.For(kind).WallClockMs) * time.Millisecond
}

// ThrottleFor returns the minimum interval between persisted progress updates.
func (p Policy) ThrottleFor(kind domain.Kind) time.Duration {
	return time.Duration(p.For(kind).ProgressThrottleMs) * time.Millisecond
}

// QueueTTLFor returns the message TTL for the kind's primary queue.
func (p Policy) QueueTTLFor(kind domain.Kind) time.Duration {
	return time.Duration(p.For(kind).QueueTTLMs) * time.Millisecond
}
