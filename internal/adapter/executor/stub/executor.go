// Package stub provides a deterministic executor for dev and test
// environments. It walks a fixed step list for the kind, reporting
// progress and honouring cancellation checkpoints, and fabricates a
// small result without touching any external process.
package stub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// Executor simulates kind capabilities.
type Executor struct {
	// StepDelay is the simulated work per step.
	StepDelay time.Duration
}

var _ domain.TaskExecutor = (*Executor)(nil)

// New constructs an Executor with a small default step delay.
func New() *Executor {
	return &Executor{StepDelay: 25 * time.Millisecond}
}

var stepsByKind = map[domain.Kind][]string{
	domain.KindAI:     {"analyze", "suggest"},
	domain.KindModel:  {"load", "tessellate", "mesh"},
	domain.KindCAM:    {"load", "plan", "toolpath", "post"},
	domain.KindSim:    {"setup", "collide", "verify"},
	domain.KindReport: {"collect", "render"},
	domain.KindERP:    {"map", "sync"},
}

// knobs are optional simulation controls read from the task params so the
// retry, DLQ and timeout paths can be exercised end to end in dev.
type knobs struct {
	FailWith string `json:"fail_with,omitempty"`
	SleepMs  int    `json:"sleep_ms,omitempty"`
}

// Execute walks the kind's steps, checking cancellation before each one.
func (e *Executor) Execute(ctx domain.Context, task domain.ExecTask) (domain.ExecResult, error) {
	var k knobs
	if len(task.Params) > 0 {
		// Params are canonical JSON by the time they reach a worker;
		// unknown keys are simply ignored here.
		_ = json.Unmarshal(task.Params, &k)
	}
	if k.SleepMs > 0 {
		select {
		case <-ctx.Done():
			return domain.ExecResult{}, ctx.Err()
		case <-time.After(time.Duration(k.SleepMs) * time.Millisecond):
		}
	}
	if err := failFor(k.FailWith); err != nil {
		return domain.ExecResult{}, err
	}

	steps := stepsByKind[task.Job.Kind]
	if len(steps) == 0 {
		steps = []string{"work"}
	}
	for i, step := range steps {
		if task.CheckCancel != nil && task.CheckCancel(ctx) {
			return domain.ExecResult{}, fmt.Errorf("op=stub.Execute: step %s: %w", step, domain.ErrCancelled)
		}
		select {
		case <-ctx.Done():
			return domain.ExecResult{}, ctx.Err()
		case <-time.After(e.StepDelay):
		}
		if task.Progress != nil {
			pct := float64(i+1) / float64(len(steps)) * 100
			task.Progress(ctx, pct, step, "")
		}
	}

	return domain.ExecResult{
		Output: map[string]any{
			"simulated": true,
			"kind":      string(task.Job.Kind),
			"steps":     len(steps),
		},
	}, nil
}

func failFor(mode string) error {
	switch mode {
	case "":
		return nil
	case "transient":
		return fmt.Errorf("op=stub.Execute: simulated: %w", domain.ErrTransient)
	case "user":
		return fmt.Errorf("op=stub.Execute: simulated: %w", domain.ErrInvalidArgument)
	case "deterministic":
		return fmt.Errorf("op=stub.Execute: simulated: %w", domain.ErrDeterministic)
	case "fatal":
		return fmt.Errorf("op=stub.Execute: simulated: %w", domain.ErrFatal)
	default:
		return fmt.Errorf("op=stub.Execute: unknown fail_with %q: %w", mode, domain.ErrInvalidArgument)
	}
}
