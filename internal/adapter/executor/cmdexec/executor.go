// Package cmdexec runs kind capabilities as external processes. The
// command for kind k lives at <dir>/<k>; it receives the task request as
// JSON on stdin and reports through JSON lines on stdout: any number of
// progress events followed by exactly one result event before a zero
// exit. Cancellation checkpoints poll while the process runs; a fired
// checkpoint sends SIGTERM and escalates to SIGKILL after a grace period.
package cmdexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const (
	defaultGrace     = 5 * time.Second
	defaultPollEvery = 500 * time.Millisecond
	maxLineBytes     = 1 << 20
	stderrTailBytes  = 4096
)

// Executor shells out to per-kind commands.
type Executor struct {
	dir       string
	grace     time.Duration
	pollEvery time.Duration
}

var _ domain.TaskExecutor = (*Executor)(nil)

// New constructs an Executor over the command directory.
func New(dir string) *Executor {
	return &Executor{dir: dir, grace: defaultGrace, pollEvery: defaultPollEvery}
}

// request is the stdin payload handed to the kind command.
type request struct {
	JobID     int64           `json:"job_id"`
	Kind      string          `json:"kind"`
	Attempt   int             `json:"attempt"`
	Params    json.RawMessage `json:"params,omitempty"`
	ParamsRef string          `json:"params_ref,omitempty"`
}

// event is one stdout line from the kind command.
type event struct {
	Progress *progressEvent `json:"progress,omitempty"`
	Result   *resultEvent   `json:"result,omitempty"`
	Error    *errorEvent    `json:"error,omitempty"`
}

type progressEvent struct {
	Percent float64 `json:"percent"`
	Step    string  `json:"step,omitempty"`
	Message string  `json:"message,omitempty"`
}

type resultEvent struct {
	Output    map[string]any `json:"output,omitempty"`
	Artefacts []artefact     `json:"artefacts,omitempty"`
}

type artefact struct {
	Bucket       string `json:"bucket"`
	ObjectKey    string `json:"object_key"`
	VersionID    string `json:"version_id,omitempty"`
	SHA256       string `json:"sha256"`
	Size         int64  `json:"size"`
	RetentionTag string `json:"retention_tag,omitempty"`
}

type errorEvent struct {
	Message   string `json:"message"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// retryHintedError marks a deterministic failure the command wants retried.
type retryHintedError struct{ err error }

func (e retryHintedError) Error() string   { return e.err.Error() }
func (e retryHintedError) Unwrap() error   { return e.err }
func (e retryHintedError) RetryHint() bool { return true }

// Execute runs the kind command to completion.
func (e *Executor) Execute(ctx domain.Context, task domain.ExecTask) (domain.ExecResult, error) {
	bin := filepath.Join(e.dir, string(task.Job.Kind))

	body, err := json.Marshal(request{
		JobID:     task.Job.ID,
		Kind:      string(task.Job.Kind),
		Attempt:   task.Job.Attempts,
		Params:    task.Params,
		ParamsRef: task.ParamsRef,
	})
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: encode request: %w", err)
	}

	procCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(procCtx, bin)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.grace
	stderr := &tailWriter{max: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: kind command %s missing: %w", bin, domain.ErrFatal)
		}
		return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: start %s: %w", bin, domain.ErrTransient)
	}

	// Checkpoint poller. A fired cancel flag stops the process context,
	// which delivers SIGTERM through cmd.Cancel.
	cancelled := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if task.CheckCancel == nil {
			return
		}
		ticker := time.NewTicker(e.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-procCtx.Done():
				return
			case <-ticker.C:
				if task.CheckCancel(procCtx) {
					close(cancelled)
					stop()
					return
				}
			}
		}
	}()

	var (
		result  *resultEvent
		cmdErr  *errorEvent
		scanErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("kind command emitted junk line",
				slog.Int64("job_id", task.Job.ID),
				slog.String("kind", string(task.Job.Kind)))
			continue
		}
		switch {
		case ev.Progress != nil:
			if task.Progress != nil {
				task.Progress(ctx, ev.Progress.Percent, ev.Progress.Step, ev.Progress.Message)
			}
		case ev.Result != nil:
			result = ev.Result
		case ev.Error != nil:
			cmdErr = ev.Error
		}
	}
	if err := scanner.Err(); err != nil {
		scanErr = err
		stop()
	}

	waitErr := cmd.Wait()
	stop()
	<-pollDone

	select {
	case <-cancelled:
		return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: %w", domain.ErrCancelled)
	default:
	}
	if ctx.Err() != nil {
		return domain.ExecResult{}, ctx.Err()
	}
	if cmdErr != nil {
		return domain.ExecResult{}, commandError(cmdErr)
	}
	if scanErr != nil {
		return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: read output: %v: %w", scanErr, domain.ErrDeterministic)
	}
	if waitErr != nil {
		return domain.ExecResult{}, exitError(waitErr, stderr.String())
	}
	if result == nil {
		return domain.ExecResult{}, fmt.Errorf("op=cmdexec.Execute: command exited without a result: %w", domain.ErrDeterministic)
	}

	res := domain.ExecResult{Output: result.Output}
	for _, a := range result.Artefacts {
		res.Artefacts = append(res.Artefacts, domain.ArtefactRef{
			Bucket:       a.Bucket,
			ObjectKey:    a.ObjectKey,
			VersionID:    a.VersionID,
			SHA256:       strings.ToLower(a.SHA256),
			Size:         a.Size,
			RetentionTag: a.RetentionTag,
		})
	}
	return res, nil
}

// commandError maps a structured error event to the failure taxonomy.
func commandError(ev *errorEvent) error {
	msg := ev.Message
	if msg == "" {
		msg = "command reported an error"
	}
	switch ev.Class {
	case "transient":
		return fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrTransient)
	case "user":
		return fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrInvalidArgument)
	case "fatal":
		return fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrFatal)
	default:
		err := fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrDeterministic)
		if ev.Retryable {
			return retryHintedError{err: err}
		}
		return err
	}
}

// exitError classifies a non-zero exit. Exit codes follow sysexits where
// the command cooperates: 64/65 are caller errors, 75 asks for a retry.
func exitError(waitErr error, stderrTail string) error {
	msg := strings.TrimSpace(stderrTail)
	if msg == "" {
		msg = waitErr.Error()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		switch exitErr.ExitCode() {
		case 64, 65:
			return fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrInvalidArgument)
		case 75:
			return fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrTransient)
		default:
			return fmt.Errorf("op=cmdexec.Execute: exit %d: %s: %w", exitErr.ExitCode(), msg, domain.ErrDeterministic)
		}
	}
	return fmt.Errorf("op=cmdexec.Execute: %s: %w", msg, domain.ErrTransient)
}

// tailWriter keeps the last max bytes written.
type tailWriter struct {
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }
