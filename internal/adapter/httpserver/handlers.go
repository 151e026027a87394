package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/queue/rabbit"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/internal/usecase"
)

// maxSubmitBody caps the submit request body. The canonical params limit
// is enforced by the intake service; this is the transport-level guard.
const maxSubmitBody = 1 << 20

// Server wires the lifecycle services into the service-facing HTTP API.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Status usecase.StatusService
	Cancel usecase.CancelService

	// Readiness probes; nil entries are skipped.
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer creates the service-facing HTTP surface.
func NewServer(
	cfg config.Config,
	submit usecase.SubmitService,
	status usecase.StatusService,
	cancel usecase.CancelService,
	dbCheck, redisCheck, brokerCheck func(ctx context.Context) error,
) *Server {
	return &Server{
		Cfg:         cfg,
		Submit:      submit,
		Status:      status,
		Cancel:      cancel,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BrokerCheck: brokerCheck,
	}
}

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() { validatorInst = validator.New() })
	return validatorInst
}

// negotiateJSON rejects requests that cannot accept a JSON response.
func negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code:      domain.CodeValidation,
		Message:   apiMessage{EN: "not acceptable: JSON responses only", ID: messageID[domain.CodeValidation]},
		Details:   map[string]string{"accept": a},
		RequestID: r.Header.Get("X-Request-Id"),
	}})
	return false
}

type submitRequest struct {
	Kind           string          `json:"kind" validate:"required"`
	Params         json.RawMessage `json:"params" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=255"`
	Priority       *int            `json:"priority" validate:"omitempty,gte=0,lte=10"`
}

type submitResponse struct {
	JobID       int64  `json:"job_id"`
	Status      string `json:"status"`
	Queue       string `json:"queue,omitempty"`
	IsDuplicate bool   `json:"is_duplicate"`
}

// SubmitHandler admits a job: 201 with Location on creation, 200 when the
// idempotency key replays an earlier admission.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		owner, ok := OwnerFromContext(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("op=httpserver.Submit: owner identity missing: %w", domain.ErrUnauthorized), nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, r, fmt.Errorf("op=httpserver.Submit: body exceeds %d bytes: %w", maxErr.Limit, domain.ErrPayloadTooLarge), nil)
				return
			}
			writeError(w, r, fmt.Errorf("op=httpserver.Submit: invalid json: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.Submit: validation failed: %w", domain.ErrInvalidArgument), fieldErrors(err))
			return
		}
		if err := domain.ValidateKindParams(domain.Kind(req.Kind), req.Params); err != nil {
			writeError(w, r, err, map[string]string{"kind": req.Kind})
			return
		}

		priority := -1
		if req.Priority != nil {
			priority = *req.Priority
		}
		res, err := s.Submit.Submit(r.Context(), usecase.SubmitRequest{
			OwnerID:  owner,
			Kind:     domain.Kind(req.Kind),
			Params:   req.Params,
			IdemKey:  req.IdempotencyKey,
			Priority: priority,
			Actor:    owner,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		if res.Duplicate {
			writeJSON(w, http.StatusOK, submitResponse{
				JobID:       res.Job.ID,
				Status:      string(res.Job.Status),
				IsDuplicate: true,
			})
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/jobs/%d", res.Job.ID))
		writeJSON(w, http.StatusCreated, submitResponse{
			JobID:  res.Job.ID,
			Status: string(res.Job.Status),
			Queue:  rabbit.PrimaryQueue(res.Job.Kind),
		})
	}
}

type progressPayload struct {
	Percent   float64    `json:"percent"`
	Step      string     `json:"step,omitempty"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type jobErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type artefactPayload struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
	URL       string `json:"url,omitempty"`
}

type statusResponse struct {
	ID              int64             `json:"id"`
	Kind            string            `json:"kind"`
	Status          string            `json:"status"`
	Progress        progressPayload   `json:"progress"`
	Attempts        int               `json:"attempts"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	LastError       *jobErrorPayload  `json:"last_error,omitempty"`
	Artefacts       []artefactPayload `json:"artefacts"`
	QueuePosition   *int              `json:"queue_position,omitempty"`
}

func buildStatusResponse(view usecase.JobStatusView) statusResponse {
	job := view.Job
	resp := statusResponse{
		ID:              job.ID,
		Kind:            string(job.Kind),
		Status:          string(job.Status),
		Attempts:        job.Attempts,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
		Artefacts:       make([]artefactPayload, 0, len(view.Artefacts)),
		Progress: progressPayload{
			Percent: job.Progress.Percent,
			Step:    job.Progress.Step,
			Message: job.Progress.Message,
		},
	}
	if !job.Progress.UpdatedAt.IsZero() {
		t := job.Progress.UpdatedAt
		resp.Progress.UpdatedAt = &t
	}
	if job.LastError != nil {
		resp.LastError = &jobErrorPayload{
			Code:      job.LastError.Code,
			Message:   job.LastError.Message,
			Retryable: job.LastError.Retryable,
		}
	}
	for _, a := range view.Artefacts {
		resp.Artefacts = append(resp.Artefacts, artefactPayload{
			Bucket:    a.Ref.Bucket,
			ObjectKey: a.Ref.ObjectKey,
			SHA256:    a.Ref.SHA256,
			Size:      a.Ref.Size,
			URL:       a.URL,
		})
	}
	if job.Status == domain.JobQueued && view.QueuePosition > 0 {
		pos := view.QueuePosition
		resp.QueuePosition = &pos
	}
	return resp
}

// StatusHandler returns the job view with a weak ETag; If-None-Match short
// circuits to 304. Clients may cache for one second.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		owner, ok := OwnerFromContext(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("op=httpserver.Status: owner identity missing: %w", domain.ErrUnauthorized), nil)
			return
		}
		id, err := parseJobID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		view, notModified, err := s.Status.Fetch(r.Context(), id, owner, r.Header.Get("If-None-Match"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=1")
		w.Header().Set("ETag", view.ETag)
		if notModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, buildStatusResponse(view))
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	JobID            int64 `json:"job_id"`
	CancelRequested  bool  `json:"cancel_requested"`
	AlreadyTerminal  bool  `json:"already_terminal,omitempty"`
	AlreadyRequested bool  `json:"already_requested,omitempty"`
}

// CancelHandler requests cooperative cancellation. The call is idempotent;
// repeats and requests against finished jobs report their outcome instead
// of failing.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !negotiateJSON(w, r) {
			return
		}
		owner, ok := OwnerFromContext(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("op=httpserver.Cancel: owner identity missing: %w", domain.ErrUnauthorized), nil)
			return
		}
		id, err := parseJobID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		// Body is optional: {"reason": "..."}.
		var req cancelRequest
		r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("op=httpserver.Cancel: invalid json: %w", domain.ErrInvalidArgument), nil)
			return
		}

		out, err := s.Cancel.RequestCancel(r.Context(), id, owner, owner, sanitizeText(req.Reason, 256))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{
			JobID:            out.JobID,
			CancelRequested:  out.CancelRequested,
			AlreadyTerminal:  out.AlreadyTerminal,
			AlreadyRequested: out.AlreadyRequested,
		})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the engine's dependencies: Postgres, Redis, broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		run := func(name string, fn func(ctx context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		run("broker", s.BrokerCheck)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
