package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/internal/usecase"
)

// defaultReplayBatch bounds a replay sweep when the operator gives no limit.
const defaultReplayBatch = 20

// AdminServer is the operator surface: session login with a second factor,
// dead-letter inspection, replay, purge, and audit chain verification.
type AdminServer struct {
	cfg      config.Config
	sessions *SessionManager
	replay   usecase.ReplayService
	audit    domain.AuditRepository
}

// NewAdminServer creates the operator surface.
func NewAdminServer(cfg config.Config, replay usecase.ReplayService, audit domain.AuditRepository) *AdminServer {
	return &AdminServer{
		cfg:      cfg,
		sessions: NewSessionManager(cfg),
		replay:   replay,
		audit:    audit,
	}
}

// MountRoutes mounts the admin routes: login is public, everything else
// sits behind the operator session.
func (a *AdminServer) MountRoutes(r chi.Router) {
	r.Route("/v1/admin", func(ar chi.Router) {
		ar.Post("/login", a.Login)
		ar.Post("/logout", a.Logout)

		ar.Group(func(protected chi.Router) {
			protected.Use(a.sessions.RequireSession)
			protected.Get("/dlq/{kind}", a.DLQList)
			protected.Post("/dlq/{kind}/replay", a.DLQReplay)
			protected.Post("/dlq/{kind}/purge", a.DLQPurge)
			protected.Get("/jobs/{id}/audit", a.AuditTrail)
		})
	})
}

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

// Login verifies operator credentials and the TOTP second factor, then
// issues the session cookie. All factors are evaluated before answering so
// the response does not reveal which one was wrong.
func (a *AdminServer) Login(w http.ResponseWriter, r *http.Request) {
	if !a.cfg.AdminEnabled() {
		writeError(w, r, fmt.Errorf("op=httpserver.AdminLogin: admin access not configured: %w", domain.ErrUnauthorized), nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.AdminLogin: invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.cfg.AdminUsername)) == 1
	passOK := VerifyPassword(req.Password, a.cfg.AdminPasswordHash)
	totpOK := VerifyTOTP(a.cfg.AdminTOTPSecret, req.TOTPCode, time.Now())
	if !userOK || !passOK || !totpOK {
		slog.Warn("admin login rejected", slog.String("username", req.Username))
		writeError(w, r, fmt.Errorf("op=httpserver.AdminLogin: invalid credentials: %w", domain.ErrUnauthorized), nil)
		return
	}

	session, err := a.sessions.CreateSession(req.Username)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.AdminLogin: %v: %w", err, domain.ErrFatal), nil)
		return
	}
	a.sessions.SetSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]string{"username": req.Username})
}

// Logout clears the operator session cookie.
func (a *AdminServer) Logout(w http.ResponseWriter, _ *http.Request) {
	a.sessions.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// requireFreshTOTP gates destructive operations behind a fresh second
// factor carried in X-TOTP-Code, independent of the login session age.
func (a *AdminServer) requireFreshTOTP(w http.ResponseWriter, r *http.Request) bool {
	if VerifyTOTP(a.cfg.AdminTOTPSecret, r.Header.Get("X-TOTP-Code"), time.Now()) {
		return true
	}
	writeError(w, r, fmt.Errorf("op=httpserver.Admin: fresh second factor required: %w", domain.ErrForbidden),
		map[string]string{"header": "X-TOTP-Code"})
	return false
}

type dlqMessagePayload struct {
	JobID       int64     `json:"job_id"`
	Kind        string    `json:"kind"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	Attempt     int       `json:"attempt"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	FirstSeen   time.Time `json:"first_seen"`
	MessageID   string    `json:"message_id,omitempty"`
}

type dlqListResponse struct {
	Kind         string              `json:"kind"`
	PrimaryDepth *int                `json:"primary_depth,omitempty"`
	DLQDepth     *int                `json:"dlq_depth,omitempty"`
	Messages     []dlqMessagePayload `json:"messages"`
}

// DLQList pages through dead letters without consuming them. Depths are
// best effort: a passive-declare failure drops them from the response
// rather than hiding the messages.
func (a *AdminServer) DLQList(w http.ResponseWriter, r *http.Request) {
	kind := domain.Kind(chi.URLParam(r, "kind"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := a.replay.Peek(r.Context(), kind, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	resp := dlqListResponse{Kind: string(kind), Messages: make([]dlqMessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, dlqMessagePayload{
			JobID:       m.Envelope.JobID,
			Kind:        m.Envelope.Kind,
			SubmittedBy: m.Envelope.SubmittedBy,
			Attempt:     m.Envelope.Attempt,
			Attempts:    m.Attempts,
			LastError:   m.LastError,
			FirstSeen:   m.FirstSeen,
			MessageID:   m.MessageID,
		})
	}
	if primary, dlq, derr := a.replay.Depths(r.Context(), kind); derr == nil {
		resp.PrimaryDepth, resp.DLQDepth = &primary, &dlq
	} else {
		slog.Warn("dlq depths unavailable", slog.String("kind", string(kind)), slog.Any("error", derr))
	}
	writeJSON(w, http.StatusOK, resp)
}

type dlqReplayRequest struct {
	Limit int `json:"limit"`
}

// DLQReplay drains up to limit dead letters back onto the primary queue.
// An abort mid-sweep reports the partial counts in the error details.
func (a *AdminServer) DLQReplay(w http.ResponseWriter, r *http.Request) {
	if !a.requireFreshTOTP(w, r) {
		return
	}
	kind := domain.Kind(chi.URLParam(r, "kind"))

	var req dlqReplayRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, fmt.Errorf("op=httpserver.DLQReplay: invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultReplayBatch
	}

	rep, err := a.replay.Replay(r.Context(), kind, req.Limit, operatorFrom(r))
	if err != nil {
		writeError(w, r, err, map[string]int{"replayed": rep.Replayed, "skipped": rep.Skipped})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":     string(kind),
		"replayed": rep.Replayed,
		"skipped":  rep.Skipped,
	})
}

// DLQPurge drops every dead letter of the kind. Audited, and gated on a
// fresh second factor like replay.
func (a *AdminServer) DLQPurge(w http.ResponseWriter, r *http.Request) {
	if !a.requireFreshTOTP(w, r) {
		return
	}
	kind := domain.Kind(chi.URLParam(r, "kind"))

	n, err := a.replay.Purge(r.Context(), kind, operatorFrom(r))
	if err != nil {
		writeError(w, r, err, map[string]int{"purged": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": string(kind), "purged": n})
}

type auditEventPayload struct {
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	ChainHash string          `json:"chain_hash"`
	Actor     string          `json:"actor,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type auditViolation struct {
	Index int    `json:"index"`
	Seq   int64  `json:"seq"`
	Cause string `json:"cause"`
}

type auditTrailResponse struct {
	Scope     string              `json:"scope"`
	ChainOK   bool                `json:"chain_ok"`
	Events    []auditEventPayload `json:"events"`
	Violation *auditViolation     `json:"violation,omitempty"`
}

// AuditTrail returns a job's audit chain after re-verifying every link.
func (a *AdminServer) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	scope := domain.JobScope(id)

	events, err := a.audit.ListScope(r.Context(), scope)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	resp := auditTrailResponse{Scope: scope.String(), Events: make([]auditEventPayload, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, auditEventPayload{
			Seq:       e.Seq,
			EventType: e.EventType,
			Payload:   json.RawMessage(e.Payload),
			PrevHash:  e.PrevHash,
			ChainHash: e.ChainHash,
			Actor:     e.Actor,
			CreatedAt: e.CreatedAt,
		})
	}
	_, verr := domain.VerifyChain(events)
	resp.ChainOK = verr == nil
	var cv *domain.ChainViolation
	if errors.As(verr, &cv) {
		resp.Violation = &auditViolation{Index: cv.Index, Seq: cv.Seq, Cause: cv.Cause}
	}
	writeJSON(w, http.StatusOK, resp)
}
