package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/cam-job-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
	"github.com/fairyhunter13/cam-job-engine/internal/usecase"
)

const testServiceSecret = "svc-secret"

// jobsStub covers the JobRepository surface the handlers reach; anything
// unimplemented panics through the nil embedded interface. Mutex guarded
// because the submit dispatch goroutine outlives the HTTP response.
type jobsStub struct {
	domain.JobRepository

	mu sync.Mutex

	admitRes domain.AdmitResult
	admitErr error
	admitted []domain.Admission

	byID map[int64]domain.Job

	transitioned []domain.Transition

	setCancelAlready bool
	setCancelCalls   int

	queuePos    int
	queuePosErr error
}

func newJobsStub(jobs ...domain.Job) *jobsStub {
	s := &jobsStub{byID: make(map[int64]domain.Job)}
	for _, j := range jobs {
		s.byID[j.ID] = j
	}
	return s
}

func (s *jobsStub) Admit(_ domain.Context, adm domain.Admission) (domain.AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitted = append(s.admitted, adm)
	return s.admitRes, s.admitErr
}

func (s *jobsStub) Get(_ domain.Context, id int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) GetForOwner(_ domain.Context, id int64, ownerID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok || j.OwnerID != ownerID {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) Transition(_ domain.Context, tr domain.Transition) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitioned = append(s.transitioned, tr)
	j := s.byID[tr.JobID]
	j.ID = tr.JobID
	j.Status = tr.To
	j.Version++
	if tr.SetAttempts != nil {
		j.Attempts = *tr.SetAttempts
	}
	s.byID[tr.JobID] = j
	return j, nil
}

func (s *jobsStub) SetCancelRequested(_ domain.Context, id int64, _, _ string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCancelCalls++
	j := s.byID[id]
	if s.setCancelAlready {
		return j, true, nil
	}
	j.CancelRequested = true
	s.byID[id] = j
	return j, false, nil
}

func (s *jobsStub) QueuePosition(_ domain.Context, _ int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuePos, s.queuePosErr
}

func (s *jobsStub) transitions() []domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transition, len(s.transitioned))
	copy(out, s.transitioned)
	return out
}

func (s *jobsStub) admissions() []domain.Admission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Admission, len(s.admitted))
	copy(out, s.admitted)
	return out
}

func (s *jobsStub) cancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCancelCalls
}

type publishedTask struct {
	env      domain.TaskEnvelope
	priority uint8
}

type queueStub struct {
	mu         sync.Mutex
	taskID     string
	publishErr error
	tasks      []publishedTask
}

func (q *queueStub) EnsureTopology(domain.Context) error { return nil }

func (q *queueStub) PublishTask(_ domain.Context, env domain.TaskEnvelope, priority uint8) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return "", q.publishErr
	}
	q.tasks = append(q.tasks, publishedTask{env: env, priority: priority})
	if q.taskID == "" {
		return "task-stub", nil
	}
	return q.taskID, nil
}

func (q *queueStub) PublishRetry(_ domain.Context, env domain.TaskEnvelope, priority uint8, _ time.Duration, _ string) (string, error) {
	return q.PublishTask(nil, env, priority)
}

func (q *queueStub) PublishDLQ(domain.Context, domain.TaskEnvelope, domain.DLQMeta) error {
	return nil
}

func (q *queueStub) published() []publishedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]publishedTask, len(q.tasks))
	copy(out, q.tasks)
	return out
}

type gateStub struct {
	allowed    bool
	retryAfter time.Duration
	scope      string
}

func (g *gateStub) AllowSubmission(domain.Context, string) (bool, time.Duration, string, error) {
	return g.allowed, g.retryAfter, g.scope, nil
}

type artefactsStub struct {
	refs []domain.ArtefactRef
}

func (a *artefactsStub) Add(domain.Context, domain.ArtefactRef) (int64, error) { return 0, nil }

func (a *artefactsStub) ListByJob(domain.Context, int64) ([]domain.ArtefactRef, error) {
	return a.refs, nil
}

type storeStub struct {
	url string
}

func (s *storeStub) PresignGet(domain.Context, string, string, time.Duration) (string, error) {
	return s.url, nil
}

func (s *storeStub) VerifySHA256(domain.Context, string, string, string) (bool, error) {
	return true, nil
}

type cacheStub struct {
	mu   sync.Mutex
	recs map[int64]domain.CancelRecord
}

func newCacheStub() *cacheStub {
	return &cacheStub{recs: make(map[int64]domain.CancelRecord)}
}

func (c *cacheStub) Set(_ domain.Context, jobID int64, rec domain.CancelRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[jobID] = rec
	return nil
}

func (c *cacheStub) Get(_ domain.Context, jobID int64) (domain.CancelRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[jobID]
	return rec, ok, nil
}

func (c *cacheStub) record(jobID int64) (domain.CancelRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[jobID]
	return rec, ok
}

type dlqDeliveryStub struct {
	msg      domain.DLQMessage
	acked    bool
	requeued bool
}

func (d *dlqDeliveryStub) Message() domain.DLQMessage { return d.msg }

func (d *dlqDeliveryStub) Ack() error {
	d.acked = true
	return nil
}

func (d *dlqDeliveryStub) Requeue() error {
	d.requeued = true
	return nil
}

type dlqStub struct {
	deliveries []*dlqDeliveryStub
	next       int
	peeked     []domain.DLQMessage
	peekErr    error
	purgeN     int
}

func (s *dlqStub) Peek(domain.Context, domain.Kind, int) ([]domain.DLQMessage, error) {
	return s.peeked, s.peekErr
}

func (s *dlqStub) Pull(domain.Context, domain.Kind) (domain.DLQDelivery, bool, error) {
	if s.next >= len(s.deliveries) {
		return nil, false, nil
	}
	d := s.deliveries[s.next]
	s.next++
	return d, true, nil
}

func (s *dlqStub) Purge(domain.Context, domain.Kind) (int, error) {
	return s.purgeN, nil
}

func (s *dlqStub) Depths(domain.Context, domain.Kind) (int, int, error) {
	return 0, len(s.deliveries) - s.next + len(s.peeked), nil
}

type auditAppend struct {
	scope   domain.AuditScope
	event   string
	payload map[string]any
	actor   string
}

type auditStub struct {
	events  []domain.AuditEvent
	listErr error
	appends []auditAppend
}

func (a *auditStub) Append(_ domain.Context, scope domain.AuditScope, eventType string, payload map[string]any, actor string) (domain.AuditEvent, error) {
	a.appends = append(a.appends, auditAppend{scope: scope, event: eventType, payload: payload, actor: actor})
	return domain.AuditEvent{Scope: scope, EventType: eventType, Actor: actor}, nil
}

func (a *auditStub) ListScope(domain.Context, domain.AuditScope) ([]domain.AuditEvent, error) {
	return a.events, a.listErr
}

// fixture wires real services over the stubs behind the same route layout
// the app mounts.
type fixture struct {
	cfg    config.Config
	jobs   *jobsStub
	queue  *queueStub
	arte   *artefactsStub
	store  *storeStub
	cache  *cacheStub
	srv    *httpserver.Server
	router http.Handler
}

func testConfig() config.Config {
	return config.Config{AppEnv: "test", ServiceTokenSecret: testServiceSecret}
}

func newFixture(cfg config.Config) *fixture {
	f := &fixture{
		cfg:   cfg,
		jobs:  newJobsStub(),
		queue: &queueStub{taskID: "task-1"},
		arte:  &artefactsStub{},
		store: &storeStub{},
		cache: newCacheStub(),
	}
	f.srv = httpserver.NewServer(cfg,
		usecase.NewSubmitService(f.jobs, f.queue, nil, time.Hour),
		usecase.NewStatusService(f.jobs, f.arte, f.store, time.Minute),
		usecase.NewCancelService(f.jobs, f.cache),
		nil, nil, nil,
	)
	f.router = newJobsRouter(f.srv)
	return f
}

func newJobsRouter(srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1/jobs", func(jr chi.Router) {
		jr.Use(httpserver.ServiceAuth(srv.Cfg))
		jr.Post("/", srv.SubmitHandler())
		jr.Get("/{id}", srv.StatusHandler())
		jr.Post("/{id}/cancel", srv.CancelHandler())
	})
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}

func bearer(t *testing.T, owner string) string {
	t.Helper()
	token, err := httpserver.MintServiceToken(testServiceSecret, owner, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

// errBody mirrors the JSON error envelope for assertions.
type errBody struct {
	Error struct {
		Code    string `json:"code"`
		Message struct {
			EN string `json:"en"`
			ID string `json:"id"`
		} `json:"message"`
		Details   map[string]any `json:"details"`
		RequestID string         `json:"request_id"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errBody {
	t.Helper()
	var body errBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	return m
}

func queuedJob(id int64, owner string) domain.Job {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.Job{
		ID:        id,
		OwnerID:   owner,
		Kind:      domain.KindCAM,
		Status:    domain.JobQueued,
		Params:    []byte(`{"controller":"grbl","model_ref":"models/42.fcstd"}`),
		Priority:  uint8(domain.DefaultPriority),
		IdemKey:   "key-" + strconv.FormatInt(id, 10),
		Version:   2,
		CreatedAt: now,
		UpdatedAt: now.Add(time.Second),
	}
}
