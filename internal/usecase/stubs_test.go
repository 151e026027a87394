package usecase

import (
	"sync"
	"time"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// jobsStub covers the JobRepository surface the services touch; anything
// unimplemented panics through the nil embedded interface.
type jobsStub struct {
	domain.JobRepository

	mu sync.Mutex

	admitRes domain.AdmitResult
	admitErr error
	admitted []domain.Admission

	byID     map[int64]domain.Job
	getErr   error
	getCalls int

	transitioned  []domain.Transition
	transitionErr error

	progressWrites []domain.Progress
	progressOK     bool
	progressErr    error

	setCancelAlready bool
	setCancelErr     error
	setCancelCalls   int

	queuePos      int
	queuePosErr   error
	queuePosCalls int
}

func newJobsStub(jobs ...domain.Job) *jobsStub {
	s := &jobsStub{byID: make(map[int64]domain.Job), progressOK: true}
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
	s.getCalls++
	if s.getErr != nil {
		return domain.Job{}, s.getErr
	}
	j, ok := s.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *jobsStub) GetForOwner(_ domain.Context, id int64, ownerID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return domain.Job{}, s.getErr
	}
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
	if s.transitionErr != nil {
		return domain.Job{}, s.transitionErr
	}
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

func (s *jobsStub) UpdateProgress(_ domain.Context, id int64, p domain.Progress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progressErr != nil {
		return false, s.progressErr
	}
	if !s.progressOK {
		return false, nil
	}
	s.progressWrites = append(s.progressWrites, p)
	if j, ok := s.byID[id]; ok {
		j.Progress = p
		s.byID[id] = j
	}
	return true, nil
}

func (s *jobsStub) SetCancelRequested(_ domain.Context, id int64, _, _ string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCancelCalls++
	if s.setCancelErr != nil {
		return domain.Job{}, false, s.setCancelErr
	}
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
	s.queuePosCalls++
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

func (s *jobsStub) writes() []domain.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Progress, len(s.progressWrites))
	copy(out, s.progressWrites)
	return out
}

func (s *jobsStub) job(id int64) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

type publishedTask struct {
	env      domain.TaskEnvelope
	priority uint8
}

// queueStub records publishes; publishErrOn fails the nth call (1-based).
type queueStub struct {
	mu           sync.Mutex
	taskID       string
	publishErr   error
	publishErrOn int
	tasks        []publishedTask
}

func (q *queueStub) EnsureTopology(domain.Context) error { return nil }

func (q *queueStub) PublishTask(_ domain.Context, env domain.TaskEnvelope, priority uint8) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	call := len(q.tasks) + 1
	if q.publishErr != nil && (q.publishErrOn == 0 || q.publishErrOn == call) {
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
	mu         sync.Mutex
	allowed    bool
	retryAfter time.Duration
	scope      string
	err        error
	calls      int
}

func (g *gateStub) AllowSubmission(_ domain.Context, _ string) (bool, time.Duration, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.allowed, g.retryAfter, g.scope, g.err
}

type cacheStub struct {
	mu     sync.Mutex
	recs   map[int64]domain.CancelRecord
	setErr error
	getErr error
}

func newCacheStub() *cacheStub {
	return &cacheStub{recs: make(map[int64]domain.CancelRecord)}
}

func (c *cacheStub) Set(_ domain.Context, jobID int64, rec domain.CancelRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.recs[jobID] = rec
	return nil
}

func (c *cacheStub) Get(_ domain.Context, jobID int64) (domain.CancelRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.CancelRecord{}, false, c.getErr
	}
	rec, ok := c.recs[jobID]
	return rec, ok, nil
}

type artefactsStub struct {
	refs []domain.ArtefactRef
	err  error
}

func (a *artefactsStub) Add(domain.Context, domain.ArtefactRef) (int64, error) { return 0, nil }

func (a *artefactsStub) ListByJob(domain.Context, int64) ([]domain.ArtefactRef, error) {
	return a.refs, a.err
}

type storeStub struct {
	url        string
	presignErr error
}

func (s *storeStub) PresignGet(_ domain.Context, _, _ string, _ time.Duration) (string, error) {
	return s.url, s.presignErr
}

func (s *storeStub) VerifySHA256(domain.Context, string, string, string) (bool, error) {
	return true, nil
}

type dlqDeliveryStub struct {
	msg      domain.DLQMessage
	acked    bool
	requeued bool
	ackErr   error
}

func (d *dlqDeliveryStub) Message() domain.DLQMessage { return d.msg }

func (d *dlqDeliveryStub) Ack() error {
	d.acked = true
	return d.ackErr
}

func (d *dlqDeliveryStub) Requeue() error {
	d.requeued = true
	return nil
}

type dlqStub struct {
	deliveries []*dlqDeliveryStub
	next       int
	pullErr    error
	peeked     []domain.DLQMessage
	peekErr    error
	purgeN     int
	purgeErr   error
}

func (s *dlqStub) Peek(_ domain.Context, _ domain.Kind, _ int) ([]domain.DLQMessage, error) {
	return s.peeked, s.peekErr
}

func (s *dlqStub) Pull(_ domain.Context, _ domain.Kind) (domain.DLQDelivery, bool, error) {
	if s.pullErr != nil {
		return nil, false, s.pullErr
	}
	if s.next >= len(s.deliveries) {
		return nil, false, nil
	}
	d := s.deliveries[s.next]
	s.next++
	return d, true, nil
}

func (s *dlqStub) Purge(domain.Context, domain.Kind) (int, error) {
	return s.purgeN, s.purgeErr
}

func (s *dlqStub) Depths(domain.Context, domain.Kind) (int, int, error) {
	return 0, len(s.deliveries) - s.next, nil
}

type auditAppend struct {
	scope   domain.AuditScope
	event   string
	payload map[string]any
	actor   string
}

type auditStub struct {
	appends []auditAppend
	err     error
}

func (a *auditStub) Append(_ domain.Context, scope domain.AuditScope, eventType string, payload map[string]any, actor string) (domain.AuditEvent, error) {
	if a.err != nil {
		return domain.AuditEvent{}, a.err
	}
	a.appends = append(a.appends, auditAppend{scope: scope, event: eventType, payload: payload, actor: actor})
	return domain.AuditEvent{Scope: scope, EventType: eventType, Actor: actor}, nil
}

func (a *auditStub) ListScope(domain.Context, domain.AuditScope) ([]domain.AuditEvent, error) {
	return nil, nil
}
