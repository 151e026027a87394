package rabbit

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// jobsStub is a scripted job store: Get pops scripted steps first and then
// serves the evolving record; Transition applies the optimistic-concurrency
// rules the real store enforces.
type jobsStub struct {
	domain.JobRepository

	mu          sync.Mutex
	job         domain.Job
	gets        []getStep
	transitions []domain.Transition
	failAt      map[int]error
	calls       int
}

type getStep struct {
	job domain.Job
	err error
}

func newJobsStub(job domain.Job) *jobsStub {
	return &jobsStub{job: job, failAt: map[int]error{}}
}

func (s *jobsStub) Get(_ domain.Context, id int64) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.gets) > 0 {
		step := s.gets[0]
		s.gets = s.gets[1:]
		return step.job, step.err
	}
	if s.job.ID != id {
		return domain.Job{}, domain.ErrNotFound
	}
	return s.job, nil
}

func (s *jobsStub) Transition(_ domain.Context, tr domain.Transition) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.transitions = append(s.transitions, tr)
	if err, ok := s.failAt[idx]; ok {
		return domain.Job{}, err
	}
	if tr.ExpectVersion != s.job.Version {
		return domain.Job{}, domain.ErrConflict
	}
	if !domain.CanTransition(s.job.Status, tr.To) {
		return domain.Job{}, domain.ErrConflict
	}
	s.job.Status = tr.To
	s.job.Version++
	if tr.To == domain.JobRunning {
		s.job.Attempts++
	}
	if tr.Error != nil {
		s.job.LastError = tr.Error
	}
	if tr.TaskID != "" {
		s.job.TaskID = tr.TaskID
	}
	return s.job, nil
}

func (s *jobsStub) recorded() []domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

func (s *jobsStub) current() domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

type publishedRetry struct {
	env      domain.TaskEnvelope
	priority uint8
	delay    time.Duration
	lastErr  string
}

type publishedDLQ struct {
	env  domain.TaskEnvelope
	meta domain.DLQMeta
}

// queueStub records publishes and fails on demand.
type queueStub struct {
	mu       sync.Mutex
	tasks    []domain.TaskEnvelope
	retries  []publishedRetry
	dlqs     []publishedDLQ
	taskErr  error
	retryErr error
	dlqErr   error
}

func (q *queueStub) EnsureTopology(domain.Context) error { return nil }

func (q *queueStub) PublishTask(_ domain.Context, env domain.TaskEnvelope, _ uint8) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.taskErr != nil {
		return "", q.taskErr
	}
	q.tasks = append(q.tasks, env)
	return "task-stub", nil
}

func (q *queueStub) PublishRetry(_ domain.Context, env domain.TaskEnvelope, priority uint8, delay time.Duration, lastErr string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryErr != nil {
		return "", q.retryErr
	}
	q.retries = append(q.retries, publishedRetry{env: env, priority: priority, delay: delay, lastErr: lastErr})
	return "retry-stub", nil
}

func (q *queueStub) PublishDLQ(_ domain.Context, env domain.TaskEnvelope, meta domain.DLQMeta) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dlqErr != nil {
		return q.dlqErr
	}
	q.dlqs = append(q.dlqs, publishedDLQ{env: env, meta: meta})
	return nil
}

// artefactsStub records artefact references.
type artefactsStub struct {
	mu   sync.Mutex
	refs []domain.ArtefactRef
	err  error
}

func (a *artefactsStub) Add(_ domain.Context, ref domain.ArtefactRef) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.refs = append(a.refs, ref)
	return int64(len(a.refs)), nil
}

func (a *artefactsStub) ListByJob(_ domain.Context, _ int64) ([]domain.ArtefactRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs, nil
}

// execStub delegates to fn; nil fn succeeds with an empty result.
type execStub struct {
	fn func(ctx domain.Context, task domain.ExecTask) (domain.ExecResult, error)
}

func (e *execStub) Execute(ctx domain.Context, task domain.ExecTask) (domain.ExecResult, error) {
	if e.fn == nil {
		return domain.ExecResult{}, nil
	}
	return e.fn(ctx, task)
}

// ackRecorder implements amqp.Acknowledger so deliveries can be settled
// without a broker.
type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (a *ackRecorder) Ack(_ uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) counts() (acks, nacks, rejects int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.rejects
}

func testJob(status domain.JobStatus) domain.Job {
	now := time.Now().UTC()
	return domain.Job{
		ID:        42,
		OwnerID:   "owner-1",
		Kind:      domain.KindCAM,
		Status:    status,
		Params:    []byte(`{"stock":"block"}`),
		Priority:  5,
		Attempts:  1,
		Version:   3,
		IdemKey:   "idem-1",
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
	}
}

func testEnvelope(job domain.Job) domain.TaskEnvelope {
	return domain.TaskEnvelope{
		V:           1,
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Params:      json.RawMessage(`{"stock":"block"}`),
		SubmittedBy: job.OwnerID,
		Attempt:     job.Attempts,
		TraceID:     "4bf92f3577b34da6a3ce929d0e0e4736",
		IdemKey:     job.IdemKey,
	}
}

func newDelivery(t *testing.T, env domain.TaskEnvelope, ack *ackRecorder) amqp.Delivery {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, DeliveryTag: 1}
}

func newRawDelivery(body []byte, ack *ackRecorder) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: body, DeliveryTag: 1}
}
