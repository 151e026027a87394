package rabbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

var envValidate = validator.New()

const (
	// pendingGrace covers the gap between the publish confirm and the
	// queued transition commit on the producer side.
	defaultPendingGrace = 200 * time.Millisecond
	// requeueDelay throttles redelivery loops while the job store is down.
	defaultRequeueDelay = 500 * time.Millisecond
	settleTimeout       = 10 * time.Second
)

// ProgressFactory builds the progress callback handed to an execution.
type ProgressFactory func(job domain.Job) domain.ProgressFunc

// CancelFactory builds the cooperative cancellation checkpoint for a job.
type CancelFactory func(job domain.Job) domain.CancelCheckFunc

// Consumer is the worker runtime: per kind and slot it consumes the primary
// queue with prefetch 1, claims the job, runs the kind capability under its
// wall-clock budget, and settles through the retry manager.
type Consumer struct {
	client      *Client
	jobs        domain.JobRepository
	artefacts   domain.ArtefactRepository
	executor    domain.TaskExecutor
	retry       *RetryManager
	policy      config.Policy
	kinds       []domain.Kind
	slots       int
	progressFor ProgressFactory
	cancelFor   CancelFactory

	pendingGrace time.Duration
	requeueDelay time.Duration
}

// NewConsumer constructs the worker runtime for the given kinds.
func NewConsumer(client *Client, jobs domain.JobRepository, artefacts domain.ArtefactRepository, queue domain.TaskQueue, executor domain.TaskExecutor, pol config.Policy, kinds []domain.Kind, slots int, progressFor ProgressFactory, cancelFor CancelFactory) *Consumer {
	if slots < 1 {
		slots = 1
	}
	if progressFor == nil {
		progressFor = func(domain.Job) domain.ProgressFunc {
			return func(domain.Context, float64, string, string) {}
		}
	}
	if cancelFor == nil {
		cancelFor = func(domain.Job) domain.CancelCheckFunc {
			return func(domain.Context) bool { return false }
		}
	}
	return &Consumer{
		client:       client,
		jobs:         jobs,
		artefacts:    artefacts,
		executor:     executor,
		retry:        NewRetryManager(jobs, queue, pol),
		policy:       pol,
		kinds:        kinds,
		slots:        slots,
		progressFor:  progressFor,
		cancelFor:    cancelFor,
		pendingGrace: defaultPendingGrace,
		requeueDelay: defaultRequeueDelay,
	}
}

// Start opens one channel per kind and slot and consumes until ctx is done.
// It blocks; unacked deliveries are requeued by the broker when the
// channels close.
func (c *Consumer) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, kind := range c.kinds {
		for slot := 0; slot < c.slots; slot++ {
			ch, err := c.client.Channel()
			if err != nil {
				return fmt.Errorf("op=rabbit.Consumer.Start: %w", err)
			}
			if err := ch.Qos(1, 0, false); err != nil {
				_ = ch.Close()
				return fmt.Errorf("op=rabbit.Consumer.Start: qos: %w", err)
			}
			tag := fmt.Sprintf("cam-worker-%s-%d", kind, slot)
			deliveries, err := ch.Consume(PrimaryQueue(kind), tag, false, false, false, false, nil)
			if err != nil {
				_ = ch.Close()
				return fmt.Errorf("op=rabbit.Consumer.Start: consume %s: %w", PrimaryQueue(kind), err)
			}
			wg.Add(1)
			go func(kind domain.Kind, tag string, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
				defer wg.Done()
				defer func() { _ = ch.Close() }()
				c.consumeLoop(ctx, kind, tag, deliveries)
			}(kind, tag, ch, deliveries)
		}
	}
	slog.Info("worker consumers started",
		slog.Int("kinds", len(c.kinds)),
		slog.Int("slots_per_kind", c.slots))
	wg.Wait()
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, kind domain.Kind, tag string, deliveries <-chan amqp.Delivery) {
	slog.Info("consuming", slog.String("queue", PrimaryQueue(kind)), slog.String("consumer", tag))
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				slog.Warn("delivery stream closed",
					slog.String("queue", PrimaryQueue(kind)),
					slog.String("consumer", tag))
				return
			}
			c.handleDelivery(ctx, kind, d)
		}
	}
}

// handleDelivery runs the full per-message pipeline: validate, claim,
// execute, settle.
func (c *Consumer) handleDelivery(ctx context.Context, kind domain.Kind, d amqp.Delivery) {
	env, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		slog.Error("malformed task envelope, dead-lettering",
			slog.String("queue", PrimaryQueue(kind)), slog.Any("error", err))
		c.settle(d, SettleReject)
		return
	}
	if err := envValidate.Struct(env); err != nil {
		slog.Error("task envelope failed schema validation, dead-lettering",
			slog.String("queue", PrimaryQueue(kind)),
			slog.Int64("job_id", env.JobID),
			slog.Any("error", err))
		c.settle(d, SettleReject)
		return
	}
	if domain.Kind(env.Kind) != kind {
		slog.Error("task envelope kind does not match queue, dead-lettering",
			slog.String("queue", PrimaryQueue(kind)), slog.String("kind", env.Kind))
		c.settle(d, SettleReject)
		return
	}

	job, outcome := c.claim(ctx, env)
	switch outcome {
	case claimSkip, claimCancelled:
		c.settle(d, SettleAck)
		return
	case claimRequeue:
		time.Sleep(c.requeueDelay)
		c.settle(d, SettleRequeue)
		return
	}

	observability.StartProcessingJob(string(kind))
	start := time.Now()
	res, execErr := c.execute(ctx, job, env)

	if execErr != nil && ctx.Err() != nil && !errors.Is(execErr, domain.ErrCancelled) {
		c.settle(d, c.releaseForShutdown(ctx, job))
		observability.FinishProcessingJob(string(kind), "interrupted", time.Since(start))
		return
	}

	// Bookkeeping survives a shutdown signal so in-flight work drains.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()

	var action SettleAction
	var status domain.JobStatus
	if execErr == nil {
		action, status = c.complete(settleCtx, job, res)
	} else {
		action, status = c.retry.HandleFailure(settleCtx, job, env, execErr)
	}
	observability.FinishProcessingJob(string(kind), string(status), time.Since(start))
	c.settle(d, action)
}

type claimOutcome int

const (
	claimOK claimOutcome = iota
	claimSkip
	claimRequeue
	claimCancelled
)

// claim moves the job from queued to running under optimistic concurrency.
// Stale redeliveries, vanished jobs, and lost races settle as ack without
// work; a pending cancel request terminates the job before it starts.
func (c *Consumer) claim(ctx context.Context, env domain.TaskEnvelope) (domain.Job, claimOutcome) {
	job, err := c.jobs.Get(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("claim skipped, job vanished", slog.Int64("job_id", env.JobID))
			return domain.Job{}, claimSkip
		}
		slog.Error("claim load failed", slog.Int64("job_id", env.JobID), slog.Any("error", err))
		return domain.Job{}, claimRequeue
	}
	if job.Status == domain.JobPending {
		// The queued transition commits after the publish confirm; give it
		// a beat before treating the delivery as premature.
		time.Sleep(c.pendingGrace)
		job, err = c.jobs.Get(ctx, env.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Job{}, claimSkip
			}
			slog.Error("claim reload failed", slog.Int64("job_id", env.JobID), slog.Any("error", err))
			return domain.Job{}, claimRequeue
		}
	}
	if job.CancelRequested && !job.Status.Terminal() {
		return c.cancelOnClaim(ctx, job)
	}
	if job.Status != domain.JobQueued {
		slog.Info("claim skipped, stale delivery",
			slog.Int64("job_id", job.ID),
			slog.String("status", string(job.Status)))
		return domain.Job{}, claimSkip
	}
	running, err := c.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobRunning,
		Actor:         actorWorker,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.Info("claim lost", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return domain.Job{}, claimSkip
		}
		slog.Error("claim transition failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return domain.Job{}, claimRequeue
	}
	observability.RecordTransition(string(running.Kind), string(domain.JobQueued), string(domain.JobRunning))
	return running, claimOK
}

func (c *Consumer) cancelOnClaim(ctx context.Context, job domain.Job) (domain.Job, claimOutcome) {
	cancelled, err := c.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobCancelled,
		Actor:         actorWorker,
		Extra:         map[string]any{"stage": string(job.Status)},
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, claimSkip
		}
		slog.Error("cancel on claim failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return domain.Job{}, claimRequeue
	}
	observability.RecordTransition(string(job.Kind), string(job.Status), string(domain.JobCancelled))
	observability.CancellationsTotal.WithLabelValues(string(job.Status)).Inc()
	slog.Info("claim cancelled before start", slog.Int64("job_id", job.ID))
	return cancelled, claimCancelled
}

// execute runs the kind capability under the wall-clock budget.
func (c *Consumer) execute(ctx context.Context, job domain.Job, env domain.TaskEnvelope) (domain.ExecResult, error) {
	budget := c.policy.WallClockFor(job.Kind)
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	task := domain.ExecTask{
		Job:         job,
		Params:      env.Params,
		Progress:    c.progressFor(job),
		CheckCancel: c.cancelFor(job),
	}
	if key, ok := env.ParamsRef(); ok {
		task.ParamsRef = key
		task.Params = nil
	}
	res, err := c.executor.Execute(runCtx, task)
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("wall clock budget %s exhausted: %w", budget, domain.ErrTimeout)
	}
	return res, err
}

// complete records artefacts and the succeeded transition.
func (c *Consumer) complete(ctx context.Context, job domain.Job, res domain.ExecResult) (SettleAction, domain.JobStatus) {
	for _, ref := range res.Artefacts {
		ref.JobID = job.ID
		if _, err := c.artefacts.Add(ctx, ref); err != nil {
			slog.Error("artefact record failed",
				slog.Int64("job_id", job.ID),
				slog.String("object_key", ref.ObjectKey),
				slog.Any("error", err))
		}
	}
	extra := map[string]any{"artefacts": len(res.Artefacts)}
	if len(res.Output) > 0 {
		extra["output"] = res.Output
	}
	tr := domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobSucceeded,
		Actor:         actorWorker,
		Extra:         extra,
	}
	if _, err := c.jobs.Transition(ctx, tr); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.Warn("success transition skipped", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return SettleAck, domain.JobRunning
		}
		// One inline retry covers a transient blip; beyond that the row is
		// already quarantined or the sweeper picks the job up as stuck.
		if _, err := c.jobs.Transition(ctx, tr); err != nil {
			slog.Error("success transition failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
			return SettleAck, domain.JobRunning
		}
	}
	observability.RecordTransition(string(job.Kind), string(domain.JobRunning), string(domain.JobSucceeded))
	slog.Info("task succeeded",
		slog.Int64("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("artefacts", len(res.Artefacts)))
	return SettleAck, domain.JobSucceeded
}

// releaseForShutdown hands a job interrupted by shutdown back to the queue:
// the record returns to queued and the unacked delivery redelivers. Runs on
// a detached context because the worker context is already done.
func (c *Consumer) releaseForShutdown(parent context.Context, job domain.Job) SettleAction {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), settleTimeout)
	defer cancel()
	failed, err := c.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: job.Version,
		To:            domain.JobFailed,
		Event:         domain.AuditRetrying,
		Actor:         actorWorker,
		Error:         &domain.JobError{Code: domain.CodeTransient, Message: "worker shutdown", Retryable: true},
		Extra:         map[string]any{"attempt": job.Attempts},
	})
	if err != nil {
		slog.Error("shutdown release failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return SettleRequeue
	}
	if _, err := c.jobs.Transition(ctx, domain.Transition{
		JobID:         job.ID,
		ExpectVersion: failed.Version,
		To:            domain.JobQueued,
		Actor:         actorWorker,
	}); err != nil {
		slog.Error("shutdown requeue failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
	}
	slog.Warn("execution interrupted by shutdown, requeued", slog.Int64("job_id", job.ID))
	return SettleRequeue
}

func (c *Consumer) settle(d amqp.Delivery, action SettleAction) {
	var err error
	switch action {
	case SettleAck:
		err = d.Ack(false)
	case SettleReject:
		err = d.Reject(false)
	case SettleRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		slog.Error("delivery settle failed",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Int("action", int(action)),
			slog.Any("error", err))
	}
}
