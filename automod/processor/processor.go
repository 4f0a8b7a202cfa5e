// Asynchronous, concurrency-bounded execution of moderation tasks.
//
// A single consume loop pops up to Concurrency tasks per cycle and runs them in parallel, waiting for the whole batch before the next pop. An empty queue idles for PollInterval. Submission is admitted by a sliding-window rate limiter and refused while the circuit breaker is open; execution runs inside the breaker with a per-task timeout, and failures are retried after a delay until the task's retry budget is spent.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/modgate/modgate/automod/breaker"
	"github.com/modgate/modgate/automod/cachestore"
	"github.com/modgate/modgate/automod/eventbus"
	"github.com/modgate/modgate/automod/metricstore"
	"github.com/modgate/modgate/automod/ratelimit"
	"github.com/modgate/modgate/automod/taskqueue"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRateLimited    = errors.New("task submission rate limit exceeded")
	ErrBreakerOpen    = fmt.Errorf("task execution unavailable: %w", breaker.ErrOpen)
	ErrTaskTimeout    = errors.New("task execution timed out")
	ErrAlreadyRunning = errors.New("processor consume loop already running")
	ErrUnknownTask    = errors.New("unknown task")
)

// Names of series recorded in the metric store.
const (
	MetricQueueDepth     = "processor.queue_depth"
	MetricTaskLatency    = "processor.task_latency_ms"
	MetricTasksCompleted = "processor.tasks_completed"
	MetricTasksFailed    = "processor.tasks_failed"
	MetricErrorRate      = "processor.error_rate"
	MetricBreakerOpen    = "processor.breaker_open"
)

// Executes a task. A non-empty outcome marks the task completed; an empty outcome with a nil error parks the task as awaiting human review.
type Handler func(ctx context.Context, t *Task) (outcome string, err error)

// Marks a handler error as final: the task fails at once instead of spending its retries, and the failure is not counted by the circuit breaker.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

type Config struct {
	Concurrency      int
	PollInterval     time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	RateLimit        int
	RateLimitWindow  time.Duration

	// defaults for tasks built with NewTask
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration

	// how long terminal statuses are kept for lookup
	StatusRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:      5,
		PollInterval:     500 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerTimeout:   60 * time.Second,
		RateLimit:        100,
		RateLimitWindow:  time.Second,
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		Timeout:          30 * time.Second,
		StatusRetention:  24 * time.Hour,
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = def.BreakerTimeout
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = def.RateLimitWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.StatusRetention <= 0 {
		c.StatusRetention = def.StatusRetention
	}
}

type Processor struct {
	Logger *slog.Logger

	cfg      Config
	queue    taskqueue.Queue
	cache    cachestore.CacheStore
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	metrics  *metricstore.MetricStore
	handler  Handler
	events   *eventbus.Bus[Event]
	statuses *xsync.MapOf[string, TaskStatus]

	running    atomic.Bool
	active     atomic.Int64
	delayed    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	executions atomic.Int64
	execErrors atomic.Int64
	lastPrune  time.Time
}

// RateLimit of zero disables submission rate limiting.
func New(cfg Config, queue taskqueue.Queue, cache cachestore.CacheStore, metrics *metricstore.MetricStore, handler Handler, logger *slog.Logger) *Processor {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metricstore.New(0)
	}
	logger = logger.With("component", "processor")

	p := &Processor{
		Logger:    logger,
		cfg:       cfg,
		queue:     queue,
		cache:     cache,
		limiter:   ratelimit.NewLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		metrics:   metrics,
		handler:   handler,
		events:    eventbus.New[Event](0),
		statuses:  xsync.NewMapOf[string, TaskStatus](),
		lastPrune: time.Now(),
	}
	p.breaker = breaker.New(breaker.Config{
		Name:      "processor",
		Threshold: cfg.BreakerThreshold,
		Timeout:   cfg.BreakerTimeout,
		Logger:    logger,
		OnStateChange: func(from, to breaker.State) {
			v := 0.0
			if to == breaker.Open {
				v = 1.0
			}
			p.metrics.Record(MetricBreakerOpen, v, nil)
		},
	})
	return p
}

func (p *Processor) Config() Config {
	return p.cfg
}

func (p *Processor) Breaker() *breaker.Breaker {
	return p.breaker
}

// Builds a task carrying the configured retry and timeout defaults.
func (p *Processor) NewTask(bizType, bizID string, priority int, payload []byte) *Task {
	return &Task{
		ID:         uuid.NewString(),
		BizType:    bizType,
		BizID:      bizID,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: p.cfg.MaxRetries,
		RetryDelay: p.cfg.RetryDelay,
		Timeout:    p.cfg.Timeout,
	}
}

// Admits and enqueues a task, returning its ID. Admission errors (ErrBreakerOpen, ErrRateLimited) mean nothing was enqueued.
func (p *Processor) AddTask(ctx context.Context, t *Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("nil task")
	}
	if p.breaker.State() == breaker.Open {
		tasksRejected.WithLabelValues("breaker_open").Inc()
		return "", ErrBreakerOpen
	}
	if !p.limiter.Allow() {
		tasksRejected.WithLabelValues("rate_limited").Inc()
		return "", ErrRateLimited
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timeout <= 0 {
		t.Timeout = p.cfg.Timeout
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	t.EnqueuedAt = time.Now()

	// status first: once pushed, the task belongs to the consume loop
	p.setStatus(t, StatusPending, "", "")
	if err := p.queue.Push(ctx, t); err != nil {
		p.statuses.Delete(t.ID)
		return "", fmt.Errorf("enqueueing task: %w", err)
	}
	tasksAdded.WithLabelValues(t.BizType).Inc()
	p.Logger.Debug("task enqueued", "task", t.ID, "bizType", t.BizType, "bizID", t.BizID)
	return t.ID, nil
}

// Submits tasks in parallel. The returned IDs line up with the input; a task that was not admitted has an empty ID and contributes to the joined error.
func (p *Processor) AddTasks(ctx context.Context, tasks []*Task) ([]string, error) {
	ids := make([]string, len(tasks))
	errs := make([]error, len(tasks))
	var eg errgroup.Group
	eg.SetLimit(p.cfg.Concurrency * 4)
	for i, t := range tasks {
		eg.Go(func() error {
			id, err := p.AddTask(ctx, t)
			if err != nil {
				errs[i] = fmt.Errorf("task %d: %w", i, err)
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = eg.Wait()
	return ids, errors.Join(errs...)
}

func (p *Processor) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	n, err := p.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Pending:      n,
		Processing:   p.active.Load(),
		Delayed:      p.delayed.Load(),
		Concurrency:  p.cfg.Concurrency,
		Breaker:      string(p.breaker.State()),
		RateLimit:    p.limiter.Remaining(),
		RateLimitMax: p.limiter.Limit(),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
	}, nil
}

// Drops every pending task. Tasks currently executing or waiting on a retry delay are not affected.
func (p *Processor) ClearQueue(ctx context.Context) (int, error) {
	n, err := p.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	p.statuses.Range(func(id string, st TaskStatus) bool {
		if st.Status == StatusPending {
			p.statuses.Compute(id, func(old TaskStatus, loaded bool) (TaskStatus, bool) {
				if !loaded || old.Status != StatusPending {
					return old, !loaded
				}
				old.Status = StatusFailed
				old.LastError = "queue cleared"
				old.UpdatedAt = now
				return old, false
			})
		}
		return true
	})
	queueDepth.Set(0)
	p.Logger.Info("queue cleared", "removed", n)
	return n, nil
}

func (p *Processor) TaskStatus(id string) (*TaskStatus, bool) {
	st, ok := p.statuses.Load(id)
	if !ok {
		return nil, false
	}
	return &st, true
}

// Records the final outcome of a task that was parked awaiting human review.
func (p *Processor) CompleteTask(id, outcome string) error {
	var found bool
	var st TaskStatus
	st, _ = p.statuses.Compute(id, func(old TaskStatus, loaded bool) (TaskStatus, bool) {
		found = loaded
		if !loaded {
			return old, true
		}
		old.Status = StatusCompleted
		old.Outcome = outcome
		old.UpdatedAt = time.Now()
		return old, false
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	p.publish(context.Background(), Event{
		Kind:     EventTaskCompleted,
		TaskID:   id,
		BizType:  st.BizType,
		BizID:    st.BizID,
		Outcome:  outcome,
		Attempts: st.Attempts,
		Time:     st.UpdatedAt,
	})
	return nil
}

// Task lifecycle events. Call the returned func to unsubscribe.
func (p *Processor) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	return p.events.Subscribe(filter)
}

// Runs the consume loop until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.Logger.Info("processor starting", "concurrency", p.cfg.Concurrency, "pollInterval", p.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			p.Logger.Info("processor stopping")
			return nil
		}

		batch, err := p.popBatch(ctx)
		if err != nil {
			p.Logger.Error("failed to pop tasks", "err", err)
		}
		p.recordQueueDepth(ctx)
		p.pruneStatuses()

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		var eg errgroup.Group
		for _, t := range batch {
			eg.Go(func() error {
				p.processTask(ctx, t)
				return nil
			})
		}
		_ = eg.Wait()
	}
}

func (p *Processor) popBatch(ctx context.Context) ([]*Task, error) {
	batch := make([]*Task, 0, p.cfg.Concurrency)
	for len(batch) < p.cfg.Concurrency {
		t, err := p.queue.Pop(ctx)
		if err != nil {
			return batch, err
		}
		if t == nil {
			break
		}
		batch = append(batch, t)
	}
	return batch, nil
}

func (p *Processor) recordQueueDepth(ctx context.Context) {
	n, err := p.queue.Len(ctx)
	if err != nil {
		p.Logger.Warn("failed to read queue depth", "err", err)
		return
	}
	queueDepth.Set(float64(n))
	p.metrics.Record(MetricQueueDepth, float64(n), nil)
}

func (p *Processor) processTask(ctx context.Context, t *Task) {
	ctx, span := otel.Tracer("processor").Start(ctx, "processTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("task", t.ID),
		attribute.String("bizType", t.BizType),
	)

	p.active.Add(1)
	tasksActive.Inc()
	defer func() {
		p.active.Add(-1)
		tasksActive.Dec()
	}()

	t.Attempts++
	p.setStatus(t, StatusProcessing, "", "")
	logger := p.Logger.With("task", t.ID, "bizType", t.BizType, "attempt", t.Attempts)

	start := time.Now()
	var outcome string
	var refused error
	err := p.breaker.Execute(func() error {
		var err error
		outcome, err = p.execute(ctx, t)
		if IsPermanent(err) {
			refused = err
			return nil
		}
		return err
	})
	if err == nil && refused != nil {
		err = refused
	}
	elapsed := time.Since(start)

	if breaker.IsRejection(err) {
		// never ran, so it doesn't count against the task's retries
		t.Attempts--
		logger.Warn("task deferred by circuit breaker", "err", err)
		p.requeueAfter(t, t.RetryDelay, err)
		return
	}

	p.executions.Add(1)
	taskDuration.WithLabelValues(t.BizType).Observe(elapsed.Seconds())
	p.metrics.Record(MetricTaskLatency, float64(elapsed.Milliseconds()), map[string]string{"bizType": t.BizType})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tasksProcessed.WithLabelValues(t.BizType, "error").Inc()
		p.execErrors.Add(1)
		p.recordErrorRate()
		if t.MaxRetries > 0 && !IsPermanent(err) {
			t.MaxRetries--
			logger.Warn("task failed, will retry", "err", err, "retriesLeft", t.MaxRetries, "delay", t.RetryDelay)
			p.requeueAfter(t, t.RetryDelay, err)
			return
		}
		logger.Error("task failed permanently", "err", err)
		p.failed.Add(1)
		p.metrics.Record(MetricTasksFailed, float64(p.failed.Load()), nil)
		st := p.setStatus(t, StatusFailed, "", err.Error())
		p.publish(ctx, Event{
			Kind:     EventTaskFailed,
			TaskID:   t.ID,
			BizType:  t.BizType,
			BizID:    t.BizID,
			Attempts: t.Attempts,
			Err:      err.Error(),
			Duration: elapsed,
			Time:     st.UpdatedAt,
		})
		return
	}

	tasksProcessed.WithLabelValues(t.BizType, "ok").Inc()
	p.recordErrorRate()
	if outcome == "" {
		logger.Info("task awaiting review", "duration", elapsed)
		st := p.setStatus(t, StatusAwaitingReview, "", "")
		p.publish(ctx, Event{
			Kind:     EventTaskAwaitingReview,
			TaskID:   t.ID,
			BizType:  t.BizType,
			BizID:    t.BizID,
			Attempts: t.Attempts,
			Duration: elapsed,
			Time:     st.UpdatedAt,
		})
		return
	}

	p.completed.Add(1)
	p.metrics.Record(MetricTasksCompleted, float64(p.completed.Load()), nil)
	logger.Info("task completed", "outcome", outcome, "duration", elapsed)
	st := p.setStatus(t, StatusCompleted, outcome, "")
	p.publish(ctx, Event{
		Kind:     EventTaskCompleted,
		TaskID:   t.ID,
		BizType:  t.BizType,
		BizID:    t.BizID,
		Outcome:  outcome,
		Attempts: t.Attempts,
		Duration: elapsed,
		Time:     st.UpdatedAt,
	})
}

func (p *Processor) execute(ctx context.Context, t *Task) (outcome string, err error) {
	// similar to an HTTP server, we want to recover any panics from task execution
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("task execution panic", "err", r, "task", t.ID)
			err = fmt.Errorf("task execution panic: %v", r)
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	outcome, err = p.handler(tctx, t)
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", ErrTaskTimeout, t.Timeout)
	}
	return outcome, err
}

func (p *Processor) requeueAfter(t *Task, delay time.Duration, cause error) {
	st := p.setStatus(t, StatusRetrying, "", cause.Error())
	p.publish(context.Background(), Event{
		Kind:     EventTaskRetrying,
		TaskID:   t.ID,
		BizType:  t.BizType,
		BizID:    t.BizID,
		Attempts: t.Attempts,
		Err:      cause.Error(),
		Time:     st.UpdatedAt,
	})
	p.delayed.Add(1)
	time.AfterFunc(delay, func() {
		defer p.delayed.Add(-1)
		p.setStatus(t, StatusPending, "", cause.Error())
		if err := p.queue.Push(context.Background(), t); err != nil {
			p.Logger.Error("failed to re-enqueue task", "task", t.ID, "err", err)
			p.failed.Add(1)
			p.setStatus(t, StatusFailed, "", err.Error())
		}
	})
}

// error rate over all executions, retried failures included
func (p *Processor) recordErrorRate() {
	total := p.executions.Load()
	if total == 0 {
		return
	}
	p.metrics.Record(MetricErrorRate, 100*float64(p.execErrors.Load())/float64(total), nil)
}

func (p *Processor) setStatus(t *Task, status Status, outcome, lastErr string) TaskStatus {
	now := time.Now()
	st, _ := p.statuses.Compute(t.ID, func(old TaskStatus, loaded bool) (TaskStatus, bool) {
		if !loaded {
			old = TaskStatus{
				TaskID:    t.ID,
				BizType:   t.BizType,
				BizID:     t.BizID,
				CreatedAt: now,
			}
		}
		old.Status = status
		old.Attempts = t.Attempts
		if outcome != "" {
			old.Outcome = outcome
		}
		old.LastError = lastErr
		old.UpdatedAt = now
		return old, false
	})
	return st
}

func (p *Processor) pruneStatuses() {
	now := time.Now()
	if now.Sub(p.lastPrune) < time.Minute {
		return
	}
	p.lastPrune = now
	cutoff := now.Add(-p.cfg.StatusRetention)
	p.statuses.Range(func(id string, st TaskStatus) bool {
		if st.Status.Terminal() && st.UpdatedAt.Before(cutoff) {
			p.statuses.Delete(id)
		}
		return true
	})
}

func (p *Processor) publish(ctx context.Context, evt Event) {
	if err := p.events.Publish(ctx, evt); err != nil {
		p.Logger.Warn("failed to publish task event", "kind", evt.Kind, "task", evt.TaskID, "err", err)
	}
}

// Stops event delivery; subscribers' channels are closed.
func (p *Processor) Close() {
	p.events.Close()
}
