package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// ErrQueueFull is returned when the dispatch queue cannot accept more tasks.
var ErrQueueFull = errors.New("dispatch queue full")

// Task is one unit of asynchronous saga work. The dispatcher runs Fn up to
// MaxAttempts times, each attempt under its own Timeout, and calls
// OnExhausted once when the budget is spent.
type Task struct {
	Name        string
	SagaID      string
	MaxAttempts int
	Timeout     time.Duration
	// Fn runs one attempt. attempt starts at 1.
	Fn func(ctx context.Context, attempt int) error
	// Retryable decides whether an attempt's error is worth retrying.
	// Nil means every error is retryable.
	Retryable func(err error) bool
	// OnExhausted runs after the final failed attempt.
	OnExhausted func(ctx context.Context, err error)
}

// Dispatcher is a bounded worker pool with a global submission rate limit.
// Each task is self-contained, so workers never share saga state; sagas get
// their sequential execution discipline from the orchestrator submitting one
// task per saga at a time.
type Dispatcher struct {
	workers int
	queue   chan Task
	limiter *rate.Limiter
	log     logger.Logger
	metrics MetricsRecorder

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	tasksProcessed atomic.Int64
}

// NewDispatcher creates a dispatcher with the given pool size and queue
// capacity. A nil limiter disables rate limiting.
func NewDispatcher(workers, queueSize int, limiter *rate.Limiter, log logger.Logger, metrics MetricsRecorder) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = logger.Global()
	}
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		workers: workers,
		queue:   make(chan Task, queueSize),
		limiter: limiter,
		log:     log,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains in-flight work and shuts the pool down.
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Submit enqueues a task without blocking.
func (d *Dispatcher) Submit(task Task) error {
	if !d.running.Load() {
		return fmt.Errorf("dispatcher is not running")
	}
	select {
	case d.queue <- task:
		return nil
	default:
		return fmt.Errorf("%w: task %s for saga %s", ErrQueueFull, task.Name, task.SagaID)
	}
}

// TasksProcessed reports how many tasks finished, regardless of outcome.
func (d *Dispatcher) TasksProcessed() int64 {
	return d.tasksProcessed.Load()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-d.queue:
					d.run(task)
				default:
					return
				}
			}
		case task := <-d.queue:
			d.run(task)
		}
	}
}

func (d *Dispatcher) run(task Task) {
	defer d.tasksProcessed.Add(1)

	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil && d.ctx.Err() == nil {
			d.log.Warn("dispatch rate limiter wait failed", "task", task.Name, "error", err)
		}
	}

	attempts := task.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = d.attempt(task, attempt)
		if lastErr == nil {
			return
		}

		retryable := task.Retryable == nil || task.Retryable(lastErr)
		if !retryable || attempt == attempts {
			break
		}

		d.metrics.StepRetried(task.Name)
		d.log.Warn("task attempt failed, retrying",
			"task", task.Name, "saga_id", task.SagaID,
			"attempt", attempt, "max_attempts", attempts, "error", lastErr)

		select {
		case <-time.After(retryBackoff(attempt)):
		case <-d.ctx.Done():
		}
	}

	d.log.Error("task exhausted its attempt budget",
		"task", task.Name, "saga_id", task.SagaID, "error", lastErr)
	if task.OnExhausted != nil {
		task.OnExhausted(d.ctx, lastErr)
	}
}

func (d *Dispatcher) attempt(task Task, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	ctx := d.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return task.Fn(ctx, attempt)
}

func retryBackoff(attempt int) time.Duration {
	backoff := 100 * time.Millisecond << (attempt - 1)
	if backoff > 2*time.Second {
		backoff = 2 * time.Second
	}
	return backoff
}
