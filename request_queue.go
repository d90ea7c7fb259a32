package fairdraw

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// QueueFunc is one unit of work for the random service. It returns the
// advisory delay the service asked for before the next request.
type QueueFunc func(ctx context.Context) (advisoryDelay time.Duration, err error)

type queueJob struct {
	ctx      context.Context
	fn       QueueFunc
	done     chan error
	queuedAt time.Time
}

// RequestQueue serializes calls to the random service through a single
// worker and enforces a minimum interval between consecutive requests
type RequestQueue struct {
	jobs    chan *queueJob
	limiter *rate.Limiter
	timeout time.Duration
	logger  Logger

	mu        sync.RWMutex
	closed    bool
	notBefore time.Time

	stop    context.CancelFunc
	stopCtx context.Context
	wg      sync.WaitGroup
}

// NewRequestQueue starts the queue worker
func NewRequestQueue(minInterval, timeout time.Duration, capacity int, logger Logger) (*RequestQueue, error) {
	if minInterval < MinRequestInterval || minInterval > MaxRequestInterval {
		return nil, ErrInvalidInterval
	}
	if capacity <= 0 || timeout <= 0 {
		return nil, ErrInvalidQueue
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	stopCtx, stop := context.WithCancel(context.Background())
	q := &RequestQueue{
		jobs:    make(chan *queueJob, capacity),
		limiter: rate.NewLimiter(intervalLimit(minInterval), 1),
		timeout: timeout,
		logger:  logger,
		stop:    stop,
		stopCtx: stopCtx,
	}

	q.wg.Add(1)
	go q.run()

	return q, nil
}

func intervalLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// SetMinInterval changes the pacing interval at runtime
func (q *RequestQueue) SetMinInterval(d time.Duration) error {
	if d < MinRequestInterval || d > MaxRequestInterval {
		return ErrInvalidInterval
	}
	q.limiter.SetLimit(intervalLimit(d))
	return nil
}

// Len returns the number of jobs waiting for the worker
func (q *RequestQueue) Len() int { return len(q.jobs) }

// Submit enqueues fn and waits for its result. It returns ErrQueueFull when
// the queue has no room, ErrQueueTimeout when the job did not finish within
// the queue timeout and ErrQueueClosed after Close.
func (q *RequestQueue) Submit(ctx context.Context, fn QueueFunc) error {
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	job := &queueJob{ctx: jobCtx, fn: fn, done: make(chan error, 1), queuedAt: time.Now()}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.mu.RUnlock()
	default:
		q.mu.RUnlock()
		return ErrQueueFull
	}

	select {
	case err := <-job.done:
		return err
	case <-jobCtx.Done():
		return ErrQueueTimeout.WithCause(jobCtx.Err()).
			WithMetadata("waited", time.Since(job.queuedAt).String())
	}
}

// Close stops accepting jobs, fails pending ones and waits for the worker
func (q *RequestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.stop()
	q.wg.Wait()
}

func (q *RequestQueue) run() {
	defer q.wg.Done()

	for job := range q.jobs {
		if q.stopCtx.Err() != nil {
			job.done <- ErrQueueClosed
			continue
		}

		// the caller already gave up
		if job.ctx.Err() != nil {
			q.logger.Debug("Skipping abandoned random service job queued_for=%v", time.Since(job.queuedAt))
			continue
		}

		job.done <- q.execute(job)
	}
}

func (q *RequestQueue) execute(job *queueJob) error {
	q.mu.RLock()
	notBefore := q.notBefore
	q.mu.RUnlock()

	if wait := time.Until(notBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-job.ctx.Done():
			timer.Stop()
			return ErrQueueTimeout.WithCause(job.ctx.Err())
		}
	}

	if err := q.limiter.Wait(job.ctx); err != nil {
		return ErrQueueTimeout.WithCause(err)
	}

	advisory, err := job.fn(job.ctx)

	if advisory > 0 {
		q.mu.Lock()
		q.notBefore = time.Now().Add(advisory)
		q.mu.Unlock()
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && job.ctx.Err() != nil {
		return ErrQueueTimeout.WithCause(err)
	}

	return err
}
