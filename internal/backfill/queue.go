// Package backfill retries ledger inserts for jobs the backend accepted
// but the ledger could not record at submit time.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/job"
	"meshjobs/pkg/backoff"
	"meshjobs/pkg/circuitbreaker"
)

var (
	// ErrBufferFull is returned when the queue is full and the insert is dropped.
	ErrBufferFull = errors.New("backfill buffer full, insert dropped")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("backfill queue is closed")
)

// Inserter is the ledger write the queue retries.
type Inserter interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, handle string) (*job.Job, error)
}

// MetricsRecorder is an optional interface for recording backfill metrics.
type MetricsRecorder interface {
	RecordBackfillDelivered(ctx context.Context, durationSeconds float64)
	RecordBackfillFailed(ctx context.Context)
	RecordBackfillDropped(ctx context.Context)
	RecordBackfillRequeued(ctx context.Context)
	RecordBackfillQueueSize(ctx context.Context, size int64)
}

// Stats holds queue statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Pending      int   // records not yet in the ledger
	Queued       int64 // total inserts queued
	Delivered    int64 // records written (or found already written)
	Failed       int64 // attempts that exhausted their retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued after failure or open circuit
	RetriesTotal int64 // total retry attempts
	BreakerOpen  bool
}

type entry struct {
	job      *job.Job
	requeues int
}

// Queue is an in-memory backfill queue. Inserts are buffered in a bounded
// channel and written by a worker pool; records stay visible through
// Pending until the ledger has them.
type Queue struct {
	queue   chan *entry
	ledger  Inserter
	breaker *circuitbreaker.Breaker
	backoff backoff.Config
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	pending map[string]*job.Job

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a queue writing to ledger and starts its workers.
func New(ledger Inserter, cfg Config, metrics MetricsRecorder) *Queue {
	cfg = cfg.withDefaults()

	logger := slog.With("component", "backfill")
	q := &Queue{
		queue:  make(chan *entry, cfg.BufferSize),
		ledger: ledger,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.RequeueBackoff,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("Ledger circuit breaker changed state", "from", from.String(), "to", to.String())
			},
		}),
		backoff: backoff.Config{
			Initial: defaultInitialBackoff,
			Max:     defaultMaxBackoff,
			Retries: defaultMaxRetries,
		},
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		pending:  make(map[string]*job.Job),
		shutdown: make(chan struct{}),
	}

	q.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go q.worker()
	}

	if metrics != nil {
		go q.reportQueueSize()
	}

	q.logger.Info("Backfill queue started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return q
}

// reportQueueSize periodically reports the queue size metric.
func (q *Queue) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.shutdown:
			return
		case <-ticker.C:
			q.metrics.RecordBackfillQueueSize(context.Background(), int64(len(q.queue)))
		}
	}
}

// Enqueue schedules an insert of j. Non-blocking.
func (q *Queue) Enqueue(j *job.Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if j == nil || j.Handle == "" {
		return fmt.Errorf("backfill: job handle is required")
	}

	cp := *j
	q.mu.Lock()
	q.pending[cp.Handle] = &cp
	q.mu.Unlock()

	select {
	case q.queue <- &entry{job: &cp}:
		q.queued.Add(1)
		return nil
	default:
		q.forget(cp.Handle)
		q.drop("Insert dropped, buffer full", cp.Handle, 0)
		return ErrBufferFull
	}
}

// Pending returns a copy of a record that is queued but not yet written.
func (q *Queue) Pending(handle string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.pending[handle]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// Flush writes a pending record now and returns it as stored. A record
// the ledger already holds counts as written.
func (q *Queue) Flush(ctx context.Context, handle string) (*job.Job, error) {
	j, ok := q.Pending(handle)
	if !ok {
		return nil, apperrors.NotFound("pending job", handle)
	}
	stored, err := q.insert(ctx, j)
	if err != nil {
		return nil, err
	}
	q.forget(handle)
	q.logger.Info("Pending insert flushed", "jobHandle", handle)
	return stored, nil
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return Stats{
		QueueDepth:   len(q.queue),
		Pending:      pending,
		Queued:       q.queued.Load(),
		Delivered:    q.delivered.Load(),
		Failed:       q.failed.Load(),
		Dropped:      q.dropped.Load(),
		Requeued:     q.requeued.Load(),
		RetriesTotal: q.retriesTotal.Load(),
		BreakerOpen:  q.breaker.State() == circuitbreaker.Open,
	}
}

// Close stops accepting inserts and drains the queue. The context deadline
// controls how long to wait.
func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}

	q.logger.Info("Backfill queue shutting down", "queued", len(q.queue))
	close(q.shutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Backfill queue shutdown complete",
			"delivered", q.delivered.Load(),
			"failed", q.failed.Load(),
			"dropped", q.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		q.logger.Warn("Backfill queue shutdown timed out", "remaining", len(q.queue))
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.shutdown:
			q.drainQueue()
			return
		case e := <-q.queue:
			q.deliver(e)
		}
	}
}

// drainQueue writes remaining inserts after the shutdown signal.
func (q *Queue) drainQueue() {
	for {
		select {
		case e := <-q.queue:
			q.deliver(e)
		default:
			return
		}
	}
}

func (q *Queue) deliver(e *entry) {
	handle := e.job.Handle
	j, ok := q.Pending(handle)
	if !ok {
		// Flushed by a reader in the meantime.
		return
	}

	if !q.breaker.Allow() {
		q.requeue(e)
		return
	}

	start := time.Now()
	ctx := context.Background()
	_, err := q.insert(ctx, j)
	if err != nil {
		q.breaker.RecordFailure()
		q.failed.Add(1)
		if q.metrics != nil {
			q.metrics.RecordBackfillFailed(ctx)
		}
		q.logger.Warn("Backfill insert failed", "jobHandle", handle, "error", err)
		if retryable(err) {
			q.requeue(e)
		} else {
			q.forget(handle)
			q.drop("Insert dropped, not retryable", handle, e.requeues)
		}
		return
	}

	q.breaker.RecordSuccess()
	q.forget(handle)
	if q.metrics != nil {
		q.metrics.RecordBackfillDelivered(ctx, time.Since(start).Seconds())
	}
	q.logger.Info("Backfill insert written", "jobHandle", handle, "requeues", e.requeues)
}

// insert writes j with retry. A conflict means the record already exists;
// the stored copy is returned.
func (q *Queue) insert(ctx context.Context, j *job.Job) (*job.Job, error) {
	attempt := 0
	err := backoff.Retry(ctx, &q.backoff, func(ctx context.Context) error {
		if attempt > 0 {
			q.retriesTotal.Add(1)
		}
		attempt++

		actx, cancel := context.WithTimeout(ctx, q.config.InsertTimeout)
		defer cancel()

		cp := *j
		err := q.ledger.Create(actx, &cp)
		switch {
		case err == nil:
			*j = cp
			return nil
		case errors.Is(err, apperrors.ErrConflict):
			stored, gerr := q.ledger.Get(actx, j.Handle)
			if gerr != nil {
				return gerr
			}
			*j = *stored
			return nil
		case !retryable(err):
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	q.delivered.Add(1)
	return j, nil
}

// requeue puts an insert back after the requeue backoff.
func (q *Queue) requeue(e *entry) {
	handle := e.job.Handle
	if e.requeues >= defaultMaxRequeues {
		q.forget(handle)
		q.drop("Insert dropped, max requeues reached", handle, e.requeues)
		return
	}

	e.requeues++
	q.requeued.Add(1)
	if q.metrics != nil {
		q.metrics.RecordBackfillRequeued(context.Background())
	}

	go func() {
		select {
		case <-q.shutdown:
			q.logger.Warn("Insert abandoned at shutdown", "jobHandle", handle, "requeues", e.requeues)
			return
		case <-time.After(q.config.RequeueBackoff):
		}

		select {
		case q.queue <- e:
			q.logger.Debug("Insert requeued", "jobHandle", handle, "requeues", e.requeues)
		default:
			q.forget(handle)
			q.drop("Insert dropped on requeue, buffer full", handle, e.requeues)
		}
	}()
}

// retryable reports whether another insert attempt could succeed. The
// ledger rejects malformed records with a validation error.
func retryable(err error) bool {
	return !errors.Is(err, apperrors.ErrValidation)
}

func (q *Queue) forget(handle string) {
	q.mu.Lock()
	delete(q.pending, handle)
	q.mu.Unlock()
}

func (q *Queue) drop(msg, handle string, requeues int) {
	q.dropped.Add(1)
	if q.metrics != nil {
		q.metrics.RecordBackfillDropped(context.Background())
	}
	q.logger.Error(msg, "jobHandle", handle, "requeues", requeues)
}

var _ job.Backfill = (*Queue)(nil)
