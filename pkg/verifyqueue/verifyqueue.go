// Package verifyqueue implements the in-process FIFO job queue of spec §4.9:
// N workers, retry with exponential backoff, dead-letter on exhaustion,
// drain/close semantics. Grounded on the teacher's escalation.Engine
// tick/worker-loop idiom (channel-driven goroutines guarded against
// reentrancy) adapted here to a bounded worker pool instead of a per-tenant
// timer loop.
package verifyqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors surfaced to callers, mapped to spec §7's VERIFY_QUEUE_* codes.
var (
	ErrQueueClosed      = errors.New("VERIFY_QUEUE_CLOSED")
	ErrHandlerError     = errors.New("VERIFY_QUEUE_HANDLER_ERROR")
	ErrDeadLetter       = errors.New("VERIFY_QUEUE_DEAD_LETTER")
	ErrDrainTimeout     = errors.New("VERIFY_QUEUE_DRAIN_TIMEOUT")
	maxBackoffMs  int64 = 86_400_000
	maxExponent         = 16
)

// Handler processes a job's payload and reports ok/failure. A non-nil error
// is treated the same as ok=false with the error's message recorded.
type Handler func(ctx context.Context, payload any) (ok bool, err error)

// DeadLetter is the terminal record emitted when a job exhausts maxAttempts.
type DeadLetter struct {
	Payload  any
	Attempts int
	LastErr  string
}

// Result is what a submitted job's future resolves to.
type Result struct {
	OK         bool
	DeadLetter *DeadLetter
	Err        error
}

type job struct {
	payload  any
	attempt  int
	resultCh chan Result
	notBefor time.Time
}

// Config controls worker count, attempt budget, and backoff shape.
type Config struct {
	Workers     int
	MaxAttempts int
	BackoffMs   int64
	Handler     Handler
}

// Queue is a single-process FIFO job queue with a bounded worker pool.
type Queue struct {
	cfg Config

	mu     sync.Mutex
	closed bool
	size   int

	submit  chan *job
	delayed chan *job
	done    chan struct{}
	wg      sync.WaitGroup
}

// New starts cfg.Workers goroutines consuming from an internal channel.
func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMs <= 0 {
		cfg.BackoffMs = 1000
	}
	q := &Queue{
		cfg:     cfg,
		submit:  make(chan *job, 1024),
		delayed: make(chan *job, 1024),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	go q.delayLoop()
	return q
}

// Submit enqueues payload and returns a channel resolved once the job
// reaches a terminal outcome (success, or dead-letter on exhaustion).
func (q *Queue) Submit(payload any) (<-chan Result, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.size++
	q.mu.Unlock()

	j := &job{payload: payload, attempt: 0, resultCh: make(chan Result, 1)}
	select {
	case q.submit <- j:
	case <-q.done:
		return nil, ErrQueueClosed
	}
	return j.resultCh, nil
}

func backoffFor(base int64, attempt int) time.Duration {
	exp := attempt - 1
	if exp > maxExponent {
		exp = maxExponent
	}
	if exp < 0 {
		exp = 0
	}
	ms := base << uint(exp)
	if ms > maxBackoffMs || ms <= 0 {
		ms = maxBackoffMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			q.drainWaiters(q.submit)
			return
		case j, ok := <-q.submit:
			if !ok {
				return
			}
			q.process(j)
		}
	}
}

func (q *Queue) process(j *job) {
	j.attempt++
	ok, err := q.safeHandle(j.payload)
	if ok && err == nil {
		q.finish(j, Result{OK: true})
		return
	}
	if j.attempt >= q.cfg.MaxAttempts {
		dl := &DeadLetter{Payload: j.payload, Attempts: j.attempt, LastErr: errString(err)}
		q.finish(j, Result{OK: false, DeadLetter: dl, Err: ErrDeadLetter})
		return
	}
	j.notBefor = time.Now().Add(backoffFor(q.cfg.BackoffMs, j.attempt))
	select {
	case q.delayed <- j:
	case <-q.done:
		q.finish(j, Result{OK: false, Err: ErrQueueClosed})
	}
}

func (q *Queue) safeHandle(payload any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, ErrHandlerError
		}
	}()
	if q.cfg.Handler == nil {
		return false, ErrHandlerError
	}
	return q.cfg.Handler(context.Background(), payload)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// delayLoop re-submits jobs once their backoff window elapses.
func (q *Queue) delayLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var pending []*job
	for {
		select {
		case <-q.done:
			q.drainWaitersSlice(pending)
			q.drainWaiters(q.delayed)
			return
		case j := <-q.delayed:
			pending = append(pending, j)
		case <-ticker.C:
			now := time.Now()
			remaining := pending[:0]
			for _, j := range pending {
				if now.After(j.notBefor) || now.Equal(j.notBefor) {
					select {
					case q.submit <- j:
					case <-q.done:
						q.finish(j, Result{OK: false, Err: ErrQueueClosed})
					}
				} else {
					remaining = append(remaining, j)
				}
			}
			pending = remaining
		}
	}
}

func (q *Queue) finish(j *job, r Result) {
	q.mu.Lock()
	q.size--
	q.mu.Unlock()
	j.resultCh <- r
	close(j.resultCh)
}

func (q *Queue) drainWaiters(ch chan *job) {
	for {
		select {
		case j := <-ch:
			q.finish(j, Result{OK: false, Err: ErrQueueClosed})
		default:
			return
		}
	}
}

func (q *Queue) drainWaitersSlice(js []*job) {
	for _, j := range js {
		q.finish(j, Result{OK: false, Err: ErrQueueClosed})
	}
}

// Close stops accepting new work and resolves all queued/delayed jobs with
// ErrQueueClosed. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}

// Drain blocks until the queue empties or timeout elapses.
func (q *Queue) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		size := q.size
		q.mu.Unlock()
		if size == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Size reports the current number of in-flight (queued, delayed, or
// executing) jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
