package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cpu/acmecore/acmeerr"
)

// RenewFunc performs the actual renewal work for one task. Supplied by the
// orchestrator package, which owns the ACME client, solvers and storage
// this scheduler has no knowledge of.
type RenewFunc func(ctx context.Context, task *RenewalTask) error

const (
	defaultMaxRetries   = 3
	defaultRetryInitial = 5 * time.Second
	defaultRetryMax     = 5 * time.Minute
	defaultStaleAfter   = time.Hour
)

// AdvancedOptions configures an Advanced scheduler.
type AdvancedOptions struct {
	// Concurrency bounds the number of renewals running at once. Defaults
	// to 1 if zero, to avoid silently running unbounded.
	Concurrency int
	MaxRetries  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// StaleAfter bounds how long a task may sit unprocessed before
	// sweepStale logs it as stuck (spec.md section 6's cleanup sweep
	// supplement). Does not remove the task; only surfaces it via hooks.
	StaleAfter time.Duration
	Hooks      Hooks
	EventSink  EventSink
}

func (o *AdvancedOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = defaultRetryInitial
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
}

// Advanced is the bounded-concurrency priority-queue renewal scheduler
// (spec.md section 4.7): tasks arrive over an unbounded inbox, a bridge
// goroutine folds them into a min-heap ordered by expiry, and a dispatcher
// pops the most urgent task and hands it to a worker gated by a weighted
// semaphore capped at Concurrency. Renewal failures retry with exponential
// backoff up to MaxRetries before the task is dropped and OnError/AfterRenewal
// fire with the final error.
type Advanced struct {
	opts  AdvancedOptions
	renew RenewFunc
	sem   *semaphore.Weighted

	inbox chan *RenewalTask

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskHeap
	enqueued  map[string]time.Time // task ID -> time it entered the queue
	shutdown  bool

	wg sync.WaitGroup
}

// NewAdvanced builds an Advanced scheduler. renew is invoked once per
// attempt; NewAdvanced itself does not start the dispatcher — call Run.
func NewAdvanced(renew RenewFunc, opts AdvancedOptions) *Advanced {
	opts.setDefaults()
	a := &Advanced{
		opts:     opts,
		renew:    renew,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		inbox:    make(chan *RenewalTask, 4096),
		enqueued: make(map[string]time.Time),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Enqueue submits task for processing. Safe to call concurrently with Run.
func (a *Advanced) Enqueue(task *RenewalTask) error {
	select {
	case a.inbox <- task:
		if a.opts.EventSink != nil {
			a.opts.EventSink.TaskEnqueued(task)
		}
		return nil
	default:
		return acmeerr.New(acmeerr.KindRateLimited, "scheduler inbox is full")
	}
}

// Run starts the bridge goroutine and the dispatcher, blocking until ctx is
// cancelled. Call in its own goroutine.
func (a *Advanced) Run(ctx context.Context) {
	go a.bridge(ctx)
	a.dispatch(ctx)
	a.wg.Wait()
}

// bridge drains the inbox channel into the priority heap, waking the
// dispatcher each time it adds something.
func (a *Advanced) bridge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.shutdown = true
			a.mu.Unlock()
			a.cond.Broadcast()
			return
		case task, ok := <-a.inbox:
			if !ok {
				return
			}
			a.mu.Lock()
			heap.Push(&a.queue, task)
			a.enqueued[task.ID] = time.Now()
			a.mu.Unlock()
			a.cond.Signal()
		}
	}
}

// dispatch pops the highest-priority task and launches a worker for it,
// gated by the semaphore, until ctx is cancelled.
func (a *Advanced) dispatch(ctx context.Context) {
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.shutdown {
			a.cond.Wait()
		}
		if len(a.queue) == 0 && a.shutdown {
			a.mu.Unlock()
			return
		}
		task := heap.Pop(&a.queue).(*RenewalTask)
		delete(a.enqueued, task.ID)
		a.mu.Unlock()

		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		a.wg.Add(1)
		go func(t *RenewalTask) {
			defer a.wg.Done()
			defer a.sem.Release(1)
			a.process(ctx, t)
		}(task)
	}
}

func (a *Advanced) process(ctx context.Context, task *RenewalTask) {
	if a.opts.EventSink != nil {
		a.opts.EventSink.TaskStarted(task)
	}
	a.opts.Hooks.fireBefore(ctx, task)

	backoff := a.opts.RetryInitial
	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		task.Attempts = attempt + 1
		err := a.renew(ctx, task)
		if err == nil {
			a.opts.Hooks.fireAfter(ctx, task, nil)
			if a.opts.EventSink != nil {
				a.opts.EventSink.TaskSucceeded(task)
			}
			return
		}
		lastErr = err
		task.LastError = err
		a.opts.Hooks.fireError(ctx, task, err)
		if a.opts.EventSink != nil {
			a.opts.EventSink.TaskRetried(task, attempt, err)
		}
		if acmeerr.IsFatal(err) || attempt == a.opts.MaxRetries {
			break
		}
		if !a.sleepBackoff(ctx, &backoff) {
			break
		}
	}

	// AfterRenewal is the success hook only (spec.md section 4.7:
	// "after_renewal(domains, bundle)", called once the bundle is
	// persisted); OnError/TaskFailed already cover this terminal-failure
	// path, so AfterRenewal must not fire here too.
	if a.opts.EventSink != nil {
		a.opts.EventSink.TaskFailed(task, lastErr)
	}
}

func (a *Advanced) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	timer := time.NewTimer(*backoff)
	defer timer.Stop()
	next := *backoff * 2
	if next > a.opts.RetryMax {
		next = a.opts.RetryMax
	}
	*backoff = next
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SweepStale reports every task that has sat in the queue longer than
// StaleAfter without being dispatched. It does not remove or reorder
// anything; it only surfaces candidates for operator attention via the
// returned task ID list. Supplements spec.md's cleanup sweep (section 6).
// Callers are expected to invoke this periodically (e.g. from the same
// ticker driving Simple's expiry scan).
func (a *Advanced) SweepStale() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stale []string
	now := time.Now()
	for id, enqueuedAt := range a.enqueued {
		if now.Sub(enqueuedAt) > a.opts.StaleAfter {
			stale = append(stale, id)
		}
	}
	return stale
}

// QueueLen returns the number of tasks currently waiting (not yet
// dispatched to a worker).
func (a *Advanced) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
