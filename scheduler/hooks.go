package scheduler

import "context"

// Hooks are the three named lifecycle callbacks spec.md section 4.7 fixes:
// before a renewal attempt starts, after a task succeeds and its bundle is
// persisted, and whenever an attempt errors (which may fire multiple times
// per task if retries are exhausted one at a time). AfterRenewal is a
// success-only hook; a task that exhausts its retries never calls it — only
// OnError, and (for Advanced) EventSink.TaskFailed, see that outcome. Any
// field left nil is simply not invoked.
type Hooks struct {
	BeforeRenewal func(ctx context.Context, task *RenewalTask)
	AfterRenewal  func(ctx context.Context, task *RenewalTask, err error)
	OnError       func(ctx context.Context, task *RenewalTask, err error)
}

func (h Hooks) fireBefore(ctx context.Context, t *RenewalTask) {
	if h.BeforeRenewal != nil {
		h.BeforeRenewal(ctx, t)
	}
}

func (h Hooks) fireAfter(ctx context.Context, t *RenewalTask, err error) {
	if h.AfterRenewal != nil {
		h.AfterRenewal(ctx, t, err)
	}
}

func (h Hooks) fireError(ctx context.Context, t *RenewalTask, err error) {
	if h.OnError != nil {
		h.OnError(ctx, t, err)
	}
}

// EventSink is a richer, optional notification surface beyond the three
// named Hooks: callers that want structured events (e.g. to feed a
// dashboard or an audit log) can implement it and attach it to Advanced via
// SetEventSink. Supplements spec.md per original_source's
// scheduler/events.rs, which emitted a superset of the distilled spec's
// three hooks. Metrics/webhook delivery built on top of EventSink is out of
// scope (spec.md section 1 Non-goals); EventSink only fixes the interface.
type EventSink interface {
	TaskEnqueued(task *RenewalTask)
	TaskStarted(task *RenewalTask)
	TaskSucceeded(task *RenewalTask)
	TaskFailed(task *RenewalTask, err error)
	TaskRetried(task *RenewalTask, attempt int, err error)
}
