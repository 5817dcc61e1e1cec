package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdvancedRespectsConcurrencyBound(t *testing.T) {
	const concurrency = 2
	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})

	renew := func(ctx context.Context, task *RenewalTask) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	sched := NewAdvanced(renew, AdvancedOptions{Concurrency: concurrency})
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, sched.Enqueue(NewTask(string(rune('a'+i)), []string{"x"}, now, PriorityNormal)))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inFlight) == concurrency
	}, time.Second, time.Millisecond)

	require.Never(t, func() bool {
		return atomic.LoadInt32(&inFlight) > concurrency
	}, 50*time.Millisecond, time.Millisecond)

	close(release)
	cancel()
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(concurrency))
}

func TestAdvancedRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	renew := func(ctx context.Context, task *RenewalTask) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errTransient{}
		}
		return nil
	}

	var afterErr error
	var afterCalled int32
	sched := NewAdvanced(renew, AdvancedOptions{
		Concurrency:  1,
		MaxRetries:   5,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		Hooks: Hooks{
			AfterRenewal: func(_ context.Context, _ *RenewalTask, err error) {
				afterErr = err
				atomic.AddInt32(&afterCalled, 1)
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	require.NoError(t, sched.Enqueue(NewTask("t", []string{"x"}, time.Now(), PriorityNormal)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&afterCalled) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, afterErr)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	cancel()
	wg.Wait()
}

func TestAdvancedDoesNotFireAfterRenewalOnTerminalFailure(t *testing.T) {
	renew := func(ctx context.Context, task *RenewalTask) error {
		return errTransient{}
	}

	var afterCalled int32
	var failedCalled int32
	var failedErr error
	sched := NewAdvanced(renew, AdvancedOptions{
		Concurrency:  1,
		MaxRetries:   2,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		Hooks: Hooks{
			AfterRenewal: func(_ context.Context, _ *RenewalTask, _ error) {
				atomic.AddInt32(&afterCalled, 1)
			},
		},
		EventSink: &recordingSink{failed: &failedCalled, failedErr: &failedErr},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	require.NoError(t, sched.Enqueue(NewTask("t", []string{"x"}, time.Now(), PriorityNormal)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&failedCalled) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, int32(0), atomic.LoadInt32(&afterCalled),
		"AfterRenewal is a success-only hook; a terminally failed task must not fire it")
	require.Error(t, failedErr)

	cancel()
	wg.Wait()
}

type recordingSink struct {
	failed    *int32
	failedErr *error
}

func (r *recordingSink) TaskEnqueued(*RenewalTask)                {}
func (r *recordingSink) TaskStarted(*RenewalTask)                 {}
func (r *recordingSink) TaskSucceeded(*RenewalTask)                {}
func (r *recordingSink) TaskRetried(*RenewalTask, int, error)      {}
func (r *recordingSink) TaskFailed(task *RenewalTask, err error) {
	*r.failedErr = err
	atomic.AddInt32(r.failed, 1)
}

type errTransient struct{}

func (errTransient) Error() string { return "transient failure" }
