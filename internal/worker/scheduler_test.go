package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsTaskImmediatelyThenOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := NewScheduler(clock, 2)

	var runs int32
	sched.Register(&Task{
		Name:     "t",
		Interval: time.Minute,
		Run: func(ctx context.Context) (time.Duration, bool, error) {
			atomic.AddInt32(&runs, 1)
			return 0, false, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestSchedulerStopsTaskOnDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := NewScheduler(clock, 1)

	var runs int32
	sched.Register(&Task{
		Name:     "t",
		Interval: time.Second,
		Run: func(ctx context.Context) (time.Duration, bool, error) {
			atomic.AddInt32(&runs, 1)
			return 0, true, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, time.Millisecond)

	// Task finished; advancing the clock must not trigger another run.
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := NewScheduler(clock, 1)

	var inFlight, maxInFlight int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	mk := func(name string) *Task {
		return &Task{
			Name:     name,
			Interval: time.Hour,
			Run: func(ctx context.Context) (time.Duration, bool, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				started <- struct{}{}
				<-release
				atomic.AddInt32(&inFlight, -1)
				return 0, true, nil
			},
		}
	}
	sched.Register(mk("a"))
	sched.Register(mk("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	<-started
	time.Sleep(20 * time.Millisecond) // give the second task a chance to (wrongly) start too
	require.EqualValues(t, 1, atomic.LoadInt32(&maxInFlight))

	close(release)
	time.Sleep(20 * time.Millisecond) // let both tasks finish their single iteration
	cancel()
	<-done
}
