// Package worker implements the cooperative task scheduler: certificate
// renewal, remote profile re-sync, outbound delivery retry and notification
// fan-out, each registered as a Task and run on a bounded concurrency pool.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithFields(logrus.Fields{"component": "Worker"})

const defaultConcurrency = 4

// TaskFunc runs one iteration of a task. done ends the task's schedule;
// reschedule <= 0 repeats on the task's original Interval.
type TaskFunc func(ctx context.Context) (reschedule time.Duration, done bool, err error)

// Task is one named, independently scheduled unit of recurring work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// Scheduler runs a fixed set of registered tasks, each on its own goroutine,
// sharing a bounded concurrency pool so a burst of simultaneous task
// iterations can't overrun the process.
type Scheduler struct {
	clock       clockwork.Clock
	concurrency int

	mu    sync.Mutex
	tasks []*Task

	wg sync.WaitGroup
}

// NewScheduler constructs a Scheduler. clock == nil picks a real clock;
// concurrency <= 0 picks defaultConcurrency.
func NewScheduler(clock clockwork.Clock, concurrency int) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Scheduler{clock: clock, concurrency: concurrency}
}

// Register adds a task. Must be called before Run.
func (s *Scheduler) Register(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Run starts every registered task and blocks until ctx is cancelled, then
// waits for in-flight iterations to finish before returning.
func (s *Scheduler) Run(ctx context.Context) {
	sem := make(chan struct{}, s.concurrency)
	s.mu.Lock()
	tasks := append([]*Task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		s.wg.Add(1)
		go s.runTask(ctx, t, sem)
	}
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t *Task, sem chan struct{}) {
	defer s.wg.Done()
	wait := time.Duration(0) // run the first iteration immediately
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		reschedule, done, err := t.Run(ctx)
		<-sem

		if err != nil {
			log.WithField("task", t.Name).Warnf("iteration failed: %v", err)
		}
		if done {
			log.WithField("task", t.Name).Debugf("task finished, no further iterations")
			return
		}
		if reschedule > 0 {
			wait = reschedule
		} else {
			wait = t.Interval
		}
	}
}
