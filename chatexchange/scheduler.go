package chatexchange

import (
	"context"
	"sync"
	"time"

	"github.com/vovakirdan/chatexchange-sdk/chatexchange-sdk-go/chatexchange/internal/clock"
)

type scheduledTask struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
	next     time.Time
}

// scheduler runs named recurring tasks one at a time on a single
// goroutine. A failed task is logged and runs again on its next tick.
type scheduler struct {
	clock  clock.Clock
	logger Logger
	fields map[string]any

	mu      sync.Mutex
	tasks   []*scheduledTask
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newScheduler(clk clock.Clock, logger Logger, fields map[string]any) *scheduler {
	return &scheduler{clock: clk, logger: logger, fields: fields, done: make(chan struct{})}
}

// every registers fn to run each interval after Start. Tasks added after
// Start are ignored.
func (s *scheduler) every(name string, interval time.Duration, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.tasks = append(s.tasks, &scheduledTask{name: name, interval: interval, run: fn})
}

func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	now := s.clock.Now()
	for _, t := range s.tasks {
		t.next = now.Add(t.interval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

func (s *scheduler) loop(ctx context.Context) {
	defer close(s.done)
	if len(s.tasks) == 0 {
		<-ctx.Done()
		return
	}
	for {
		next := s.tasks[0].next
		for _, t := range s.tasks[1:] {
			if t.next.Before(next) {
				next = t.next
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
		}

		now := s.clock.Now()
		for _, t := range s.tasks {
			if ctx.Err() != nil {
				return
			}
			if t.next.After(now) {
				continue
			}
			s.runTask(ctx, t)
			// Fixed rate; ticks missed while a task ran are skipped.
			for !t.next.After(now) {
				t.next = t.next.Add(t.interval)
			}
		}
	}
}

func (s *scheduler) runTask(ctx context.Context, t *scheduledTask) {
	if err := t.run(ctx); err != nil && ctx.Err() == nil {
		fields := map[string]any{"task": t.name, "error": err.Error()}
		for k, v := range s.fields {
			fields[k] = v
		}
		s.logger.Warn("scheduled task failed", fields)
	}
}

// stop cancels the running task's context and waits for the loop to
// exit. It is safe to call more than once and before start.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if started {
		<-s.done
	}
}
