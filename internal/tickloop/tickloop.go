// Package tickloop implements the cluster's single cooperative main loop
// (C2): a fixed-cadence ticker draining a task queue on one goroutine, so
// tasks submitted from the same caller execute in submission order and
// background work never runs concurrently with itself.
//
// Grounded on the ticker+select shape in pkg/reconciler/reconciler.go and
// pkg/scheduler/scheduler.go, generalized from "one ticker per subsystem"
// to a single shared ticker with one consumer goroutine, which is what
// makes the submission-order guarantee hold across every caller.
package tickloop

import (
	"context"
	"time"

	"github.com/cuemby/fleetwright/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is 20 ticks per second.
const DefaultTickInterval = 50 * time.Millisecond

// Task is one unit of cooperative work. It must not block on network I/O;
// dispatch to a separate worker pool for that.
type Task func()

type scheduledTask struct {
	atTick int64
	task   Task
}

// Loop is the tick loop. Zero value is not usable; construct with New.
type Loop struct {
	interval time.Duration
	log      zerolog.Logger
	tasks    chan Task
	mu       chanGuard
	tick     int64
	running  bool

	scheduled []scheduledTask
}

// chanGuard is a tiny mutex alias kept distinct so the zero value of Loop
// doesn't silently share a lock with anything else.
type chanGuard struct{ ch chan struct{} }

func newGuard() chanGuard {
	g := chanGuard{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

func (g chanGuard) lock()   { <-g.ch }
func (g chanGuard) unlock() { g.ch <- struct{}{} }

// New creates a Loop with the given tick interval and a bounded task
// queue.
func New(interval time.Duration, queueDepth int, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Loop{
		interval: interval,
		log:      log,
		tasks:    make(chan Task, queueDepth),
		mu:       newGuard(),
		running:  true,
	}
}

// RunTask enqueues task for best-effort execution on the next drain. It is
// a no-op once the loop has stopped running.
func (l *Loop) RunTask(task Task) {
	l.mu.lock()
	running := l.running
	l.mu.unlock()
	if !running {
		return
	}
	select {
	case l.tasks <- task:
		metrics.TickQueueDepth.Set(float64(len(l.tasks)))
	default:
		l.log.Warn().Msg("tick loop queue full, dropping task")
	}
}

// ScheduleAt enqueues task to run once the loop's tick counter reaches
// tick. Tasks scheduled for a tick already passed run on the next drain.
// It is a no-op once the loop has stopped running.
func (l *Loop) ScheduleAt(tick int64, task Task) {
	l.mu.lock()
	if l.running {
		l.scheduled = append(l.scheduled, scheduledTask{atTick: tick, task: task})
	}
	l.mu.unlock()
}

// Running reports whether the loop is still accepting and executing work.
func (l *Loop) Running() bool {
	l.mu.lock()
	defer l.mu.unlock()
	return l.running
}

// Stop flips the running flag so further RunTask/ScheduleAt calls are
// no-ops and the Run goroutine returns on its next tick. Idempotent.
func (l *Loop) Stop() {
	l.mu.lock()
	l.running = false
	l.mu.unlock()
}

// Run drives the loop until ctx is cancelled or Stop is called. It is
// meant to run on its own goroutine; there must be exactly one Run call
// per Loop for the ordering guarantee to hold.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-l.tasks:
			task()
			metrics.TickQueueDepth.Set(float64(len(l.tasks)))
		case <-ticker.C:
			if !l.Running() {
				return
			}
			l.mu.lock()
			l.tick++
			now := l.tick
			var due, remaining []scheduledTask
			for _, st := range l.scheduled {
				if st.atTick <= now {
					due = append(due, st)
				} else {
					remaining = append(remaining, st)
				}
			}
			l.scheduled = remaining
			l.mu.unlock()
			for _, st := range due {
				st.task()
			}
		}
	}
}

// CurrentTick returns the loop's internal tick counter, mostly useful in
// tests.
func (l *Loop) CurrentTick() int64 {
	l.mu.lock()
	defer l.mu.unlock()
	return l.tick
}
