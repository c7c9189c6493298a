package tickloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/fleetwright/internal/log"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

func TestRunTaskExecutesInSubmissionOrder(t *testing.T) {
	l := New(5*time.Millisecond, 16, log.WithComponent("tickloop"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.RunTask(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run in time")
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestStopIsIdempotentAndHalts(t *testing.T) {
	l := New(5*time.Millisecond, 16, log.WithComponent("tickloop"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Stop()
	l.Stop()
	require.False(t, l.Running())

	var ran atomic.Bool
	l.RunTask(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load())
}

func TestScheduleAtRunsOnceTickReached(t *testing.T) {
	l := New(5*time.Millisecond, 16, log.WithComponent("tickloop"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan struct{})
	l.ScheduleAt(3, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
}
