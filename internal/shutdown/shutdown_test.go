package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwright/internal/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

func TestStepsRunInOrder(t *testing.T) {
	s := New(log.WithComponent("shutdown"))
	var order []string
	s.AddStep("a", func(ctx context.Context) error { order = append(order, "a"); return nil })
	s.AddStep("b", func(ctx context.Context) error { order = append(order, "b"); return nil })
	s.AddStep("c", func(ctx context.Context) error { order = append(order, "c"); return nil })

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunIsIdempotent(t *testing.T) {
	s := New(log.WithComponent("shutdown"))
	calls := 0
	s.AddStep("once", func(ctx context.Context) error { calls++; return nil })

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 1, calls)
}

func TestFailingStepStillRunsLaterSteps(t *testing.T) {
	s := New(log.WithComponent("shutdown"))
	var ran []string
	s.AddStep("first", func(ctx context.Context) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	s.AddStep("second", func(ctx context.Context) error {
		ran = append(ran, "second")
		return nil
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, []string{"first", "second"}, ran)
}
