// Package shutdown is the ordered graceful-stop sequencer (C9): the steps
// registered with AddStep run in order, each waiting for the previous,
// guarded so a repeated shutdown signal is a no-op.
//
// Grounded on cmd/warren/main.go's `select { case <-sigCh: ... }` handler
// plus its ordered `sched.Stop(); recon.Stop(); apiServer.Stop();
// mgr.Shutdown()` call sequence, generalized into a registered slice of
// steps run by a single Run(ctx) — and, unlike warren's own sequence,
// made idempotent via sync.Once, per the testable "shutdown is
// idempotent" property.
package shutdown

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Step is one named unit of shutdown work.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sequencer runs its registered steps in order exactly once.
type Sequencer struct {
	log   zerolog.Logger
	mu    sync.Mutex
	steps []Step
	once  sync.Once
	err   error
}

// New creates an empty Sequencer. Steps are added with AddStep in the
// order they must run.
func New(log zerolog.Logger) *Sequencer {
	return &Sequencer{log: log}
}

// AddStep appends a step to the end of the run order. Safe to call only
// before the first Run.
func (s *Sequencer) AddStep(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, Step{Name: name, Run: run})
}

// Run executes every registered step in order and returns the first
// error, recorded without stopping, so later steps still get a chance to
// release their own resources — each step is expected to be best-effort
// and self-contained, matching §4.8's "best-effort; timeouts become
// forced stop" framing for the service-stop step specifically.
func (s *Sequencer) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		steps := append([]Step(nil), s.steps...)
		s.mu.Unlock()

		for _, step := range steps {
			if err := step.Run(ctx); err != nil {
				s.log.Warn().Err(err).Str("step", step.Name).Msg("shutdown step failed")
				if s.err == nil {
					s.err = fmt.Errorf("shutdown: step %q: %w", step.Name, err)
				}
			} else {
				s.log.Info().Str("step", step.Name).Msg("shutdown step complete")
			}
		}
	})
	return s.err
}
