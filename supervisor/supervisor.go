// Package supervisor manages the lifecycle of veriflow components: ordered
// startup, aggregated health, and reverse-order graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
)

// Supervisor starts components in registration order and stops them in
// reverse, so consumers of a component's output go down before the component
// itself.
type Supervisor struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []component.LifecycleComponent
	started    []component.LifecycleComponent
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// Add registers components. Registration order is start order.
func (s *Supervisor) Add(comps ...component.LifecycleComponent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, comps...)
}

// StartAll initializes and starts every registered component in order. On
// failure the components already started are stopped in reverse before the
// error is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	comps := make([]component.LifecycleComponent, len(s.components))
	copy(comps, s.components)
	s.mu.Unlock()

	for _, comp := range comps {
		name := comp.Meta().Name

		if err := comp.Initialize(); err != nil {
			s.stopStarted(10 * time.Second)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		if err := comp.Start(ctx); err != nil {
			s.stopStarted(10 * time.Second)
			return fmt.Errorf("start %s: %w", name, err)
		}

		s.mu.Lock()
		s.started = append(s.started, comp)
		s.mu.Unlock()
		s.logger.Info("Component started", "component", name)
	}
	return nil
}

// StopAll stops started components in reverse order, giving each up to grace
// to drain. Stop errors are collected rather than short-circuiting so every
// component gets its shutdown call.
func (s *Supervisor) StopAll(grace time.Duration) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		comp := started[i]
		name := comp.Meta().Name
		if err := comp.Stop(grace); err != nil {
			s.logger.Error("Component stop failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		s.logger.Info("Component stopped", "component", name)
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stopStarted(grace time.Duration) {
	if err := s.StopAll(grace); err != nil {
		s.logger.Error("Rollback stop failed", "error", err)
	}
}

// Health reports the health of every registered component by name.
func (s *Supervisor) Health() map[string]component.HealthStatus {
	s.mu.Lock()
	comps := make([]component.LifecycleComponent, len(s.components))
	copy(comps, s.components)
	s.mu.Unlock()

	health := make(map[string]component.HealthStatus, len(comps))
	for _, comp := range comps {
		health[comp.Meta().Name] = comp.Health()
	}
	return health
}

// Healthy reports whether every registered component is healthy.
func (s *Supervisor) Healthy() bool {
	for _, status := range s.Health() {
		if !status.Healthy {
			return false
		}
	}
	return true
}
