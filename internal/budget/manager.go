package budget

import (
	"context"
	"fmt"
	"time"

	"marketflow/logger"
)

// Manager puts a Registry in front of a Budget.
type Manager struct {
	name     string
	budget   Budget
	registry *Registry
	log      *logger.Log
}

func NewManager(name string, b Budget, r *Registry) *Manager {
	return &Manager{name: name, budget: b, registry: r, log: logger.GetLogger()}
}

func (m *Manager) Budget() Budget { return m.budget }

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) checkWeight(weight int64) error {
	if weight > m.budget.EffectiveCapacity() {
		return fmt.Errorf("%w: weight %d, capacity %d", ErrWeightExceedsCapacity, weight, m.budget.EffectiveCapacity())
	}
	return nil
}

// Register checks weight against capacity and enters the request in the
// registry without touching the budget. Pair it with Wait and Cancel.
func (m *Manager) Register(kind Kind, key string, rng Range, weight int64) (Request, error) {
	if err := m.checkWeight(weight); err != nil {
		return Request{}, err
	}
	return m.registry.Begin(kind, key, rng)
}

// Acquire registers the request and waits until the budget admits weight or
// ctx ends. A cancelled wait leaves no registry entry behind.
func (m *Manager) Acquire(ctx context.Context, kind Kind, key string, rng Range, weight int64) (Request, error) {
	req, err := m.Register(kind, key, rng, weight)
	if err != nil {
		return req, err
	}
	if err := m.Wait(ctx, weight); err != nil {
		m.Cancel(req)
		return Request{}, err
	}
	return req, nil
}

// Wait blocks until weight has been reserved.
func (m *Manager) Wait(ctx context.Context, weight int64) error {
	if err := m.checkWeight(weight); err != nil {
		return err
	}
	for {
		wait, ok := m.budget.Reserve(weight)
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		m.log.WithComponent("budget").WithFields(logger.Fields{
			"budget":  m.name,
			"weight":  weight,
			"wait_ms": wait.Milliseconds(),
		}).Debug("budget exhausted, waiting")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Complete marks the request satisfied for the cooldown period.
func (m *Manager) Complete(req Request) {
	if err := m.registry.Complete(req.ID); err != nil {
		m.log.WithComponent("budget").WithError(err).Warn("complete on unknown request")
	}
}

// Fail records a failure that equivalent requests will see during cooldown.
func (m *Manager) Fail(req Request, cause error) {
	if err := m.registry.Fail(req.ID, cause); err != nil {
		m.log.WithComponent("budget").WithError(err).Warn("fail on unknown request")
	}
}

// Cancel drops a request that never reached the provider.
func (m *Manager) Cancel(req Request) {
	m.registry.Cancel(req.ID)
}

// RecordUsage forwards provider counters to the budget.
func (m *Manager) RecordUsage(u Usage) {
	m.budget.RecordUsage(u)
}
