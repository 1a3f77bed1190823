// Package health aggregates component liveness checks for the ops endpoint.
package health

import (
	"sync"

	"trading_engine/internal/core"
)

// Manager collects named health checks from engine components.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

var _ core.IHealthMonitor = (*Manager)(nil)

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds a health check for a component. A nil error from the check
// means healthy.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[component]; exists {
		m.logger.Warn("Replacing health check", "component", component)
	}
	m.checks[component] = check
}

// GetStatus runs every check and returns a per-component status string.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			m.logger.Warn("Component unhealthy", "component", component, "error", err)
			return false
		}
	}
	return true
}
