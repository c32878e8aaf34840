// Package session owns the process-wide solver session: one active session,
// serialized creation, TTL-based refresh.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"siphon/internal/solver"
)

// Manager guards the shared solver client behind one mutex. All creation,
// expiry and renewal is serialized; readers get a consistent client back.
type Manager struct {
	mu        sync.Mutex
	client    *solver.Client
	createdAt time.Time

	ttl    time.Duration
	logger *slog.Logger

	// newClient is the factory for session-bound clients; tests swap it.
	newClient func() *solver.Client
}

func NewManager(solverURL string, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		ttl:    ttl,
		logger: logger,
		newClient: func() *solver.Client {
			return solver.NewClient(solverURL, logger)
		},
	}
}

// Acquire returns the current session-bound client, creating or replacing the
// underlying solver session when absent or older than the TTL. Concurrent
// callers block while the replacement happens; a failed creation is not
// cached, so the next caller retries.
func (m *Manager) Acquire(ctx context.Context) (*solver.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && time.Since(m.createdAt) <= m.ttl {
		return m.client, nil
	}

	if m.client != nil {
		m.logger.Info("solver session expired, replacing", "age", time.Since(m.createdAt).Round(time.Second))
		_ = m.client.DestroySession(ctx)
		m.client = nil
	}

	client := m.newClient()
	if err := client.CreateSession(ctx); err != nil {
		return nil, fmt.Errorf("solver session create: %w", err)
	}
	m.client = client
	m.createdAt = time.Now()
	return client, nil
}

// Renew forces teardown and recreation of the underlying session. Callers use
// it after observing ban-like responses.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		_ = m.client.DestroySession(ctx)
		m.client = nil
	}

	client := m.newClient()
	if err := client.CreateSession(ctx); err != nil {
		return fmt.Errorf("solver session renew: %w", err)
	}
	m.client = client
	m.createdAt = time.Now()
	m.logger.Info("solver session renewed")
	return nil
}

// Shutdown destroys the solver session. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return
	}
	_ = m.client.DestroySession(ctx)
	m.client = nil
}
