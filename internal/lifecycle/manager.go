// -------------------------------------------------------------------------------
// Background Service Supervisor
//
// Supervises the client's background goroutines (sync engine, log writer)
// with panic recovery and automatic restart. A panicking service must never
// take the host application down, so recovery logs and restarts after a
// short pause. Services implement the Service interface (blocking Run);
// optional Stoppable adds explicit cleanup during shutdown.
// -------------------------------------------------------------------------------

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const restartPause = time.Second

// Service is a long-running background task. Run blocks until ctx is
// cancelled or a fatal error occurs.
type Service interface {
	Run(ctx context.Context) error
}

// Stoppable is an optional interface for services needing cleanup beyond
// context cancellation.
type Stoppable interface {
	Stop(ctx context.Context) error
}

type entry struct {
	name    string
	service Service
}

// Manager registers and supervises background services.
type Manager struct {
	logger   *slog.Logger
	services []entry
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// NewManager creates an empty supervisor.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a named service. Services start in registration order and
// stop in reverse order. Must be called before Start.
func (m *Manager) Register(name string, svc Service) {
	m.services = append(m.services, entry{name: name, service: svc})
}

// Start launches all registered services in their own goroutines and
// returns immediately. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, e := range m.services {
		m.wg.Add(1)
		go func(e entry) {
			defer m.wg.Done()
			m.supervise(ctx, e)
		}(e)
	}
}

// Stop cancels all services, waits for their goroutines to exit (bounded by
// ctx), then calls Stop on Stoppable services in reverse registration
// order. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for background services to exit")
	}

	for i := len(m.services) - 1; i >= 0; i-- {
		if s, ok := m.services[i].service.(Stoppable); ok {
			if err := s.Stop(ctx); err != nil {
				m.logger.Error("Service stop error",
					"service", m.services[i].name,
					"error", err,
				)
			}
		}
	}
}

func (m *Manager) supervise(ctx context.Context, e entry) {
	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Service panicked, restarting",
						"service", e.name,
						"panic", fmt.Sprint(r),
					)
				}
			}()

			if err := e.service.Run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Service exited unexpectedly, restarting",
					"service", e.name,
					"error", err,
				)
			}
		}()

		if ctx.Err() != nil {
			return
		}

		select {
		case <-time.After(restartPause):
		case <-ctx.Done():
			return
		}
	}
}
