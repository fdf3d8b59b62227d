// Package supervisor owns deterministic start/stop ordering for the edge's
// background tasks (refresh loop, metrics flush loop, persistence loop,
// SSE keepalive loop, the optional enterprise heartbeat). One assembly point
// registers every task before the HTTP listener binds; background tasks
// receive their collaborators as injected handles, never by reaching into
// each other.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Service is a lifecycle-managed background task: Start launches it and Stop
// ends it; Name identifies it in logs and start/stop error wrapping.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// LoopFunc adapts a straight-line `func(ctx) error` background loop (the
// shape every background Run method already has) into a Service: Start
// launches it in a goroutine, Stop cancels its context and waits for exit.
type LoopFunc struct {
	ServiceName string
	Fn          func(ctx context.Context) error

	cancel context.CancelFunc
	done   chan error
}

// Name implements Service.
func (l *LoopFunc) Name() string { return l.ServiceName }

// Start launches Fn in a goroutine bound to a child of ctx that Stop cancels.
func (l *LoopFunc) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan error, 1)
	go func() {
		l.done <- l.Fn(runCtx)
	}()
	return nil
}

// Stop cancels the loop's context and waits for it to return.
func (l *LoopFunc) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case err := <-l.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the registered services' lifecycle: deterministic ordered
// Start, reverse-ordered Stop. Only services that actually started are
// ever stopped, so a failed Start followed by Stop (or a second Stop) is
// harmless.
type Manager struct {
	mu       sync.Mutex
	services []Service
	// running holds the successfully started services in start order; Stop
	// drains it, which is what makes both Stop and rollback idempotent.
	running []Service
	started bool
}

// NewManager returns an empty lifecycle manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends svc to the start queue. Registering after Start returns
// an error; the edge's cmd/edge/main.go registers every task up front.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("supervisor: cannot register a nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("supervisor: service %q registered after start", svc.Name())
	}
	m.services = append(m.services, svc)
	return nil
}

// Start runs every registered service's Start in registration order,
// recording each success. If one fails, everything recorded so far is
// rolled back (reverse order) and the start error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			_ = m.Stop(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.mu.Lock()
		m.running = append(m.running, svc)
		m.mu.Unlock()
	}
	return nil
}

// Stop stops every running service in reverse start order, aggregating
// every stop error rather than reporting only the first. Services that
// never started are skipped; a second Stop finds nothing left to do.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.running = nil
	m.mu.Unlock()

	var merr *multierror.Error
	for i := len(running) - 1; i >= 0; i-- {
		if err := running[i].Stop(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", running[i].Name(), err))
		}
	}
	return merr.ErrorOrNil()
}
