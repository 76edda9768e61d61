package network

import (
	"context"
	"sync"
	"time"
)

// DisconnectReason is the broker's internal reason for tearing down a
// connection. MQTT 3.1.1's wire-level DISCONNECT carries no reason code
// (it is a bare 2-byte packet); this value only drives local will-message
// and logging decisions.
type DisconnectReason byte

const (
	DisconnectClientRequested DisconnectReason = iota
	DisconnectProtocolError
	DisconnectKeepAliveTimeout
	DisconnectSessionTakenOver
	DisconnectServerShuttingDown
	DisconnectQuotaExceeded
	DisconnectNotAuthorized
)

// Graceful reports whether reason corresponds to an orderly disconnect
// (client sent DISCONNECT, or the server is shutting down cleanly) as
// opposed to one that should trigger the session's will message.
func (r DisconnectReason) Graceful() bool {
	return r == DisconnectClientRequested || r == DisconnectServerShuttingDown
}

// DisconnectEvent records why and when a connection was torn down.
type DisconnectEvent struct {
	Reason DisconnectReason
	At     time.Time
}

// DisconnectHandler is notified whenever a connection disconnects.
type DisconnectHandler func(*Connection, DisconnectEvent) error

// DisconnectManager fans out disconnect notifications to every
// registered handler (session teardown, metrics, bridge rule cleanup)
// and drives the graceful per-connection and whole-listener shutdown
// sequences.
type DisconnectManager struct {
	mu              sync.RWMutex
	handlers        []DisconnectHandler
	gracefulTimeout time.Duration
}

// NewDisconnectManager builds a manager with the given per-connection
// graceful-close timeout (defaults to 5s).
func NewDisconnectManager(gracefulTimeout time.Duration) *DisconnectManager {
	if gracefulTimeout == 0 {
		gracefulTimeout = 5 * time.Second
	}
	return &DisconnectManager{gracefulTimeout: gracefulTimeout}
}

// OnDisconnect registers a handler to run on every disconnect.
func (dm *DisconnectManager) OnDisconnect(handler DisconnectHandler) {
	dm.mu.Lock()
	dm.handlers = append(dm.handlers, handler)
	dm.mu.Unlock()
}

// HandleDisconnect runs the registered handlers for event in order,
// stopping at and returning the first error a handler returns.
func (dm *DisconnectManager) HandleDisconnect(conn *Connection, event DisconnectEvent) error {
	dm.mu.RLock()
	handlers := make([]DisconnectHandler, len(dm.handlers))
	copy(handlers, dm.handlers)
	dm.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(conn, event); err != nil {
			return err
		}
	}
	return nil
}

// GracefulDisconnect runs the disconnect handlers and closes conn,
// forcing the close if handlers do not finish within the configured
// timeout.
func (dm *DisconnectManager) GracefulDisconnect(ctx context.Context, conn *Connection, reason DisconnectReason) error {
	event := DisconnectEvent{Reason: reason, At: time.Now()}

	timeoutCtx, cancel := context.WithTimeout(ctx, dm.gracefulTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := dm.HandleDisconnect(conn, event); err != nil {
			done <- err
			return
		}
		done <- conn.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		_ = conn.Close()
		return ErrGracefulShutdownTimeout
	}
}

// GracefulShutdown disconnects every connection in a Pool with reason
// DisconnectServerShuttingDown, bounded by an overall timeout.
type GracefulShutdown struct {
	pool    *Pool
	dm      *DisconnectManager
	timeout time.Duration

	mu       sync.Mutex
	shutdown bool
}

// NewGracefulShutdown builds a shutdown coordinator (defaults to 30s).
func NewGracefulShutdown(pool *Pool, dm *DisconnectManager, timeout time.Duration) *GracefulShutdown {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{pool: pool, dm: dm, timeout: timeout}
}

// Shutdown disconnects every pooled connection, waiting up to its
// configured timeout. Idempotent: a second call is a no-op.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	if gs.shutdown {
		gs.mu.Unlock()
		return nil
	}
	gs.shutdown = true
	gs.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	gs.pool.ForEach(func(conn *Connection) bool {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := gs.dm.GracefulDisconnect(timeoutCtx, c, DisconnectServerShuttingDown); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(conn)
		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case err := <-errCh:
		return err
	case <-timeoutCtx.Done():
		return ErrGracefulShutdownTimeout
	}
}

// IsShutdown reports whether Shutdown has already run.
func (gs *GracefulShutdown) IsShutdown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.shutdown
}
