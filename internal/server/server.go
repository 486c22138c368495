// Package server manages the process lifecycle: signal handling, graceful
// listener shutdown, and ordered resource cleanup.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Lifecycle coordinates shutdown across the daemon and its listeners. Stop
// runs exactly once: callbacks fire, in-flight requests drain, and registered
// resources close in reverse registration order.
type Lifecycle struct {
	stopTimeout  time.Duration
	drainTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	inFlight int64
	stopping int32

	mu       sync.Mutex
	closers  []io.Closer
	preStop  []func()
	postStop []func()
}

// LifecycleConfig bounds how long shutdown may take.
type LifecycleConfig struct {
	// StopTimeout caps the whole shutdown sequence
	StopTimeout time.Duration

	// DrainTimeout caps the wait for in-flight HTTP requests
	DrainTimeout time.Duration
}

// NewLifecycle creates a lifecycle coordinator. Zero timeouts get defaults of
// 30s for the full stop and 10s for the request drain.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Lifecycle{
		stopTimeout:  cfg.StopTimeout,
		drainTimeout: cfg.DrainTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Defer registers a resource closed during Stop. Closers run in reverse
// registration order, so registration order mirrors construction order.
func (l *Lifecycle) Defer(closer io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, closer)
}

// DeferFunc registers a cleanup function closed during Stop.
func (l *Lifecycle) DeferFunc(fn func() error) {
	l.Defer(closerFunc(fn))
}

// BeforeStop registers a callback that fires when shutdown begins, before any
// draining or closing.
func (l *Lifecycle) BeforeStop(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.preStop = append(l.preStop, fn)
}

// AfterStop registers a callback that fires when shutdown completes.
func (l *Lifecycle) AfterStop(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.postStop = append(l.postStop, fn)
}

// WaitForSignal blocks until SIGTERM, SIGINT, context cancellation, or a Stop
// from elsewhere, then runs the shutdown sequence.
func (l *Lifecycle) WaitForSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return l.Stop(ctx, fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return l.Stop(ctx, "context cancelled")
	case <-l.stopCh:
		return nil
	}
}

// Stop runs the shutdown sequence once: pre-stop callbacks, request drain,
// closers in reverse order, post-stop callbacks. Later calls return nil
// immediately.
func (l *Lifecycle) Stop(ctx context.Context, reason string) error {
	var stopErr error

	l.stopOnce.Do(func() {
		log.Printf("server: shutting down: %s", reason)
		atomic.StoreInt32(&l.stopping, 1)
		close(l.stopCh)

		l.mu.Lock()
		preStop := l.preStop
		closers := l.closers
		postStop := l.postStop
		l.mu.Unlock()

		for _, fn := range preStop {
			fn()
		}

		stopCtx, cancel := context.WithTimeout(ctx, l.stopTimeout)
		defer cancel()

		if err := l.drain(stopCtx); err != nil {
			stopErr = fmt.Errorf("drain failed: %w", err)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && stopErr == nil {
				stopErr = fmt.Errorf("close failed: %w", err)
			}
		}

		for _, fn := range postStop {
			fn()
		}
		log.Printf("server: shutdown complete")
	})

	return stopErr
}

// drain waits for in-flight HTTP requests to finish, up to the drain timeout.
func (l *Lifecycle) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, l.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&l.inFlight) == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			if remaining := atomic.LoadInt64(&l.inFlight); remaining > 0 {
				return fmt.Errorf("timed out with %d requests in flight", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Stopping reports whether shutdown has begun.
func (l *Lifecycle) Stopping() bool {
	return atomic.LoadInt32(&l.stopping) == 1
}

// StopCh is closed when shutdown begins.
func (l *Lifecycle) StopCh() <-chan struct{} {
	return l.stopCh
}

// track admits one request unless shutdown has begun.
func (l *Lifecycle) track() bool {
	if l.Stopping() {
		return false
	}
	atomic.AddInt64(&l.inFlight, 1)
	return true
}

func (l *Lifecycle) untrack() {
	atomic.AddInt64(&l.inFlight, -1)
}

// InFlight returns the number of requests currently being served.
func (l *Lifecycle) InFlight() int64 {
	return atomic.LoadInt64(&l.inFlight)
}

// DrainMiddleware tracks in-flight requests and rejects new ones once
// shutdown has begun, so Stop can drain deterministically.
func DrainMiddleware(l *Lifecycle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.track() {
				w.Header().Set("Connection", "close")
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
			defer l.untrack()
			next.ServeHTTP(w, r)
		})
	}
}

// HTTPListener runs one http.Server under lifecycle control. Serve blocks
// until the listener fails or shutdown closes it.
type HTTPListener struct {
	name string
	srv  *http.Server
	lc   *Lifecycle
}

// NewHTTPListener wraps an http.Server. The name labels log lines only.
func NewHTTPListener(name string, srv *http.Server, lc *Lifecycle) *HTTPListener {
	return &HTTPListener{name: name, srv: srv, lc: lc}
}

// Serve starts the listener and registers it for graceful shutdown.
func (hl *HTTPListener) Serve() error {
	hl.lc.DeferFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hl.srv.Shutdown(ctx)
	})

	log.Printf("server: %s listening on %s", hl.name, hl.srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := hl.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-hl.lc.StopCh():
		// The lifecycle closer shuts the server down; wait for it
		return <-errCh
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
