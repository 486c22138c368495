package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestStopRunsClosersInReverseOrder(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "daemon", "listener"} {
		name := name
		lc.DeferFunc(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	if err := lc.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	want := []string{"listener", "daemon", "store"}
	if len(order) != len(want) {
		t.Fatalf("expected %d closers, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("closer %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestStopRunsOnce(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{})

	closes := 0
	lc.DeferFunc(func() error {
		closes++
		return nil
	})

	if err := lc.Stop(context.Background(), "first"); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := lc.Stop(context.Background(), "second"); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
	if closes != 1 {
		t.Errorf("expected one close, got %d", closes)
	}
}

func TestCallbacksFireAroundStop(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{})

	var before, after bool
	lc.BeforeStop(func() { before = true })
	lc.AfterStop(func() { after = true })

	if err := lc.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !before || !after {
		t.Errorf("expected both callbacks, got before=%v after=%v", before, after)
	}
}

func TestDrainMiddlewareRejectsDuringShutdown(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{})
	handler := DrainMiddleware(lc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 before shutdown, got %d", rec.Code)
	}

	if err := lc.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 during shutdown, got %d", rec.Code)
	}
}

func TestStopDrainsInFlightRequests(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{StopTimeout: 2 * time.Second, DrainTimeout: time.Second})

	release := make(chan struct{})
	handler := DrainMiddleware(lc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	started := make(chan struct{})
	served := make(chan struct{})
	go func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		close(started)
		handler.ServeHTTP(rec, req)
		close(served)
	}()

	<-started
	for lc.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	if err := lc.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	<-served
	if lc.InFlight() != 0 {
		t.Errorf("expected zero in-flight after drain, got %d", lc.InFlight())
	}
}

func TestWaitForSignalReturnsOnStop(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{})

	done := make(chan error, 1)
	go func() {
		done <- lc.WaitForSignal(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	if err := lc.Stop(context.Background(), "test"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil from WaitForSignal after external stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal did not return")
	}
}

func TestRequestIDMiddlewareHonorsCallerID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "req-123" {
		t.Errorf("expected caller id propagated, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected id echoed in response, got %q", got)
	}
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestRecoveryMiddlewareCatchesPanic(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", rec.Code)
	}
}

func TestChainOrdersOutsideIn(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mk("outer"), mk("inner"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"outer", "inner", "handler"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestWaitForSignalStopsOnContextCancel(t *testing.T) {
	lc := NewLifecycle(LifecycleConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lc.WaitForSignal(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal did not return on context cancel")
	}
	if !lc.Stopping() {
		t.Error("expected lifecycle to be stopping after context cancel")
	}
}
