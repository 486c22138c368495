// Package app wires the canary's components together and manages their
// lifecycle as one process.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rootcanary/rootcanary/internal/alert"
	"github.com/rootcanary/rootcanary/internal/archive"
	"github.com/rootcanary/rootcanary/internal/canary"
	"github.com/rootcanary/rootcanary/internal/catalog"
	"github.com/rootcanary/rootcanary/internal/config"
	"github.com/rootcanary/rootcanary/internal/events"
	"github.com/rootcanary/rootcanary/internal/observability"
	"github.com/rootcanary/rootcanary/internal/resolver"
	"github.com/rootcanary/rootcanary/internal/sampler"
	"github.com/rootcanary/rootcanary/internal/server"
	"github.com/rootcanary/rootcanary/internal/store"
	"github.com/rootcanary/rootcanary/internal/validator"
)

// grpcServiceName is the per-service identity reported through the standard
// gRPC health protocol.
const grpcServiceName = "rootcanary.Canary"

// App composes the check daemon with its listeners: HTTP health, Prometheus
// metrics, and the standard gRPC health service.
type App struct {
	cfg *config.Config

	daemon    *canary.Daemon
	lifecycle *server.Lifecycle

	grpcServer *grpc.Server
	grpcHealth *health.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and creates the application.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:       cfg,
		lifecycle: server.NewLifecycle(server.LifecycleConfig{}),
	}, nil
}

// Start builds every component and starts the daemon and listeners.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	daemon, err := BuildDaemon(ctx, a.cfg)
	if err != nil {
		a.cleanup()
		return err
	}
	a.daemon = daemon

	if a.cfg.Server.HealthAddr != "" {
		a.startHealthListener()
	}
	if a.cfg.Server.MetricsAddr != "" {
		a.startMetricsListener()
	}
	if a.cfg.Server.GRPCHealthAddr != "" {
		if err := a.startGRPCHealth(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start gRPC health service: %w", err)
		}
	}

	// The daemon goes last so its Stop is the first closer to run
	if err := a.daemon.Start(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start canary daemon: %w", err)
	}
	a.lifecycle.DeferFunc(a.daemon.Stop)

	if a.cfg.Canary.IterationBudget > 0 {
		// A finite budget means the loop exits on its own; bring the
		// listeners down with it
		go func() {
			a.daemon.Wait()
			a.lifecycle.Stop(context.Background(), "iteration budget exhausted")
		}()
	}

	log.Printf("rootcanary started: datastack=%s run=%s interval=%s",
		a.cfg.Datastack, a.daemon.RunID(), a.cfg.Canary.CheckInterval)
	return nil
}

// BuildDaemon constructs a fully wired check daemon without starting it. The
// one-shot CLI uses this directly; the long-running app starts the result.
func BuildDaemon(ctx context.Context, cfg *config.Config) (*canary.Daemon, error) {
	runID := uuid.NewString()
	svc := resolver.NewHTTPClient(cfg.Resolver, cfg.Datastack)

	archiver, err := buildArchiver(ctx, cfg, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}

	return canary.NewDaemon(cfg.Canary, canary.Deps{
		Pinner:     resolver.NewPinner(svc, cfg.Store.Driver, cfg.Store.ConnectionBase, cfg.Datastack),
		Catalog:    catalog.New(svc),
		Opener:     store.NewSQLOpener(),
		Sampler:    sampler.New(cfg.Canary, cfg.Store),
		Validator:  validator.New(svc, cfg.Canary),
		Dispatcher: alert.New(cfg.Notify),
		Archiver:   archiver,
		RunID:      runID,
	}), nil
}

// buildArchiver constructs report storage per config, or nil when archival is
// disabled.
func buildArchiver(ctx context.Context, cfg *config.Config, runID string) (*archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}

	var (
		storage archive.ObjectStorage
		err     error
	)
	switch cfg.Archive.Backend {
	case "s3":
		storage, err = archive.NewS3Storage(ctx, cfg.Archive.Bucket, archive.S3Config{
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
	default:
		storage, err = archive.NewLocalStorage(cfg.Archive.Bucket)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("report archive initialized: backend=%s bucket=%s prefix=%s",
		cfg.Archive.Backend, cfg.Archive.Bucket, cfg.Archive.Prefix)
	return archive.NewArchiver(storage, cfg.Archive.Prefix, runID), nil
}

// startHealthListener serves /healthz and the manual /trigger endpoint.
func (a *App) startHealthListener() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.healthHandler())
	mux.HandleFunc("/trigger", a.triggerHandler())

	middleware := server.Chain(
		server.DrainMiddleware(a.lifecycle),
		server.RecoveryMiddleware,
		server.RequestIDMiddleware,
	)
	srv := &http.Server{
		Addr:         a.cfg.Server.HealthAddr,
		Handler:      middleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	listener := server.NewHTTPListener("health", srv, a.lifecycle)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := listener.Serve(); err != nil {
			log.Printf("health listener error: %v", err)
		}
	}()
}

// startMetricsListener serves the Prometheus registry.
func (a *App) startMetricsListener() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.daemon.Metrics().Handler())

	srv := &http.Server{
		Addr:         a.cfg.Server.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	listener := server.NewHTTPListener("metrics", srv, a.lifecycle)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := listener.Serve(); err != nil {
			log.Printf("metrics listener error: %v", err)
		}
	}()
}

// startGRPCHealth serves the standard grpc.health.v1 protocol and mirrors the
// daemon's state into it: Recovering reports NOT_SERVING for the canary
// service while the process-level check stays SERVING.
func (a *App) startGRPCHealth(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.Server.GRPCHealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCHealthAddr, err)
	}

	a.grpcServer = grpc.NewServer()
	a.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(a.grpcServer, a.grpcHealth)
	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.grpcHealth.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)

	a.lifecycle.DeferFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("server: grpc health listening on %s", a.cfg.Server.GRPCHealthAddr)
		if err := a.grpcServer.Serve(lis); err != nil {
			log.Printf("grpc health server error: %v", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchState(ctx)
	}()
	return nil
}

// staleGrace pads the liveness bound so one slow iteration does not flap the
// reported status.
const staleGrace = 30 * time.Second

// watchState mirrors daemon liveness into the gRPC health service. The canary
// service reports NOT_SERVING while the daemon is recovering, or when no
// iteration has completed within twice the check interval plus a grace
// period; the process-level check stays SERVING either way.
func (a *App) watchState(ctx context.Context) {
	// The subscription stays registered for the process lifetime; the daemon
	// may still publish during shutdown and closing the channel under it
	// would race.
	sub := a.daemon.Bus().Subscribe("grpc_health", nil)

	bound := 2*a.cfg.Canary.CheckInterval + staleGrace
	ticker := time.NewTicker(bound / 4)
	defer ticker.Stop()

	started := time.Now()
	current := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch:
			if ev.Type != events.StateChanged {
				continue
			}
		case <-ticker.C:
		}

		status := healthpb.HealthCheckResponse_SERVING
		if a.daemon.State() == canary.StateRecovering {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		} else {
			lastAt := started
			if last, ok := a.daemon.LastSummary(); ok {
				lastAt = last.CompletedAt
			}
			if time.Since(lastAt) > bound {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		if status != current {
			a.grpcHealth.SetServingStatus(grpcServiceName, status)
			current = status
		}
	}
}

// healthPayload is the /healthz response body.
type healthPayload struct {
	Status    string                    `json:"status"`
	State     string                    `json:"state"`
	RunID     string                    `json:"run_id"`
	Datastack string                    `json:"datastack"`
	Version   int                       `json:"version,omitempty"`
	Last      *canary.IterationSummary  `json:"last_iteration,omitempty"`
	Offenders []observability.TableStats `json:"top_offenders,omitempty"`
}

// healthHandler reports loop state, the pinned version, the last iteration,
// and the worst offending tables.
func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := healthPayload{
			Status:    "healthy",
			State:     a.daemon.State().String(),
			RunID:     a.daemon.RunID(),
			Datastack: a.cfg.Datastack,
		}
		if snap := a.daemon.Snapshot(); snap != nil {
			p.Version = snap.Version.Number
		}
		if last, ok := a.daemon.LastSummary(); ok {
			p.Last = &last
		}
		p.Offenders = a.daemon.Stats().TopOffenders(5)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p); err != nil {
			log.Printf("healthz encode error: %v", err)
		}
	}
}

// triggerHandler starts one out-of-schedule iteration.
func (a *App) triggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		log.Printf("manual check iteration triggered")
		go a.daemon.RunOnce(context.Background())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted","message":"check iteration triggered"}`))
	}
}

// WaitForShutdown blocks until a signal or context cancellation, then runs
// the shutdown sequence.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.lifecycle.WaitForSignal(ctx)
}

// Stop shuts everything down and waits for the listeners to exit.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.lifecycle.Stop(ctx, "stop requested")
	a.cleanup()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("shutdown timeout, some listeners may not have exited")
	}

	log.Printf("rootcanary stopped")
	return err
}

// Daemon exposes the check daemon, for one-shot runs.
func (a *App) Daemon() *canary.Daemon {
	return a.daemon
}

func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
}
