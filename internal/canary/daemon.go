// Package canary runs the continuous consistency check loop: pin a
// materialization version, enumerate tables, sample each one, cross-validate
// stored root ids against the resolver, and alert on divergence.
package canary

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rootcanary/rootcanary/internal/alert"
	"github.com/rootcanary/rootcanary/internal/archive"
	"github.com/rootcanary/rootcanary/internal/catalog"
	"github.com/rootcanary/rootcanary/internal/config"
	canaryerrors "github.com/rootcanary/rootcanary/internal/errors"
	"github.com/rootcanary/rootcanary/internal/events"
	"github.com/rootcanary/rootcanary/internal/metrics"
	"github.com/rootcanary/rootcanary/internal/observability"
	"github.com/rootcanary/rootcanary/internal/resolver"
	"github.com/rootcanary/rootcanary/internal/sampler"
	"github.com/rootcanary/rootcanary/internal/store"
	"github.com/rootcanary/rootcanary/internal/validator"
	"github.com/rootcanary/rootcanary/pkg/drift"
)

// State is the loop's lifecycle phase. Recovering is the single retry
// mechanism: every iteration-scoped fault funnels into it, and the next
// iteration re-pins before checking anything.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	default:
		return "idle"
	}
}

// TableResult carries one table's check outcome across the fan-out boundary.
type TableResult struct {
	Table    string
	Outcome  *validator.Outcome
	Duration time.Duration
	Err      error
}

// IterationSummary is the record of one completed or aborted iteration,
// surfaced through the health endpoint. Findings counts offending tables;
// MismatchRows counts rows across them.
type IterationSummary struct {
	Iteration    uint64        `json:"iteration"`
	Version      int           `json:"version"`
	Tables       int           `json:"tables"`
	Skipped      int           `json:"skipped"`
	Findings     int           `json:"findings"`
	MismatchRows int           `json:"mismatch_rows"`
	TableFaults  int           `json:"table_faults"`
	Fault        string        `json:"fault,omitempty"`
	Duration     time.Duration `json:"duration"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Deps are the collaborators the daemon composes. Archiver is optional; Bus,
// Stats, Metrics, and RunID get inert defaults when unset.
type Deps struct {
	Pinner     *resolver.Pinner
	Catalog    *catalog.Catalog
	Opener     store.Opener
	Sampler    *sampler.Sampler
	Validator  *validator.Validator
	Dispatcher alert.Dispatcher
	Archiver   *archive.Archiver
	Bus        *events.Bus
	Stats      *observability.CheckStats
	Metrics    *metrics.Metrics
	RunID      string
}

// Daemon manages the background check loop.
type Daemon struct {
	cfg  config.CanaryConfig
	deps Deps

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	state     State
	snapshot  *resolver.Snapshot
	iteration uint64
	last      *IterationSummary
}

// NewDaemon creates a new check daemon.
func NewDaemon(cfg config.CanaryConfig, deps Deps) *Daemon {
	if deps.Bus == nil {
		deps.Bus = events.NewBus(64)
	}
	if deps.Stats == nil {
		deps.Stats = observability.NewCheckStats(24 * time.Hour)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	return &Daemon{
		cfg:  cfg,
		deps: deps,
	}
}

// Start begins the check loop. It runs until the context is cancelled, the
// iteration budget is exhausted, or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("canary: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the daemon and waits for the loop to exit.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// Wait blocks until the loop exits on its own, which only happens with a
// finite iteration budget or a cancelled parent context.
func (d *Daemon) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run is the main check loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)
	defer d.setState(StateIdle)

	// First iteration runs immediately on start
	iterations := d.runOnce(ctx)
	if d.budgetExhausted(iterations) {
		return
	}

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iterations = d.runOnce(ctx)
			if d.budgetExhausted(iterations) {
				return
			}
		}
	}
}

func (d *Daemon) budgetExhausted(iterations uint64) bool {
	return d.cfg.IterationBudget > 0 && iterations >= uint64(d.cfg.IterationBudget)
}

// RunOnce performs a single check iteration outside the loop, for one-shot
// verification runs. Returns the iteration's summary.
func (d *Daemon) RunOnce(ctx context.Context) IterationSummary {
	d.runOnce(ctx)
	last, _ := d.LastSummary()
	return last
}

// runOnce performs one full iteration: pin (or re-pin after a fault), list
// tables, fan out the checks, and convert findings into alerts. Returns the
// iteration counter.
func (d *Daemon) runOnce(ctx context.Context) uint64 {
	if ctx.Err() != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.iteration
	}

	start := time.Now()
	iter := d.nextIteration()
	d.publish(events.Event{Type: events.IterationStarted, Iteration: iter})

	snap, err := d.ensureSnapshot(ctx)
	if err != nil {
		d.abortIteration(ctx, iter, start, "pinning materialization version", err)
		return iter
	}
	d.setState(StateRunning)
	d.deps.Metrics.SetPinnedVersion(snap.Version.Number)

	tables, err := d.deps.Catalog.List(ctx, snap)
	if err != nil {
		d.abortIteration(ctx, iter, start, "listing tables", err)
		return iter
	}

	summary := IterationSummary{Iteration: iter, Version: snap.Version.Number}

	tasks := make([]tableTask, 0, len(tables))
	for _, t := range tables {
		physical, ok := catalog.EffectiveName(t, snap)
		if !ok {
			summary.Skipped++
			continue
		}
		tasks = append(tasks, tableTask{logical: t.Name, physical: physical})
	}
	summary.Tables = len(tasks)

	if len(tasks) > 0 {
		conn, err := d.deps.Opener.Open(ctx, snap.Target)
		if err != nil {
			d.abortIteration(ctx, iter, start, "connecting to annotation store",
				canaryerrors.NewVersionError(canaryerrors.CodeConnectFailed, "failed to open annotation store", err))
			return iter
		}

		for res := range d.checkTables(ctx, conn, snap, tasks) {
			d.handleResult(ctx, iter, snap, res, &summary)
		}
		conn.Close()
	}

	summary.Duration = time.Since(start)
	summary.CompletedAt = time.Now()
	d.finishIteration(summary)
	d.setState(StateIdle)
	return iter
}

type tableTask struct {
	logical  string
	physical string
}

// checkTables fans the iteration's tables out across a bounded worker set.
// Every task lands on the result channel exactly once; the channel closes
// when all checks finish.
func (d *Daemon) checkTables(ctx context.Context, conn store.Conn, snap *resolver.Snapshot, tasks []tableTask) <-chan TableResult {
	results := make(chan TableResult, len(tasks))
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.concurrency())

	for _, task := range tasks {
		wg.Add(1)
		go func(task tableTask) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- TableResult{Table: task.logical, Err: ctx.Err()}
				return
			}

			start := time.Now()
			outcome, err := d.checkTable(ctx, conn, task, snap)
			results <- TableResult{
				Table:    task.logical,
				Outcome:  outcome,
				Duration: time.Since(start),
				Err:      err,
			}
		}(task)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (d *Daemon) concurrency() int {
	if d.cfg.TableConcurrency < 1 {
		return 1
	}
	return d.cfg.TableConcurrency
}

// checkTable samples one physical table and validates the sample at the
// snapshot timestamp. Reports carry the logical name.
func (d *Daemon) checkTable(ctx context.Context, conn store.Conn, task tableTask, snap *resolver.Snapshot) (*validator.Outcome, error) {
	rows, err := d.deps.Sampler.Sample(ctx, conn, task.physical)
	if err != nil {
		return nil, err
	}
	return d.deps.Validator.Validate(ctx, rows, task.logical, snap.Version.Timestamp), nil
}

// handleResult converts one table's result into alerts, stats, and events.
func (d *Daemon) handleResult(ctx context.Context, iter uint64, snap *resolver.Snapshot, res TableResult, summary *IterationSummary) {
	if res.Err != nil {
		if ctx.Err() != nil {
			// Shutdown in flight; don't alert on our own cancellation
			return
		}
		// Sampling faults are table-scoped: alert and continue with the
		// other tables
		log.Printf("canary: iteration %d: table %s: %v", iter, res.Table, res.Err)
		d.deps.Stats.RecordError(res.Table, res.Err)
		d.deps.Dispatcher.NotifyError(ctx, fmt.Sprintf("table %s", res.Table), res.Err)
		d.deps.Metrics.RecordAlert("error")
		summary.TableFaults++
		d.publish(events.Event{
			Type:      events.TableChecked,
			Table:     res.Table,
			Iteration: iter,
			Version:   snap.Version.Number,
			Err:       res.Err.Error(),
		})
		return
	}

	outcome := res.Outcome
	d.deps.Stats.RecordCheck(res.Table, len(outcome.Mismatches), len(outcome.PairErrors), res.Duration)
	d.deps.Metrics.RecordCheck(res.Table, len(outcome.Mismatches), res.Duration.Seconds())
	d.publish(events.Event{
		Type:       events.TableChecked,
		Table:      res.Table,
		Iteration:  iter,
		Version:    snap.Version.Number,
		Mismatches: len(outcome.Mismatches),
		PairErrors: len(outcome.PairErrors),
	})

	if outcome.Clean() {
		return
	}

	summary.Findings++
	summary.MismatchRows += len(outcome.Mismatches)

	report := d.buildReport(iter, snap, outcome)
	d.deps.Dispatcher.NotifyMismatch(ctx, report)
	d.deps.Metrics.RecordAlert("drift")
	if d.deps.Archiver != nil {
		d.deps.Archiver.Archive(ctx, report)
	}
	d.publish(events.Event{
		Type:       events.DriftDetected,
		Table:      res.Table,
		Iteration:  iter,
		Version:    snap.Version.Number,
		Mismatches: len(outcome.Mismatches),
		PairErrors: len(outcome.PairErrors),
	})
}

// buildReport converts one non-clean outcome into its report. Exactly one
// report exists per offending (table, iteration); nothing accumulates across
// iterations.
func (d *Daemon) buildReport(iter uint64, snap *resolver.Snapshot, outcome *validator.Outcome) *drift.Report {
	return &drift.Report{
		RunID:       d.deps.RunID,
		Iteration:   iter,
		Table:       outcome.Table,
		Version:     snap.Version.Number,
		Timestamp:   snap.Version.Timestamp,
		GeneratedAt: time.Now().UTC(),
		Fingerprint: drift.Fingerprint(outcome.Table, outcome.Mismatches),
		Mismatches:  outcome.Mismatches,
		PairErrors:  outcome.PairErrors,
	}
}

// abortIteration handles an iteration-scoped fault: one error alert, the
// Recovering transition, and a summary recording the abort. The loop itself
// never stops; the next tick re-pins and tries again.
func (d *Daemon) abortIteration(ctx context.Context, iter uint64, start time.Time, scope string, err error) {
	log.Printf("canary: iteration %d: %s: %v", iter, scope, err)
	d.deps.Dispatcher.NotifyError(ctx, fmt.Sprintf("iteration %d: %s", iter, scope), err)
	d.deps.Metrics.RecordAlert("error")
	d.setState(StateRecovering)

	summary := IterationSummary{
		Iteration:   iter,
		Fault:       fmt.Sprintf("%s: %v", scope, err),
		Duration:    time.Since(start),
		CompletedAt: time.Now(),
	}
	if snap := d.Snapshot(); snap != nil {
		summary.Version = snap.Version.Number
	}
	d.finishIteration(summary)
}

// finishIteration records the summary and emits the iteration-level signals.
func (d *Daemon) finishIteration(summary IterationSummary) {
	d.mu.Lock()
	d.last = &summary
	d.mu.Unlock()

	result := "clean"
	switch {
	case summary.Fault != "":
		result = "fault"
	case summary.Findings > 0:
		result = "drift"
	case summary.TableFaults > 0:
		result = "fault"
	}
	d.deps.Metrics.RecordIteration(result)
	d.deps.Stats.Prune()

	d.publish(events.Event{
		Type:       events.IterationCompleted,
		Iteration:  summary.Iteration,
		Version:    summary.Version,
		Mismatches: summary.MismatchRows,
		Err:        summary.Fault,
	})
	log.Printf("canary: iteration %d complete: %d tables checked, %d with findings, %d faults (%s)",
		summary.Iteration, summary.Tables, summary.Findings, summary.TableFaults, result)
}

// ensureSnapshot returns the pinned snapshot, pinning on the first iteration
// and re-pinning after every Recovering transition. A healthy loop keeps one
// snapshot across iterations; mid-run version bumps only take effect through
// recovery.
func (d *Daemon) ensureSnapshot(ctx context.Context) (*resolver.Snapshot, error) {
	d.mu.Lock()
	snap := d.snapshot
	state := d.state
	d.mu.Unlock()

	if snap != nil && state != StateRecovering {
		return snap, nil
	}

	fresh, err := d.deps.Pinner.Pin(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.snapshot = fresh
	d.mu.Unlock()

	log.Printf("canary: pinned materialization version %d (timestamp %s, merged=%v)",
		fresh.Version.Number, fresh.Version.Timestamp.Format(time.RFC3339), fresh.Version.IsMerged)
	return fresh, nil
}

func (d *Daemon) setState(next State) {
	d.mu.Lock()
	prev := d.state
	d.state = next
	d.mu.Unlock()

	if prev == next {
		return
	}
	d.deps.Metrics.SetState(float64(next))
	d.publish(events.Event{Type: events.StateChanged, State: next.String()})
}

func (d *Daemon) publish(ev events.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	d.deps.Bus.Publish(ev)
}

func (d *Daemon) nextIteration() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.iteration++
	return d.iteration
}

// State returns the loop's current lifecycle phase.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns the currently pinned snapshot, or nil before the first
// successful pin.
func (d *Daemon) Snapshot() *resolver.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

// LastSummary returns the most recent iteration summary.
func (d *Daemon) LastSummary() (IterationSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return IterationSummary{}, false
	}
	return *d.last, true
}

// RunID identifies this canary process run.
func (d *Daemon) RunID() string {
	return d.deps.RunID
}

// Bus exposes the event bus for subscribers.
func (d *Daemon) Bus() *events.Bus {
	return d.deps.Bus
}

// Stats exposes the per-table check statistics.
func (d *Daemon) Stats() *observability.CheckStats {
	return d.deps.Stats
}

// Metrics exposes the Prometheus collectors.
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.deps.Metrics
}
