package canary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rootcanary/rootcanary/internal/archive"
	"github.com/rootcanary/rootcanary/internal/catalog"
	"github.com/rootcanary/rootcanary/internal/config"
	"github.com/rootcanary/rootcanary/internal/events"
	"github.com/rootcanary/rootcanary/internal/resolver"
	"github.com/rootcanary/rootcanary/internal/sampler"
	"github.com/rootcanary/rootcanary/internal/store"
	"github.com/rootcanary/rootcanary/internal/validator"
	"github.com/rootcanary/rootcanary/pkg/drift"
)

// fakeService is a scriptable in-memory resolver service.
type fakeService struct {
	mu                sync.Mutex
	versions          []int
	merged            bool
	timestamp         time.Time
	segCols           map[string]bool
	order             []string
	roots             map[uint64]uint64
	listTableFailures int
	versionCalls      int
	resolveCalls      int
}

func (s *fakeService) ListVersions(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionCalls++
	return append([]int(nil), s.versions...), nil
}

func (s *fakeService) VersionMetadata(ctx context.Context, version int) (resolver.VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolver.VersionInfo{Number: version, IsMerged: s.merged, Timestamp: s.timestamp}, nil
}

func (s *fakeService) DatastackInfo(ctx context.Context) (resolver.DatastackInfo, error) {
	return resolver.DatastackInfo{
		SegmentationSource: "graphene://https://cave.example.org/segmentation/table/seg2",
	}, nil
}

func (s *fakeService) ListTables(ctx context.Context, version int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listTableFailures > 0 {
		s.listTableFailures--
		return nil, fmt.Errorf("list tables: connection reset by peer")
	}
	return append([]string(nil), s.order...), nil
}

func (s *fakeService) TableMetadata(ctx context.Context, version int, table string) (resolver.TableInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolver.TableInfo{Name: table, HasSegmentationColumns: s.segCols[table]}, nil
}

func (s *fakeService) BatchResolve(ctx context.Context, ids []uint64, at time.Time) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls++
	out := make([]uint64, len(ids))
	for i, id := range ids {
		if root, ok := s.roots[id]; ok {
			out[i] = root
		} else {
			out[i] = id
		}
	}
	return out, nil
}

func (s *fakeService) totalVersionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionCalls
}

func (s *fakeService) totalResolveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveCalls
}

// fakeConn serves canned rows per physical table name.
type fakeConn struct {
	mu      sync.Mutex
	tables  map[string]*store.Rows
	fail    map[string]error
	sampled []string
	closes  int
}

func (c *fakeConn) lookup(table string) (*store.Rows, error) {
	if err := c.fail[table]; err != nil {
		return nil, err
	}
	rows, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}
	return rows, nil
}

func (c *fakeConn) CountRows(ctx context.Context, table string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.lookup(table)
	if err != nil {
		return 0, err
	}
	return int64(len(rows.Records)), nil
}

func (c *fakeConn) EstimateRows(ctx context.Context, table string) (int64, error) {
	return c.CountRows(ctx, table)
}

func (c *fakeConn) ReadRange(ctx context.Context, table string, offset, limit int64) (*store.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.lookup(table)
	if err != nil {
		return nil, err
	}
	c.sampled = append(c.sampled, table)
	if offset >= int64(len(rows.Records)) {
		return &store.Rows{Columns: rows.Columns}, nil
	}
	end := offset + limit
	if end > int64(len(rows.Records)) {
		end = int64(len(rows.Records))
	}
	return &store.Rows{Columns: rows.Columns, Records: rows.Records[offset:end]}, nil
}

func (c *fakeConn) ReadIDRange(ctx context.Context, table string, lo, hi int64) (*store.Rows, error) {
	// Tests keep row counts below the id-range threshold
	return c.ReadRange(ctx, table, 0, hi-lo)
}

func (c *fakeConn) SampleNative(ctx context.Context, table string, percent float64, limit int64) (*store.Rows, error) {
	return c.ReadRange(ctx, table, 0, limit)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) sampledTables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sampled...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeOpener hands out one shared connection, optionally failing first.
type fakeOpener struct {
	mu       sync.Mutex
	conn     *fakeConn
	failures int
	opens    int
	targets  []store.ConnectionTarget
}

func (o *fakeOpener) Open(ctx context.Context, target store.ConnectionTarget) (store.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures > 0 {
		o.failures--
		return nil, fmt.Errorf("connect %s: connection refused", target.Database)
	}
	o.opens++
	o.targets = append(o.targets, target)
	return o.conn, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) lastTarget() store.ConnectionTarget {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.targets) == 0 {
		return store.ConnectionTarget{}
	}
	return o.targets[len(o.targets)-1]
}

// recordingDispatcher captures alert traffic for assertions.
type recordingDispatcher struct {
	mu      sync.Mutex
	reports []*drift.Report
	faults  []string
}

func (r *recordingDispatcher) NotifyMismatch(ctx context.Context, report *drift.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingDispatcher) NotifyError(ctx context.Context, scope string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, fmt.Sprintf("%s: %v", scope, err))
}

func (r *recordingDispatcher) mismatchReports() []*drift.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*drift.Report(nil), r.reports...)
}

func (r *recordingDispatcher) faultAlerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.faults...)
}

func synapseRows() *store.Rows {
	return &store.Rows{
		Columns: []string{"id", "pre_supervoxel_id", "pre_root_id", "post_supervoxel_id", "post_root_id"},
		Records: [][]interface{}{
			{int64(7), int64(1), int64(11), int64(4), int64(44)},
		},
	}
}

func testConfig(budget int) config.CanaryConfig {
	return config.CanaryConfig{
		CheckInterval:    5 * time.Millisecond,
		SampleSize:       50,
		SamplingMode:     config.SamplingOffset,
		TableConcurrency: 4,
		IterationBudget:  budget,
		SupervoxelSuffix: "_supervoxel_id",
		RootSuffix:       "_root_id",
	}
}

type harness struct {
	svc        *fakeService
	conn       *fakeConn
	opener     *fakeOpener
	dispatcher *recordingDispatcher
	daemon     *Daemon
}

func newHarness(cfg config.CanaryConfig) *harness {
	svc := &fakeService{
		versions:  []int{117},
		merged:    true,
		timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		segCols:   map[string]bool{"synapses": true},
		order:     []string{"synapses"},
		roots:     map[uint64]uint64{1: 11, 4: 44},
	}
	conn := &fakeConn{
		tables: map[string]*store.Rows{"synapses": synapseRows()},
		fail:   map[string]error{},
	}
	opener := &fakeOpener{conn: conn}
	dispatcher := &recordingDispatcher{}

	storeCfg := config.StoreConfig{
		ConnectionBase:   "/var/lib/rootcanary",
		Driver:           "sqlite3",
		IDRangeThreshold: 1 << 30,
	}

	d := NewDaemon(cfg, Deps{
		Pinner:     resolver.NewPinner(svc, storeCfg.Driver, storeCfg.ConnectionBase, "minnie65"),
		Catalog:    catalog.New(svc),
		Opener:     opener,
		Sampler:    sampler.NewWithSeed(cfg, storeCfg, 1),
		Validator:  validator.New(svc, cfg),
		Dispatcher: dispatcher,
		RunID:      "run-test",
	})

	return &harness{svc: svc, conn: conn, opener: opener, dispatcher: dispatcher, daemon: d}
}

func waitForExit(t *testing.T, d *Daemon) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit within 5s")
	}
}

func drainEvents(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRunOnceCleanIteration(t *testing.T) {
	h := newHarness(testConfig(0))
	h.svc.segCols["nuclei"] = false
	h.svc.order = []string{"synapses", "nuclei"}
	h.conn.tables["nuclei"] = &store.Rows{
		Columns: []string{"id", "volume"},
		Records: [][]interface{}{{int64(1), int64(900)}},
	}

	summary := h.daemon.RunOnce(context.Background())

	if summary.Iteration != 1 {
		t.Errorf("expected iteration 1, got %d", summary.Iteration)
	}
	if summary.Version != 117 {
		t.Errorf("expected version 117, got %d", summary.Version)
	}
	if summary.Tables != 2 || summary.Skipped != 0 {
		t.Errorf("expected 2 tables checked, got %d checked %d skipped", summary.Tables, summary.Skipped)
	}
	if summary.Findings != 0 || summary.TableFaults != 0 || summary.Fault != "" {
		t.Errorf("expected clean iteration, got %+v", summary)
	}
	if got := h.dispatcher.mismatchReports(); len(got) != 0 {
		t.Errorf("expected no mismatch alerts, got %d", len(got))
	}
	if got := h.dispatcher.faultAlerts(); len(got) != 0 {
		t.Errorf("expected no error alerts, got %v", got)
	}
	if h.daemon.State() != StateIdle {
		t.Errorf("expected idle state between iterations, got %v", h.daemon.State())
	}
	if h.opener.openCount() != 1 {
		t.Errorf("expected one connection per iteration, got %d", h.opener.openCount())
	}
	if h.conn.closeCount() != 1 {
		t.Errorf("expected connection closed after iteration, got %d closes", h.conn.closeCount())
	}
}

func TestRunOnceDetectsDrift(t *testing.T) {
	h := newHarness(testConfig(0))
	h.svc.roots[4] = 99

	storage, err := archive.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	h.daemon.deps.Archiver = archive.NewArchiver(storage, "reports", "run-test")

	sub := h.daemon.Bus().Subscribe("sub_test", nil)
	summary := h.daemon.RunOnce(context.Background())

	reports := h.dispatcher.mismatchReports()
	if len(reports) != 1 {
		t.Fatalf("expected exactly one mismatch alert, got %d", len(reports))
	}
	report := reports[0]
	if report.Table != "synapses" {
		t.Errorf("expected report for synapses, got %s", report.Table)
	}
	if report.RunID != "run-test" || report.Iteration != 1 || report.Version != 117 {
		t.Errorf("unexpected report identity: %+v", report)
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("expected one mismatch, got %d", len(report.Mismatches))
	}
	m := report.Mismatches[0]
	if m.RowID != 7 || m.SupervoxelID != 4 || m.Stored != 44 || m.Resolved != 99 {
		t.Errorf("unexpected mismatch: %+v", m)
	}
	if m.RootColumn != "post_root_id" {
		t.Errorf("expected post_root_id column, got %s", m.RootColumn)
	}

	if summary.Findings != 1 || summary.MismatchRows != 1 {
		t.Errorf("expected 1 finding with 1 row, got %+v", summary)
	}
	if got := h.dispatcher.faultAlerts(); len(got) != 0 {
		t.Errorf("drift is not a fault: %v", got)
	}

	keys, err := storage.ListObjects(context.Background(), "reports")
	if err != nil {
		t.Fatalf("failed to list archived reports: %v", err)
	}
	if len(keys) != 1 || !strings.Contains(keys[0], "synapses") {
		t.Errorf("expected one archived synapses report, got %v", keys)
	}

	var sawDrift bool
	var states []string
	for _, ev := range drainEvents(sub.Ch) {
		if ev.Type == events.DriftDetected && ev.Table == "synapses" && ev.Mismatches == 1 {
			sawDrift = true
		}
		if ev.Type == events.StateChanged {
			states = append(states, ev.State)
		}
	}
	if !sawDrift {
		t.Error("expected a DriftDetected event for synapses")
	}
	if len(states) != 2 || states[0] != "running" || states[1] != "idle" {
		t.Errorf("expected running then idle transitions, got %v", states)
	}
}

func TestRunOnceTableFaultIsolated(t *testing.T) {
	h := newHarness(testConfig(0))
	h.svc.segCols["mitochondria"] = true
	h.svc.order = []string{"synapses", "mitochondria"}
	h.conn.fail["mitochondria"] = fmt.Errorf("relation %q does not exist", "mitochondria")

	summary := h.daemon.RunOnce(context.Background())

	if summary.Fault != "" {
		t.Fatalf("table fault must not abort the iteration: %s", summary.Fault)
	}
	if summary.TableFaults != 1 {
		t.Errorf("expected 1 table fault, got %d", summary.TableFaults)
	}
	if summary.Findings != 0 {
		t.Errorf("expected no findings, got %d", summary.Findings)
	}

	faults := h.dispatcher.faultAlerts()
	if len(faults) != 1 || !strings.Contains(faults[0], "mitochondria") {
		t.Errorf("expected one error alert naming mitochondria, got %v", faults)
	}

	// The healthy table was still checked
	if got := h.conn.sampledTables(); len(got) != 1 || got[0] != "synapses" {
		t.Errorf("expected synapses sampled despite sibling fault, got %v", got)
	}
	snap := h.daemon.Stats().Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected stats for both tables, got %d", len(snap))
	}
	if snap[0].Table != "mitochondria" || snap[0].LastError == "" {
		t.Errorf("expected mitochondria error recorded, got %+v", snap[0])
	}
	if snap[1].Table != "synapses" || snap[1].Checks != 1 {
		t.Errorf("expected synapses checked once, got %+v", snap[1])
	}
	if h.daemon.State() != StateIdle {
		t.Errorf("table faults must not trigger recovery, state %v", h.daemon.State())
	}
}

func TestRunOnceListFailureAbortsIteration(t *testing.T) {
	h := newHarness(testConfig(0))
	h.svc.listTableFailures = 1

	ctx := context.Background()
	summary := h.daemon.RunOnce(ctx)

	if !strings.Contains(summary.Fault, "listing tables") {
		t.Fatalf("expected a listing fault, got %q", summary.Fault)
	}
	if faults := h.dispatcher.faultAlerts(); len(faults) != 1 {
		t.Fatalf("expected exactly one error alert, got %v", faults)
	}
	if h.daemon.State() != StateRecovering {
		t.Errorf("expected state recovering, got %v", h.daemon.State())
	}
	if h.opener.openCount() != 0 {
		t.Errorf("aborted iteration must not open the store, got %d opens", h.opener.openCount())
	}

	// The next iteration re-pins and completes normally
	summary = h.daemon.RunOnce(ctx)
	if summary.Fault != "" || summary.Tables != 1 {
		t.Fatalf("expected a clean second iteration, got %+v", summary)
	}
	if h.daemon.State() != StateIdle {
		t.Errorf("expected idle state after recovery, got %v", h.daemon.State())
	}
	if calls := h.svc.totalVersionCalls(); calls != 2 {
		t.Errorf("expected a re-pin after recovery, got %d version listings", calls)
	}
}

func TestRunOnceConnectFailureAbortsIteration(t *testing.T) {
	h := newHarness(testConfig(0))
	h.opener.failures = 1

	ctx := context.Background()
	summary := h.daemon.RunOnce(ctx)

	if !strings.Contains(summary.Fault, "connecting to annotation store") {
		t.Fatalf("expected a connect fault, got %q", summary.Fault)
	}
	if h.daemon.State() != StateRecovering {
		t.Errorf("expected state recovering, got %v", h.daemon.State())
	}

	summary = h.daemon.RunOnce(ctx)
	if summary.Fault != "" {
		t.Fatalf("expected recovery on the second iteration, got %q", summary.Fault)
	}
	if h.opener.openCount() != 1 {
		t.Errorf("expected one successful open, got %d", h.opener.openCount())
	}
}

func TestRecoveringRepinsNewerVersion(t *testing.T) {
	h := newHarness(testConfig(0))
	ctx := context.Background()

	h.daemon.RunOnce(ctx)
	if snap := h.daemon.Snapshot(); snap == nil || snap.Version.Number != 117 {
		t.Fatalf("expected version 117 pinned, got %+v", snap)
	}

	// A healthy iteration keeps the pin even when newer versions appear
	h.svc.mu.Lock()
	h.svc.versions = []int{117, 118}
	h.svc.mu.Unlock()
	h.daemon.RunOnce(ctx)
	if snap := h.daemon.Snapshot(); snap.Version.Number != 117 {
		t.Fatalf("healthy iteration must keep its pin, got version %d", snap.Version.Number)
	}

	// A fault forces recovery, and recovery picks up the new maximum
	h.svc.mu.Lock()
	h.svc.listTableFailures = 1
	h.svc.mu.Unlock()
	h.daemon.RunOnce(ctx)
	if h.daemon.State() != StateRecovering {
		t.Fatalf("expected recovering state, got %v", h.daemon.State())
	}

	summary := h.daemon.RunOnce(ctx)
	if summary.Version != 118 {
		t.Errorf("expected re-pin to version 118, got %d", summary.Version)
	}
	if target := h.opener.lastTarget(); !strings.Contains(target.Database, "mat118") {
		t.Errorf("expected connection target for mat118, got %s", target.Database)
	}
}

func TestUnmergedSnapshotUsesSideTables(t *testing.T) {
	h := newHarness(testConfig(0))
	h.svc.merged = false
	h.svc.segCols["nuclei"] = false
	h.svc.order = []string{"synapses", "nuclei"}
	h.svc.roots[4] = 99
	delete(h.conn.tables, "synapses")
	h.conn.tables["synapses__seg2"] = synapseRows()

	summary := h.daemon.RunOnce(context.Background())

	if summary.Tables != 1 || summary.Skipped != 1 {
		t.Errorf("expected 1 checked and 1 skipped, got %d checked %d skipped", summary.Tables, summary.Skipped)
	}
	if got := h.conn.sampledTables(); len(got) != 1 || got[0] != "synapses__seg2" {
		t.Errorf("expected the suffixed side table sampled, got %v", got)
	}

	// Alerts and stats carry the logical name, not the physical one
	reports := h.dispatcher.mismatchReports()
	if len(reports) != 1 || reports[0].Table != "synapses" {
		t.Fatalf("expected one report for logical table synapses, got %v", reports)
	}
}

func TestRunOnceEmptySampleIsClean(t *testing.T) {
	h := newHarness(testConfig(0))
	h.conn.tables["synapses"] = &store.Rows{
		Columns: []string{"id", "pre_supervoxel_id", "pre_root_id", "post_supervoxel_id", "post_root_id"},
	}

	summary := h.daemon.RunOnce(context.Background())

	if summary.Findings != 0 || summary.TableFaults != 0 || summary.Fault != "" {
		t.Errorf("empty sample must be clean, got %+v", summary)
	}
	if calls := h.svc.totalResolveCalls(); calls != 0 {
		t.Errorf("expected no resolver calls for an empty sample, got %d", calls)
	}
	if got := h.dispatcher.mismatchReports(); len(got) != 0 {
		t.Errorf("expected no alerts, got %d", len(got))
	}
}

func TestLoopStopsAtIterationBudget(t *testing.T) {
	h := newHarness(testConfig(1))

	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	waitForExit(t, h.daemon)

	last, ok := h.daemon.LastSummary()
	if !ok {
		t.Fatal("expected an iteration summary")
	}
	if last.Iteration != 1 {
		t.Errorf("budget 1 must run exactly one iteration, got %d", last.Iteration)
	}
	if h.daemon.State() != StateIdle {
		t.Errorf("expected idle state after exit, got %v", h.daemon.State())
	}
	if err := h.daemon.Stop(); err != nil {
		t.Errorf("stop after budget exit failed: %v", err)
	}
}

func TestLoopContinuesAfterListFailure(t *testing.T) {
	h := newHarness(testConfig(2))
	h.svc.listTableFailures = 1

	if err := h.daemon.Start(context.Background()); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	waitForExit(t, h.daemon)

	last, ok := h.daemon.LastSummary()
	if !ok || last.Iteration != 2 {
		t.Fatalf("expected the loop to reach iteration 2, got %+v", last)
	}
	if last.Fault != "" {
		t.Errorf("expected the second iteration to recover, got fault %q", last.Fault)
	}
	if faults := h.dispatcher.faultAlerts(); len(faults) != 1 {
		t.Errorf("expected exactly one error alert across the run, got %v", faults)
	}
	if calls := h.svc.totalVersionCalls(); calls != 2 {
		t.Errorf("expected a fresh pin after the fault, got %d version listings", calls)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(testConfig(0))

	ctx := context.Background()
	if err := h.daemon.Start(ctx); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	if err := h.daemon.Start(ctx); err == nil {
		t.Error("expected second start to fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := h.daemon.LastSummary(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no iteration completed within 5s")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.daemon.Stop(); err != nil {
		t.Fatalf("failed to stop daemon: %v", err)
	}
	if h.daemon.State() != StateIdle {
		t.Errorf("expected idle state after stop, got %v", h.daemon.State())
	}
	if err := h.daemon.Stop(); err != nil {
		t.Errorf("second stop must be a no-op, got %v", err)
	}
	if h.daemon.RunID() == "" {
		t.Error("expected a run id")
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateRunning:    "running",
		StateRecovering: "recovering",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
