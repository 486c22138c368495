package observability

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestRecordCheckConcurrent tests concurrent RecordCheck calls for race conditions.
func TestRecordCheckConcurrent(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				cs.RecordCheck("synapses", 1, 0, time.Millisecond)
				cs.RecordCheck("nuclei", 0, 0, time.Millisecond)
			}
		}(i)
	}

	wg.Wait()

	expected := int64(numGoroutines * recordsPerGoroutine)
	snapshot := cs.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(snapshot))
	}
	for _, s := range snapshot {
		if s.Checks != expected {
			t.Errorf("expected %d checks for %s, got %d", expected, s.Table, s.Checks)
		}
	}
}

// TestTopOffendersOrdering tests that TopOffenders sorts by mismatch rows.
func TestTopOffendersOrdering(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)

	for i := 0; i < 10; i++ {
		cs.RecordCheck("synapses", 2, 0, time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		cs.RecordCheck("nuclei", 1, 0, time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		cs.RecordCheck("mitochondria", 3, 0, time.Millisecond)
	}
	cs.RecordCheck("clean_table", 0, 0, time.Millisecond)

	top := cs.TopOffenders(10)
	if len(top) != 3 {
		t.Fatalf("expected 3 offenders, got %d", len(top))
	}

	// Should be ordered: mitochondria (60), synapses (20), nuclei (5)
	if top[0].Table != "mitochondria" || top[0].MismatchRows != 60 {
		t.Errorf("expected mitochondria with 60 rows, got %s with %d", top[0].Table, top[0].MismatchRows)
	}
	if top[1].Table != "synapses" || top[1].MismatchRows != 20 {
		t.Errorf("expected synapses with 20 rows, got %s with %d", top[1].Table, top[1].MismatchRows)
	}
	if top[2].Table != "nuclei" || top[2].MismatchRows != 5 {
		t.Errorf("expected nuclei with 5 rows, got %s with %d", top[2].Table, top[2].MismatchRows)
	}
}

// TestTopOffendersExcludesCleanTables tests that clean tables never appear.
func TestTopOffendersExcludesCleanTables(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)
	cs.RecordCheck("clean_table", 0, 0, time.Millisecond)

	if top := cs.TopOffenders(10); len(top) != 0 {
		t.Errorf("expected 0 offenders, got %d", len(top))
	}
}

// TestTopOffendersIncludesPairErrors tests that unverified pairs count as offenses.
func TestTopOffendersIncludesPairErrors(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)
	cs.RecordCheck("synapses", 0, 2, time.Millisecond)

	top := cs.TopOffenders(10)
	if len(top) != 1 {
		t.Fatalf("expected 1 offender, got %d", len(top))
	}
	if top[0].PairErrors != 2 {
		t.Errorf("expected 2 pair errors, got %d", top[0].PairErrors)
	}
}

// TestRecordErrorTracked tests that check failures surface as LastError.
func TestRecordErrorTracked(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)

	cs.RecordError("synapses", fmt.Errorf("row count failed"))

	snapshot := cs.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 table, got %d", len(snapshot))
	}
	if snapshot[0].LastError != "row count failed" {
		t.Errorf("expected error recorded, got %q", snapshot[0].LastError)
	}

	// A later clean check clears it
	cs.RecordCheck("synapses", 0, 0, time.Millisecond)
	snapshot = cs.Snapshot()
	if snapshot[0].LastError != "" {
		t.Errorf("expected error cleared after clean check, got %q", snapshot[0].LastError)
	}
	if snapshot[0].Checks != 2 {
		t.Errorf("expected 2 checks, got %d", snapshot[0].Checks)
	}
}

// TestPruneRemovesStaleTables tests that Prune removes tables outside the window.
func TestPruneRemovesStaleTables(t *testing.T) {
	window := 100 * time.Millisecond
	cs := NewCheckStats(window)

	cs.RecordCheck("synapses", 1, 0, time.Millisecond)

	if len(cs.Snapshot()) != 1 {
		t.Fatal("expected 1 table before prune")
	}

	// Wait for the window to expire
	time.Sleep(window + 50*time.Millisecond)

	cs.Prune()

	if got := len(cs.Snapshot()); got != 0 {
		t.Errorf("expected 0 tables after prune, got %d", got)
	}
}

// TestSnapshotSortedByName tests that Snapshot returns tables in name order.
func TestSnapshotSortedByName(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)
	cs.RecordCheck("nuclei", 0, 0, time.Millisecond)
	cs.RecordCheck("synapses", 0, 0, time.Millisecond)
	cs.RecordCheck("axons", 0, 0, time.Millisecond)

	snapshot := cs.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(snapshot))
	}
	for i, want := range []string{"axons", "nuclei", "synapses"} {
		if snapshot[i].Table != want {
			t.Errorf("position %d: expected %s, got %s", i, want, snapshot[i].Table)
		}
	}
}

// TestTopOffendersEmpty tests TopOffenders with no data.
func TestTopOffendersEmpty(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)
	if top := cs.TopOffenders(10); len(top) != 0 {
		t.Errorf("expected 0 offenders, got %d", len(top))
	}
}

// TestTopOffendersLimitExceedsData tests TopOffenders when n exceeds available data.
func TestTopOffendersLimitExceedsData(t *testing.T) {
	cs := NewCheckStats(1 * time.Hour)
	cs.RecordCheck("synapses", 1, 0, time.Millisecond)
	cs.RecordCheck("nuclei", 1, 0, time.Millisecond)

	if top := cs.TopOffenders(100); len(top) != 2 {
		t.Errorf("expected 2 offenders, got %d", len(top))
	}
}
