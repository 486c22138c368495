// Package observability provides per-table check statistics for health
// reporting and offender summaries.
package observability

import (
	"sort"
	"sync"
	"time"
)

// CheckStats tracks per-table check outcomes across iterations.
type CheckStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
}

// TableStats holds accumulated statistics for one annotation table.
type TableStats struct {
	Table        string        `json:"table"`
	Checks       int64         `json:"checks"`
	CleanChecks  int64         `json:"clean_checks"`
	MismatchRows int64         `json:"mismatch_rows"`
	PairErrors   int64         `json:"pair_errors"`
	LastChecked  time.Time     `json:"last_checked"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// NewCheckStats creates a new statistics tracker.
// window: time duration for pruning tables no longer seen (e.g., 24 hours)
func NewCheckStats(window time.Duration) *CheckStats {
	return &CheckStats{
		tables: make(map[string]*TableStats),
		window: window,
	}
}

// RecordCheck records one completed table check.
// This method is O(1) and thread-safe.
func (c *CheckStats) RecordCheck(table string, mismatches, pairErrors int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.get(table)
	stats.Checks++
	if mismatches == 0 && pairErrors == 0 {
		stats.CleanChecks++
	}
	stats.MismatchRows += int64(mismatches)
	stats.PairErrors += int64(pairErrors)
	stats.LastChecked = time.Now()
	stats.LastDuration = duration
	stats.LastError = ""
}

// RecordError records a check that failed before producing an outcome.
// This method is O(1) and thread-safe.
func (c *CheckStats) RecordError(table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.get(table)
	stats.Checks++
	stats.LastChecked = time.Now()
	stats.LastError = err.Error()
}

func (c *CheckStats) get(table string) *TableStats {
	stats, exists := c.tables[table]
	if !exists {
		stats = &TableStats{Table: table}
		c.tables[table] = stats
	}
	return stats
}

// TopOffenders returns the top N tables by accumulated mismatch rows.
// Tables that never mismatched are excluded. Returns copies sorted by
// mismatch rows (descending).
func (c *CheckStats) TopOffenders(n int) []TableStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.tables) == 0 {
		return []TableStats{}
	}

	stats := make([]TableStats, 0, len(c.tables))
	for _, s := range c.tables {
		if s.MismatchRows == 0 && s.PairErrors == 0 {
			continue
		}
		stats = append(stats, *s)
	}

	// Sort by mismatch rows descending, pair errors breaking ties
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].MismatchRows != stats[j].MismatchRows {
			return stats[i].MismatchRows > stats[j].MismatchRows
		}
		return stats[i].PairErrors > stats[j].PairErrors
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Snapshot returns a copy of all tracked tables sorted by name.
func (c *CheckStats) Snapshot() []TableStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]TableStats, 0, len(c.tables))
	for _, s := range c.tables {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Table < stats[j].Table
	})
	return stats
}

// Prune removes tables where time.Since(LastChecked) > window, so dropped or
// renamed tables age out of the health payload.
// This should be called periodically (e.g., once per iteration).
func (c *CheckStats) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := time.Now().Add(-c.window)
	for table, stats := range c.tables {
		if stats.LastChecked.Before(threshold) {
			delete(c.tables, table)
		}
	}
}
