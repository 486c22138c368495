// Package drift provides the report model for root-id consistency findings.
package drift

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spaolacci/murmur3"
)

// Mismatch records one sampled row whose stored root id disagrees with the
// resolver at the pinned timestamp.
type Mismatch struct {
	// RowID is the annotation row's primary key
	RowID int64 `json:"row_id"`

	// SupervoxelColumn is the column the supervoxel id was read from
	SupervoxelColumn string `json:"supervoxel_column"`

	// RootColumn is the column the stored root id was read from
	RootColumn string `json:"root_column"`

	// SupervoxelID is the low-level id that was resolved
	SupervoxelID uint64 `json:"supervoxel_id"`

	// Stored is the root id found in the annotation store
	Stored uint64 `json:"stored"`

	// Resolved is the root id the resolver returned for SupervoxelID
	Resolved uint64 `json:"resolved"`
}

// PairError records a column pair whose resolver lookup failed. The pair's
// rows are unverified for this iteration, not known-bad.
type PairError struct {
	SupervoxelColumn string `json:"supervoxel_column"`
	RootColumn       string `json:"root_column"`
	Error            string `json:"error"`
}

// Report is the archival form of one table's non-clean check. One report is
// produced per (table, iteration) with findings; reports are never
// accumulated across iterations.
type Report struct {
	// RunID identifies the canary process run that produced the report
	RunID string `json:"run_id"`

	// Iteration is the 1-based iteration counter within the run
	Iteration uint64 `json:"iteration"`

	// Table is the logical (unsuffixed) annotation table name
	Table string `json:"table"`

	// Version is the pinned materialization version the sample was read from
	Version int `json:"version"`

	// Timestamp is the pinned version's timestamp used for resolution
	Timestamp time.Time `json:"timestamp"`

	// GeneratedAt is when the check completed
	GeneratedAt time.Time `json:"generated_at"`

	// Fingerprint correlates repeated reports of the same persisting drift
	Fingerprint string `json:"fingerprint"`

	Mismatches []Mismatch  `json:"mismatches,omitempty"`
	PairErrors []PairError `json:"pair_errors,omitempty"`
}

// HasFindings reports whether the report carries any mismatch or pair error.
func (r *Report) HasFindings() bool {
	return len(r.Mismatches) > 0 || len(r.PairErrors) > 0
}

// Encode serializes the report as JSON.
func (r *Report) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode deserializes a report previously produced by Encode.
func Decode(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode drift report: %w", err)
	}
	return &r, nil
}

// Fingerprint computes a stable 64-bit identity for a set of mismatches on
// one table. Row order does not affect the result; the same drift observed on
// consecutive iterations hashes identically.
func Fingerprint(table string, mismatches []Mismatch) string {
	keys := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		keys = append(keys, fmt.Sprintf("%s|%s|%d|%d|%d", m.SupervoxelColumn, m.RootColumn, m.RowID, m.Stored, m.Resolved))
	}
	sort.Strings(keys)

	h := murmur3.New64()
	h.Write([]byte(table))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
