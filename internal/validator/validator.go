// Package validator cross-checks sampled root-id columns against the
// authoritative resolver at the pinned snapshot's timestamp.
package validator

import (
	"context"
	"strings"
	"time"

	"github.com/rootcanary/rootcanary/internal/config"
	"github.com/rootcanary/rootcanary/internal/resolver"
	"github.com/rootcanary/rootcanary/internal/store"
	"github.com/rootcanary/rootcanary/pkg/drift"
)

// ColumnPair binds a supervoxel-id column to the root-id column that stores
// its resolution. Pairs are derived once per table by exact suffix stripping;
// there is no fuzzy matching.
type ColumnPair struct {
	SupervoxelColumn string
	RootColumn       string
}

// Outcome is the result of validating one table's sample in one iteration.
// It is converted into at most one alert and then discarded.
type Outcome struct {
	Table      string
	Mismatches []drift.Mismatch
	PairErrors []drift.PairError
}

// Clean reports whether the check found neither mismatches nor errors.
func (o *Outcome) Clean() bool {
	return len(o.Mismatches) == 0 && len(o.PairErrors) == 0
}

// Validator resolves sampled supervoxel ids and compares the results to the
// stored root-id columns.
type Validator struct {
	service          resolver.Service
	supervoxelSuffix string
	rootSuffix       string
}

// New creates a validator using the configured column suffixes.
func New(service resolver.Service, cfg config.CanaryConfig) *Validator {
	return &Validator{
		service:          service,
		supervoxelSuffix: cfg.SupervoxelSuffix,
		rootSuffix:       cfg.RootSuffix,
	}
}

// DerivePairs maps a sample's column names into typed pairs. A column ending
// in the supervoxel suffix pairs with the same-prefixed root column when one
// exists; supervoxel columns without a root side are skipped, since some
// tables legitimately carry only one.
func (v *Validator) DerivePairs(columns []string) []ColumnPair {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	var pairs []ColumnPair
	for _, c := range columns {
		if !strings.HasSuffix(c, v.supervoxelSuffix) {
			continue
		}
		prefix := strings.TrimSuffix(c, v.supervoxelSuffix)
		root := prefix + v.rootSuffix
		if present[root] {
			pairs = append(pairs, ColumnPair{SupervoxelColumn: c, RootColumn: root})
		}
	}
	return pairs
}

// Validate checks one table's sampled rows at the snapshot timestamp.
// Zero rows is trivially clean. A resolver failure on one pair is recorded
// as a pair error and the remaining pairs still run.
func (v *Validator) Validate(ctx context.Context, rows *store.Rows, table string, at time.Time) *Outcome {
	outcome := &Outcome{Table: table}
	if rows == nil || rows.Len() == 0 {
		return outcome
	}

	for _, pair := range v.DerivePairs(rows.Columns) {
		v.validatePair(ctx, rows, pair, at, outcome)
	}
	return outcome
}

func (v *Validator) validatePair(ctx context.Context, rows *store.Rows, pair ColumnPair, at time.Time, outcome *Outcome) {
	supervoxels, err := rows.Uint64Column(pair.SupervoxelColumn)
	if err != nil {
		outcome.PairErrors = append(outcome.PairErrors, pairError(pair, err))
		return
	}
	stored, err := rows.Uint64Column(pair.RootColumn)
	if err != nil {
		outcome.PairErrors = append(outcome.PairErrors, pairError(pair, err))
		return
	}

	resolved, err := v.service.BatchResolve(ctx, supervoxels, at)
	if err != nil {
		outcome.PairErrors = append(outcome.PairErrors, pairError(pair, err))
		return
	}

	for i := range resolved {
		if resolved[i] == stored[i] {
			continue
		}
		outcome.Mismatches = append(outcome.Mismatches, drift.Mismatch{
			RowID:            rows.RowID(i),
			SupervoxelColumn: pair.SupervoxelColumn,
			RootColumn:       pair.RootColumn,
			SupervoxelID:     supervoxels[i],
			Stored:           stored[i],
			Resolved:         resolved[i],
		})
	}
}

func pairError(pair ColumnPair, err error) drift.PairError {
	return drift.PairError{
		SupervoxelColumn: pair.SupervoxelColumn,
		RootColumn:       pair.RootColumn,
		Error:            err.Error(),
	}
}
