// Package sampler draws bounded, randomized row subsets from annotation
// tables without scanning them.
package sampler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rootcanary/rootcanary/internal/config"
	"github.com/rootcanary/rootcanary/internal/errors"
	"github.com/rootcanary/rootcanary/internal/store"
)

// Sampler draws up to a configured number of rows per table. The strategy is
// fixed at construction from config; it is never inferred from the store.
type Sampler struct {
	mode             config.SamplingMode
	sampleSize       int64
	idRangeThreshold int64

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a sampler with a time-seeded random source.
func New(canaryCfg config.CanaryConfig, storeCfg config.StoreConfig) *Sampler {
	return NewWithSeed(canaryCfg, storeCfg, time.Now().UnixNano())
}

// NewWithSeed creates a sampler with a fixed seed for deterministic tests.
func NewWithSeed(canaryCfg config.CanaryConfig, storeCfg config.StoreConfig, seed int64) *Sampler {
	return &Sampler{
		mode:             canaryCfg.SamplingMode,
		sampleSize:       int64(canaryCfg.SampleSize),
		idRangeThreshold: storeCfg.IDRangeThreshold,
		rng:              rand.New(rand.NewSource(seed)),
	}
}

// Sample draws rows from the named physical table. An empty result is a
// valid, clean outcome. Errors are table-scoped sampling errors; the caller
// alerts and continues with other tables.
func (s *Sampler) Sample(ctx context.Context, conn store.Conn, table string) (*store.Rows, error) {
	switch s.mode {
	case config.SamplingNative:
		return s.sampleNative(ctx, conn, table)
	default:
		return s.sampleOffset(ctx, conn, table)
	}
}

// sampleOffset reads the row count, clamps a random offset so the read can
// never start past the end, and fetches one contiguous window. Tables smaller
// than the sample size land on offset 0 and return what they have.
func (s *Sampler) sampleOffset(ctx context.Context, conn store.Conn, table string) (*store.Rows, error) {
	count, err := conn.CountRows(ctx, table)
	if err != nil {
		return nil, errors.NewSamplingError(errors.CodeCountFailed,
			fmt.Sprintf("failed to count table %s", table), err)
	}

	offset := s.chooseOffset(count)

	var rows *store.Rows
	if count > s.idRangeThreshold {
		// Offset paging degrades on very large tables; read a window of ids
		// instead.
		rows, err = conn.ReadIDRange(ctx, table, offset, offset+s.sampleSize)
	} else {
		rows, err = conn.ReadRange(ctx, table, offset, s.sampleSize)
	}
	if err != nil {
		return nil, errors.NewSamplingError(errors.CodeSampleQueryFailed,
			fmt.Sprintf("failed to sample table %s at offset %d", table, offset), err)
	}
	return rows, nil
}

// chooseOffset picks a uniform offset in [0, MaxOffset(count, sampleSize)].
func (s *Sampler) chooseOffset(count int64) int64 {
	max := MaxOffset(count, s.sampleSize)
	if max == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int63n(max + 1)
}

// MaxOffset is the largest offset from which a full window can still be
// read: max(rowCount - sampleSize, 0). Offset 0 is always valid, so tables
// with fewer rows than the sample size never error.
func MaxOffset(rowCount, sampleSize int64) int64 {
	if rowCount <= sampleSize {
		return 0
	}
	return rowCount - sampleSize
}

// sampleNative asks the store for an approximate percentage of rows with a
// hard cap. The percentage comes from the store's own row estimate so huge
// tables are not over-asked.
func (s *Sampler) sampleNative(ctx context.Context, conn store.Conn, table string) (*store.Rows, error) {
	est, err := conn.EstimateRows(ctx, table)
	if err != nil {
		return nil, errors.NewSamplingError(errors.CodeCountFailed,
			fmt.Sprintf("failed to estimate table %s", table), err)
	}

	rows, err := conn.SampleNative(ctx, table, SamplePercent(est, s.sampleSize), s.sampleSize)
	if err != nil {
		return nil, errors.NewSamplingError(errors.CodeSampleQueryFailed,
			fmt.Sprintf("failed to sample table %s", table), err)
	}
	return rows, nil
}

// SamplePercent converts a row estimate and target size into the approximate
// percentage handed to the store, clamped to (0, 100].
func SamplePercent(estimate, sampleSize int64) float64 {
	if estimate <= 0 {
		return 100
	}
	pct := 100 * float64(sampleSize) / float64(estimate)
	if pct > 100 {
		return 100
	}
	if pct < 0.01 {
		return 0.01
	}
	return pct
}
