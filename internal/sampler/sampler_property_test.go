package sampler

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rootcanary/rootcanary/internal/config"
)

func TestProperty_OffsetStaysInBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chosen offset never reads past the end of the table", prop.ForAll(
		func(rowCount int64, sampleSize int, seed int64) bool {
			s := NewWithSeed(
				config.CanaryConfig{SamplingMode: config.SamplingOffset, SampleSize: sampleSize},
				config.StoreConfig{IDRangeThreshold: 1 << 40},
				seed,
			)
			offset := s.chooseOffset(rowCount)
			max := MaxOffset(rowCount, int64(sampleSize))
			return offset >= 0 && offset <= max
		},
		gen.Int64Range(0, 50_000_000),
		gen.IntRange(1, 10_000),
		gen.Int64Range(0, 1<<30),
	))

	properties.Property("max offset is exactly max(rowCount-sampleSize, 0)", prop.ForAll(
		func(rowCount int64, sampleSize int) bool {
			max := MaxOffset(rowCount, int64(sampleSize))
			if rowCount <= int64(sampleSize) {
				return max == 0
			}
			return max == rowCount-int64(sampleSize)
		},
		gen.Int64Range(0, 50_000_000),
		gen.IntRange(1, 10_000),
	))

	properties.TestingRun(t)
}

func TestProperty_UndersizedTablesNeverError(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tables smaller than the sample size sample cleanly", prop.ForAll(
		func(rowCount int64, sampleSize int) bool {
			if rowCount > int64(sampleSize) {
				rowCount = int64(sampleSize)
			}
			s := NewWithSeed(
				config.CanaryConfig{SamplingMode: config.SamplingOffset, SampleSize: sampleSize},
				config.StoreConfig{IDRangeThreshold: 1 << 40},
				7,
			)
			conn := &fakeConn{count: rowCount}
			rows, err := s.Sample(context.Background(), conn, "synapses")
			if err != nil {
				return false
			}
			return conn.lastOffset == 0 && int64(rows.Len()) == rowCount
		},
		gen.Int64Range(0, 500),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
