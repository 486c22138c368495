package archive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/rootcanary/rootcanary/pkg/drift"
)

// BatchFetcher coordinates parallel report downloads from object storage.
type BatchFetcher struct {
	storage     ObjectStorage
	concurrency int
}

// FetchResult contains the outcome of a batch fetch operation.
type FetchResult struct {
	Reports map[string]*drift.Report
	Errors  map[string]error
	Fetched int
}

// NewBatchFetcher creates a new batch fetcher.
// storage: the ObjectStorage implementation to fetch from
// concurrency: maximum number of parallel downloads
func NewBatchFetcher(storage ObjectStorage, concurrency int) *BatchFetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchFetcher{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Fetch downloads and decodes multiple report objects in parallel.
// Returns decoded reports keyed by object path, with a separate map of
// object path to error for failed fetches.
func (b *BatchFetcher) Fetch(ctx context.Context, objectPaths []string) (*FetchResult, error) {
	result := &FetchResult{
		Reports: make(map[string]*drift.Report),
		Errors:  make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled or semaphore failed
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, objectPath)
			if err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}

			report, err := DecodeReport(data)
			if err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.Reports[objectPath] = report
			result.Fetched++
			mu.Unlock()
		}(p)
	}

	wg.Wait()

	return result, nil
}
