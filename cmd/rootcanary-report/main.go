// Package main implements rootcanary-report, a reader for archived drift
// reports. It lists archive keys, fetches and summarizes reports, and
// aggregates the worst offending tables across a run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rootcanary/rootcanary/internal/archive"
	"github.com/rootcanary/rootcanary/pkg/reportkey"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	var (
		backend     string
		bucket      string
		prefix      string
		region      string
		endpoint    string
		run         string
		fetch       bool
		asJSON      bool
		offenders   int
		concurrency int
		timeout     time.Duration
	)

	flag.StringVar(&backend, "backend", "local", "Archive backend: local, s3")
	flag.StringVar(&bucket, "bucket", "./data/rootcanary/archive", "Archive directory (local) or bucket (s3)")
	flag.StringVar(&prefix, "prefix", "reports", "Object key prefix")
	flag.StringVar(&region, "region", "", "AWS region (s3 backend)")
	flag.StringVar(&endpoint, "endpoint", "", "S3 endpoint (for S3-compatible storage)")
	flag.StringVar(&run, "run", "", "Restrict to one run id")
	flag.BoolVar(&fetch, "fetch", false, "Fetch and summarize reports instead of listing keys")
	flag.BoolVar(&asJSON, "json", false, "Print fetched reports as JSON")
	flag.IntVar(&offenders, "offenders", 0, "Aggregate the N worst offending tables across fetched reports")
	flag.IntVar(&concurrency, "concurrency", 8, "Parallel fetches")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall timeout")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rootcanary-report - read archived drift reports\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rootcanary-report [options] [key ...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rootcanary-report -bucket /var/lib/rootcanary/archive\n")
		fmt.Fprintf(os.Stderr, "  rootcanary-report -run 7f3a... -fetch\n")
		fmt.Fprintf(os.Stderr, "  rootcanary-report -json reports/7f3a.../01J8R2V9KQZ0F3XW5YD6TBGH4M_synapses.json.snappy\n")
		fmt.Fprintf(os.Stderr, "  rootcanary-report -backend s3 -bucket canary-reports -fetch -offenders 10\n")
	}
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	storage, err := buildStorage(ctx, backend, bucket, region, endpoint)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}

	scope := prefix
	if run != "" {
		scope = path.Join(prefix, run)
	}

	var keys []string
	if flag.NArg() > 0 {
		// Explicit keys skip the listing
		keys = flag.Args()
		fetch = true
	} else {
		keys, err = storage.ListObjects(ctx, scope)
		if err != nil {
			log.Fatalf("Failed to list archive: %v", err)
		}
		if len(keys) == 0 {
			fmt.Printf("no reports under %s\n", scope)
			return
		}
	}

	if !fetch && offenders == 0 {
		for _, key := range keys {
			if ts, ok := keyTime(key); ok {
				fmt.Printf("%s  %s\n", ts.UTC().Format(time.RFC3339), key)
			} else {
				fmt.Println(key)
			}
		}
		return
	}

	fetcher := archive.NewBatchFetcher(storage, concurrency)
	result, err := fetcher.Fetch(ctx, keys)
	if err != nil {
		log.Fatalf("Failed to fetch reports: %v", err)
	}

	failed := 0
	for key, err := range result.Errors {
		fmt.Fprintf(os.Stderr, "fetch %s: %v\n", key, err)
		failed++
	}

	if asJSON {
		printJSON(result)
	} else if fetch {
		printSummaries(keys, result)
	}
	if offenders > 0 {
		printOffenders(result, offenders)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// buildStorage opens the configured archive backend.
func buildStorage(ctx context.Context, backend, bucket, region, endpoint string) (archive.ObjectStorage, error) {
	switch backend {
	case "s3":
		return archive.NewS3Storage(ctx, bucket, archive.S3Config{
			Region:   region,
			Endpoint: endpoint,
		})
	case "local":
		return archive.NewLocalStorage(bucket)
	default:
		return nil, fmt.Errorf("unsupported backend %q (must be local or s3)", backend)
	}
}

// keyTime extracts the check time embedded in an object name's leading report
// key, so listings read as a timeline without fetching anything.
func keyTime(objectPath string) (time.Time, bool) {
	base := path.Base(objectPath)
	i := strings.IndexByte(base, '_')
	if i < 0 {
		return time.Time{}, false
	}
	key, err := reportkey.Parse(base[:i])
	if err != nil {
		return time.Time{}, false
	}
	return key.Time(), true
}

// printSummaries prints one line per fetched report in archive order.
func printSummaries(keys []string, result *archive.FetchResult) {
	for _, key := range keys {
		report, ok := result.Reports[key]
		if !ok {
			continue
		}
		fmt.Printf("%s\n  run=%s iteration=%d table=%s version=%d mismatches=%d pair_errors=%d fingerprint=%s\n",
			key, report.RunID, report.Iteration, report.Table, report.Version,
			len(report.Mismatches), len(report.PairErrors), report.Fingerprint)
	}
}

// printJSON dumps every fetched report as indented JSON.
func printJSON(result *archive.FetchResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	keys := make([]string, 0, len(result.Reports))
	for key := range result.Reports {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := enc.Encode(result.Reports[key]); err != nil {
			fmt.Fprintf(os.Stderr, "encode %s: %v\n", key, err)
		}
	}
}

// printOffenders aggregates mismatch rows per table across all fetched
// reports and prints the worst.
func printOffenders(result *archive.FetchResult, n int) {
	type tableCount struct {
		table      string
		mismatches int
		pairErrors int
		reports    int
	}

	byTable := make(map[string]*tableCount)
	for _, report := range result.Reports {
		tc, ok := byTable[report.Table]
		if !ok {
			tc = &tableCount{table: report.Table}
			byTable[report.Table] = tc
		}
		tc.mismatches += len(report.Mismatches)
		tc.pairErrors += len(report.PairErrors)
		tc.reports++
	}

	ranked := make([]*tableCount, 0, len(byTable))
	for _, tc := range byTable {
		ranked = append(ranked, tc)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].mismatches != ranked[j].mismatches {
			return ranked[i].mismatches > ranked[j].mismatches
		}
		return ranked[i].pairErrors > ranked[j].pairErrors
	})
	if n < len(ranked) {
		ranked = ranked[:n]
	}

	fmt.Printf("\nworst offenders across %d reports:\n", result.Fetched)
	for i, tc := range ranked {
		fmt.Printf("%2d. %-30s %d mismatched rows, %d unverified pairs in %d reports\n",
			i+1, tc.table, tc.mismatches, tc.pairErrors, tc.reports)
	}
}
