// Package resolver provides the client for the graph/materialization service
// and the snapshot pinning it drives. The service owns the mapping from
// supervoxel ids to current root ids and the catalog of materialized
// versions; the canary only ever reads from it.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rootcanary/rootcanary/internal/config"
	"github.com/rootcanary/rootcanary/internal/errors"
)

// VersionInfo is the metadata of one materialization version.
type VersionInfo struct {
	// Number is the version identifier; higher numbers are newer snapshots
	Number int `json:"version"`

	// IsMerged indicates segmentation columns are folded into base tables.
	// Unmerged snapshots keep them in per-segmentation-source side tables.
	IsMerged bool `json:"is_merged"`

	// Timestamp is the snapshot's materialization time, used for resolution
	Timestamp time.Time `json:"timestamp"`
}

// DatastackInfo is the datastack-level metadata.
type DatastackInfo struct {
	SegmentationSource string `json:"segmentation_source"`
}

// TableInfo is the per-table metadata of one version.
type TableInfo struct {
	Name                   string `json:"table_name"`
	HasSegmentationColumns bool   `json:"has_segmentation_columns"`
}

// Service is the canary's view of the graph/materialization service.
type Service interface {
	// ListVersions returns all available materialization version numbers.
	ListVersions(ctx context.Context) ([]int, error)

	// VersionMetadata returns the metadata of one version.
	VersionMetadata(ctx context.Context, version int) (VersionInfo, error)

	// DatastackInfo returns datastack-level metadata.
	DatastackInfo(ctx context.Context) (DatastackInfo, error)

	// ListTables enumerates the annotation tables of one version.
	ListTables(ctx context.Context, version int) ([]string, error)

	// TableMetadata returns per-table metadata for one version.
	TableMetadata(ctx context.Context, version int, table string) (TableInfo, error)

	// BatchResolve maps supervoxel ids to the root ids current at the given
	// time. The result preserves input order and length.
	BatchResolve(ctx context.Context, ids []uint64, at time.Time) ([]uint64, error)
}

// HTTPClient is the REST implementation of Service.
type HTTPClient struct {
	baseURL    string
	datastack  string
	authToken  string
	httpc      *http.Client
	maxRetries int
}

// NewHTTPClient creates a client for the configured resolver service.
func NewHTTPClient(cfg config.ResolverConfig, datastack string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.ServerAddress, "/"),
		datastack:  datastack,
		authToken:  cfg.AuthToken,
		httpc:      &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}
}

func (c *HTTPClient) ListVersions(ctx context.Context) ([]int, error) {
	var versions []int
	url := fmt.Sprintf("%s/api/v2/datastack/%s/versions", c.baseURL, c.datastack)
	if err := c.getJSON(ctx, url, &versions); err != nil {
		return nil, errors.NewVersionError(errors.CodePinFailed, "failed to list versions", err)
	}
	return versions, nil
}

func (c *HTTPClient) VersionMetadata(ctx context.Context, version int) (VersionInfo, error) {
	var info VersionInfo
	url := fmt.Sprintf("%s/api/v2/datastack/%s/version/%d", c.baseURL, c.datastack, version)
	if err := c.getJSON(ctx, url, &info); err != nil {
		return VersionInfo{}, errors.NewVersionError(errors.CodePinFailed,
			fmt.Sprintf("failed to fetch metadata for version %d", version), err)
	}
	info.Number = version
	return info, nil
}

func (c *HTTPClient) DatastackInfo(ctx context.Context) (DatastackInfo, error) {
	var info DatastackInfo
	url := fmt.Sprintf("%s/api/v2/datastack/%s/info", c.baseURL, c.datastack)
	if err := c.getJSON(ctx, url, &info); err != nil {
		return DatastackInfo{}, errors.NewVersionError(errors.CodePinFailed, "failed to fetch datastack info", err)
	}
	return info, nil
}

func (c *HTTPClient) ListTables(ctx context.Context, version int) ([]string, error) {
	var tables []string
	url := fmt.Sprintf("%s/api/v2/datastack/%s/version/%d/tables", c.baseURL, c.datastack, version)
	if err := c.getJSON(ctx, url, &tables); err != nil {
		return nil, errors.NewVersionError(errors.CodeTableListFailed, "failed to list tables", err)
	}
	return tables, nil
}

func (c *HTTPClient) TableMetadata(ctx context.Context, version int, table string) (TableInfo, error) {
	var info TableInfo
	url := fmt.Sprintf("%s/api/v2/datastack/%s/version/%d/table/%s/metadata", c.baseURL, c.datastack, version, table)
	if err := c.getJSON(ctx, url, &info); err != nil {
		return TableInfo{}, errors.NewVersionError(errors.CodeTableListFailed,
			fmt.Sprintf("failed to fetch metadata for table %s", table), err)
	}
	info.Name = table
	return info, nil
}

type batchResolveRequest struct {
	SupervoxelIDs []uint64  `json:"supervoxel_ids"`
	Timestamp     time.Time `json:"timestamp"`
}

type batchResolveResponse struct {
	RootIDs []uint64 `json:"root_ids"`
}

func (c *HTTPClient) BatchResolve(ctx context.Context, ids []uint64, at time.Time) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(batchResolveRequest{SupervoxelIDs: ids, Timestamp: at})
	if err != nil {
		return nil, errors.NewResolutionError(errors.CodeResolveFailed, "failed to encode root lookup", err)
	}

	var resp batchResolveResponse
	url := fmt.Sprintf("%s/api/v1/roots", c.baseURL)
	if err := c.postJSON(ctx, url, body, &resp); err != nil {
		return nil, errors.NewResolutionError(errors.CodeResolveFailed, "root lookup failed", err)
	}

	if len(resp.RootIDs) != len(ids) {
		return nil, errors.NewResolutionError(errors.CodeBatchShapeMismatch,
			fmt.Sprintf("resolver returned %d roots for %d ids", len(resp.RootIDs), len(ids)), nil)
	}
	return resp.RootIDs, nil
}

// getJSON performs a GET with bounded exponential retry and decodes the body.
func (c *HTTPClient) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		return c.do(req, out)
	})
}

// postJSON performs a POST with the same retry policy. Root lookups are pure
// reads, so replaying them is safe.
func (c *HTTPClient) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, out)
	})
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doWithRetry retries transport failures and 5xx responses with exponential
// backoff. Client errors (4xx) fail immediately.
func (c *HTTPClient) doWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if se, ok := lastErr.(*httpStatusError); ok && se.status < 500 {
			return lastErr
		}

		if attempt < c.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("resolver returned HTTP %d", e.status)
	}
	return fmt.Sprintf("resolver returned HTTP %d: %s", e.status, e.body)
}
