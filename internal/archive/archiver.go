package archive

import (
	"context"
	"fmt"
	"log"
	"path"

	"github.com/golang/snappy"

	"github.com/rootcanary/rootcanary/pkg/drift"
	"github.com/rootcanary/rootcanary/pkg/reportkey"
)

// Archiver persists non-clean reports to object storage. Archival is
// best-effort: failures are logged and never surface to the check loop,
// the same policy alert delivery follows.
type Archiver struct {
	storage ObjectStorage
	prefix  string
	runID   string
	keys    *reportkey.Generator
}

// NewArchiver creates an archiver writing under prefix/runID/.
func NewArchiver(storage ObjectStorage, prefix, runID string) *Archiver {
	return &Archiver{
		storage: storage,
		prefix:  prefix,
		runID:   runID,
		keys:    reportkey.NewGenerator(),
	}
}

// Archive encodes, compresses, and uploads one report. Returns the object
// path, or an empty string when archival did not complete. Object names lead
// with a time-sortable key so listings come back in check order.
func (a *Archiver) Archive(ctx context.Context, report *drift.Report) string {
	data, err := report.Encode()
	if err != nil {
		log.Printf("archive: failed to encode report for table %s: %v", report.Table, err)
		return ""
	}

	key, err := a.keys.Next()
	if err != nil {
		log.Printf("archive: failed to generate report key for table %s: %v", report.Table, err)
		return ""
	}

	objectPath := ObjectPath(a.prefix, a.runID, key.String(), report.Table)
	if err := a.storage.PutIfAbsent(ctx, objectPath, snappy.Encode(nil, data)); err != nil {
		log.Printf("archive: failed to upload report %s: %v", objectPath, err)
		return ""
	}
	return objectPath
}

// ObjectPath builds the archive path for one report.
func ObjectPath(prefix, runID, key, table string) string {
	return path.Join(prefix, runID, fmt.Sprintf("%s_%s.json.snappy", key, table))
}

// DecodeReport reverses Archive's encoding.
func DecodeReport(data []byte) (*drift.Report, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress report: %w", err)
	}
	return drift.Decode(raw)
}
