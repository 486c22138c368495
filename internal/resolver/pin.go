package resolver

import (
	"context"
	"strings"

	"github.com/rootcanary/rootcanary/internal/errors"
	"github.com/rootcanary/rootcanary/internal/store"
)

// Snapshot is one pinned materialization version with everything an
// iteration needs: version metadata, the snapshot-scoped connection target,
// and the segmentation source identity. Snapshots are immutable; the
// Recovering transition replaces them wholesale.
type Snapshot struct {
	Version            VersionInfo
	Target             store.ConnectionTarget
	SegmentationSource string

	// SegmentationID suffixes unmerged side tables (base__<id>)
	SegmentationID string
}

// Pinner selects the snapshot a run validates against.
type Pinner struct {
	service   Service
	driver    string
	base      string
	datastack string
}

// NewPinner creates a pinner over the resolver service.
func NewPinner(service Service, driver, connectionBase, datastack string) *Pinner {
	return &Pinner{
		service:   service,
		driver:    driver,
		base:      connectionBase,
		datastack: datastack,
	}
}

// Pin resolves the maximum available version and builds its connection
// target. Called once at startup and again on every Recovering transition.
// A re-pin may land on a newer version than the previous pin; drift in the
// underlying store is a tolerated condition, not an error.
func (p *Pinner) Pin(ctx context.Context) (*Snapshot, error) {
	versions, err := p.service.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.NewVersionError(errors.CodeNoVersions, "no materialization versions available", nil)
	}

	max := versions[0]
	for _, v := range versions[1:] {
		if v > max {
			max = v
		}
	}

	meta, err := p.service.VersionMetadata(ctx, max)
	if err != nil {
		return nil, err
	}
	info, err := p.service.DatastackInfo(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Version:            meta,
		Target:             store.TargetFor(p.driver, p.base, p.datastack, max),
		SegmentationSource: info.SegmentationSource,
		SegmentationID:     segmentationID(info.SegmentationSource),
	}, nil
}

// segmentationID extracts the terminal path segment of a segmentation source
// URI. Sources look like graphene://https://host/segmentation/table/<id>.
func segmentationID(source string) string {
	s := strings.TrimRight(source, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
