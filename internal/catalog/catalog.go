// Package catalog enumerates the checkable tables of a pinned snapshot.
package catalog

import (
	"context"

	"github.com/rootcanary/rootcanary/internal/resolver"
)

// Table is one checkable annotation table with the metadata an iteration
// needs. Tables are enumerated fresh every iteration; no identity is cached
// across iterations.
type Table struct {
	Name                   string
	HasSegmentationColumns bool
}

// Catalog enumerates tables through the materialization service.
type Catalog struct {
	service resolver.Service
}

// New creates a catalog over the resolver service.
func New(service resolver.Service) *Catalog {
	return &Catalog{service: service}
}

// List enumerates the snapshot's tables with their metadata. Any failure here
// is iteration-scoped: the caller aborts the iteration, alerts once, and
// re-pins on the next tick.
func (c *Catalog) List(ctx context.Context, snap *resolver.Snapshot) ([]Table, error) {
	names, err := c.service.ListTables(ctx, snap.Version.Number)
	if err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		info, err := c.service.TableMetadata(ctx, snap.Version.Number, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, Table{
			Name:                   name,
			HasSegmentationColumns: info.HasSegmentationColumns,
		})
	}
	return tables, nil
}

// EffectiveName returns the physical table name to sample and whether the
// table is checkable in this snapshot. Merged snapshots expose every table
// under its base name. Unmerged snapshots keep segmentation-derived columns
// in a side table suffixed by segmentation source; tables without
// segmentation columns have nothing to validate there yet.
func EffectiveName(t Table, snap *resolver.Snapshot) (string, bool) {
	if snap.Version.IsMerged {
		return t.Name, true
	}
	if !t.HasSegmentationColumns {
		return "", false
	}
	return t.Name + "__" + snap.SegmentationID, true
}
