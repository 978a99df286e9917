package index

import (
	"sync/atomic"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

type snapshotRef struct {
	snap Snapshot
}

// Global points at the snapshot queries currently read. Swapping never
// touches the previous snapshot, so in-flight queries finish on the one
// they acquired.
type Global struct {
	current atomic.Pointer[snapshotRef]
	swaps   atomic.Int64
}

func NewGlobal() *Global {
	return &Global{}
}

// Acquire returns the snapshot a query should use for its whole lifetime.
func (g *Global) Acquire() (Snapshot, error) {
	ref := g.current.Load()
	if ref == nil || ref.snap == nil {
		return nil, domain.ErrIndexUnavailable
	}
	return ref.snap, nil
}

// Swap installs snap and returns the previous snapshot, if any.
func (g *Global) Swap(snap Snapshot) Snapshot {
	prev := g.current.Swap(&snapshotRef{snap: snap})
	g.swaps.Add(1)
	if prev == nil {
		return nil
	}
	return prev.snap
}

// Swaps returns how many snapshots have been installed.
func (g *Global) Swaps() int64 {
	return g.swaps.Load()
}
