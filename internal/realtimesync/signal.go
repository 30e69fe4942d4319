package realtimesync

import "github.com/ethereum/go-ethereum/core/types"

// SignalKind distinguishes the three outcomes a poll can produce, per
// spec.md §4.C.
type SignalKind int

const (
	// BlockForward reports the canonical chain extended by one block with
	// no reorg.
	BlockForward SignalKind = iota
	// Reorg reports the canonical chain was truncated back to
	// CommonAncestor and a new suffix appended.
	Reorg
	// DeepReorg reports no common ancestor was found within
	// finalityDepth blocks — fatal, the instance must stop.
	DeepReorg
)

// Signal is emitted once per poll outcome, consumed by internal/reorg to
// drive journal rollback and by telemetry for lag/reorg metrics.
type Signal struct {
	Kind           SignalKind
	Block          *types.Header
	CommonAncestor *types.Header
	Depth          uint64
}
