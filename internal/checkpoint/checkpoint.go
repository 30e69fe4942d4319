// Package checkpoint defines the total-order coordinate used to sequence
// events across chains and to mark committed indexing progress.
package checkpoint

import "fmt"

// Checkpoint is a globally comparable coordinate. Total order is
// lexicographic on (BlockTimestamp, ChainID, BlockNumber, TransactionIndex,
// EventIndex) — timestamp first so that events from different chains
// interleave by wall-clock occurrence rather than by chain ID.
type Checkpoint struct {
	ChainID          int64
	BlockTimestamp   uint64
	BlockNumber      uint64
	TransactionIndex uint
	EventIndex       uint
}

// Zero is the smallest possible checkpoint, used as the lower bound when no
// progress has been recorded yet.
var Zero = Checkpoint{}

// Compare returns -1, 0, or 1 if c sorts before, equal to, or after other.
func (c Checkpoint) Compare(other Checkpoint) int {
	if c.BlockTimestamp != other.BlockTimestamp {
		return cmpUint64(c.BlockTimestamp, other.BlockTimestamp)
	}
	if c.ChainID != other.ChainID {
		return cmpInt64(c.ChainID, other.ChainID)
	}
	if c.BlockNumber != other.BlockNumber {
		return cmpUint64(c.BlockNumber, other.BlockNumber)
	}
	if c.TransactionIndex != other.TransactionIndex {
		return cmpUint(c.TransactionIndex, other.TransactionIndex)
	}
	return cmpUint(c.EventIndex, other.EventIndex)
}

// Less reports whether c sorts strictly before other.
func (c Checkpoint) Less(other Checkpoint) bool {
	return c.Compare(other) < 0
}

// LessOrEqual reports whether c sorts at or before other.
func (c Checkpoint) LessOrEqual(other Checkpoint) bool {
	return c.Compare(other) <= 0
}

// String renders a fixed-width, lexicographically sortable encoding
// suitable for use as a Postgres text column or a bbolt key.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%020d-%020d-%020d-%020d-%020d",
		c.BlockTimestamp, c.ChainID, c.BlockNumber, c.TransactionIndex, c.EventIndex)
}

// Min returns the smaller of a and b.
func Min(a, b Checkpoint) Checkpoint {
	if a.Less(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Checkpoint) Checkpoint {
	if a.Less(b) {
		return b
	}
	return a
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint(a, b uint) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
