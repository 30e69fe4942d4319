// Package historicalsync backfills finalized blockchain history into the
// sync cache: it plans the block ranges still missing for each source,
// fetches them in adaptively sized chunks, and writes each chunk's rows
// before recording its interval, so an interval is only ever recorded for
// a fully written chunk (spec.md §4.B).
package historicalsync

import "github.com/ponder-sh/ponder/internal/synccache"

const (
	defaultStartChunkSize = 10_000
	minChunkSize          = 100
	successesBeforeDouble = 3
)

// Chunker tracks the adaptive chunk size for one source, per spec.md §4.B:
// start at 10,000 blocks; halve on a "response too large" signal; double
// after three consecutive successes, up to ceiling.
type Chunker struct {
	size               uint64
	ceiling            uint64
	consecutiveSuccess int
}

// NewChunker constructs a Chunker. ceiling is the chain-specific maximum
// chunk size; 0 means unbounded.
func NewChunker(ceiling uint64) *Chunker {
	size := uint64(defaultStartChunkSize)
	if ceiling > 0 && size > ceiling {
		size = ceiling
	}
	return &Chunker{size: size, ceiling: ceiling}
}

// Size returns the current chunk size.
func (c *Chunker) Size() uint64 { return c.size }

// OnSuccess records a successful fetch at the current chunk size, doubling
// it once three consecutive successes have accumulated.
func (c *Chunker) OnSuccess() {
	c.consecutiveSuccess++
	if c.consecutiveSuccess < successesBeforeDouble {
		return
	}
	c.consecutiveSuccess = 0
	next := c.size * 2
	if c.ceiling > 0 && next > c.ceiling {
		next = c.ceiling
	}
	c.size = next
}

// OnResponseTooLarge halves the chunk size and resets the success streak.
// The new size never drops below minChunkSize.
func (c *Chunker) OnResponseTooLarge() {
	c.consecutiveSuccess = 0
	next := c.size / 2
	if next < minChunkSize {
		next = minChunkSize
	}
	c.size = next
}

// Plan splits each missing interval into chunks of the chunker's current
// size. Plan itself never changes the size, so every chunk of one plan has
// that size (except the last chunk of each interval); a halving recorded
// while the chunks are fetched only affects the next Plan call.
func Plan(missing []synccache.Interval, chunker *Chunker) []synccache.Interval {
	var chunks []synccache.Interval
	for _, iv := range missing {
		cursor := iv.FromBlock
		for cursor <= iv.ToBlock {
			size := chunker.Size()
			end := cursor + size - 1
			if end > iv.ToBlock {
				end = iv.ToBlock
			}
			chunks = append(chunks, synccache.Interval{FromBlock: cursor, ToBlock: end})
			cursor = end + 1
		}
	}
	return chunks
}
