package realtimesync

import "github.com/ethereum/go-ethereum/core/types"

// canonicalChain is the sliding window of unfinalized blocks this chain has
// observed, from the finalized tip up to the latest head (spec.md §4.C).
type canonicalChain struct {
	blocks  []*types.Header
	byHash  map[[32]byte]int
}

func newCanonicalChain() *canonicalChain {
	return &canonicalChain{byHash: make(map[[32]byte]int)}
}

func (c *canonicalChain) append(header *types.Header) {
	c.byHash[header.Hash()] = len(c.blocks)
	c.blocks = append(c.blocks, header)
}

func (c *canonicalChain) tip() *types.Header {
	if len(c.blocks) == 0 {
		return nil
	}
	return c.blocks[len(c.blocks)-1]
}

func (c *canonicalChain) isEmpty() bool { return len(c.blocks) == 0 }

// indexOf returns the position of hash in the window, or -1 if absent.
func (c *canonicalChain) indexOf(hash [32]byte) int {
	idx, ok := c.byHash[hash]
	if !ok {
		return -1
	}
	return idx
}

// truncateTo discards every block after idx (inclusive of idx+1 onward),
// keeping the block at idx as the new tip.
func (c *canonicalChain) truncateTo(idx int) {
	for _, h := range c.blocks[idx+1:] {
		delete(c.byHash, h.Hash())
	}
	c.blocks = c.blocks[:idx+1]
}

// pruneBelow removes and returns every block strictly below boundary, once
// they've been flushed to the sync cache and can no longer reorg.
func (c *canonicalChain) pruneBelow(boundary uint64) []*types.Header {
	cut := 0
	for cut < len(c.blocks) && c.blocks[cut].Number.Uint64() < boundary {
		delete(c.byHash, c.blocks[cut].Hash())
		cut++
	}
	pruned := c.blocks[:cut]
	c.blocks = c.blocks[cut:]
	for i, h := range c.blocks {
		c.byHash[h.Hash()] = i
	}
	return pruned
}
