package historicalsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ponder-sh/ponder/internal/synccache"
)

func TestChunkerStartsAtTenThousand(t *testing.T) {
	c := NewChunker(0)
	assert.Equal(t, uint64(10_000), c.Size())
}

func TestChunkerHalvesOnResponseTooLarge(t *testing.T) {
	c := NewChunker(0)
	c.OnResponseTooLarge()
	assert.Equal(t, uint64(5_000), c.Size())
}

func TestChunkerNeverBelowMinimum(t *testing.T) {
	c := NewChunker(0)
	for i := 0; i < 20; i++ {
		c.OnResponseTooLarge()
	}
	assert.GreaterOrEqual(t, c.Size(), uint64(minChunkSize))
}

func TestChunkerDoublesAfterThreeSuccesses(t *testing.T) {
	c := NewChunker(0)
	c.OnSuccess()
	c.OnSuccess()
	assert.Equal(t, uint64(10_000), c.Size(), "should not double until the third consecutive success")
	c.OnSuccess()
	assert.Equal(t, uint64(20_000), c.Size())
}

func TestChunkerRespectsCeiling(t *testing.T) {
	c := NewChunker(15_000)
	assert.Equal(t, uint64(10_000), c.Size())
	c.OnSuccess()
	c.OnSuccess()
	c.OnSuccess()
	assert.Equal(t, uint64(15_000), c.Size())
}

func TestPlanSplitsIntoFixedSizeChunks(t *testing.T) {
	c := NewChunker(0)
	missing := []synccache.Interval{{FromBlock: 0, ToBlock: 24_999}}
	chunks := Plan(missing, c)
	assert.Equal(t, []synccache.Interval{
		{FromBlock: 0, ToBlock: 9_999},
		{FromBlock: 10_000, ToBlock: 19_999},
		{FromBlock: 20_000, ToBlock: 24_999},
	}, chunks)
}
