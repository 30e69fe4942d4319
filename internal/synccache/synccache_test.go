package synccache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFinalizedTip(t *testing.T) {
	assert.Equal(t, uint64(900), FinalizedTip(1000, 100))
	assert.Equal(t, uint64(0), FinalizedTip(50, 100))
	assert.Equal(t, uint64(0), FinalizedTip(100, 100))
}

func TestMergeIntervalsOverlap(t *testing.T) {
	got := mergeIntervals(Interval{FromBlock: 10, ToBlock: 20}, Interval{FromBlock: 15, ToBlock: 30})
	assert.Equal(t, Interval{FromBlock: 10, ToBlock: 30}, got)
}

func TestMergeIntervalsAdjacent(t *testing.T) {
	got := mergeIntervals(Interval{FromBlock: 10, ToBlock: 20}, Interval{FromBlock: 21, ToBlock: 30})
	assert.Equal(t, Interval{FromBlock: 10, ToBlock: 30}, got)
}

func TestMissingRangesNoCache(t *testing.T) {
	missing := MissingRanges(nil, 0, 100)
	assert.Equal(t, []Interval{{FromBlock: 0, ToBlock: 100}}, missing)
}

func TestMissingRangesFullyCached(t *testing.T) {
	cached := []Interval{{FromBlock: 0, ToBlock: 100}}
	missing := MissingRanges(cached, 0, 100)
	assert.Empty(t, missing)
}

func TestMissingRangesPartialGapBetweenIntervals(t *testing.T) {
	cached := []Interval{{FromBlock: 0, ToBlock: 50}, {FromBlock: 80, ToBlock: 100}}
	missing := MissingRanges(cached, 0, 100)
	assert.Equal(t, []Interval{{FromBlock: 51, ToBlock: 79}}, missing)
}

func TestMissingRangesTrailingGap(t *testing.T) {
	cached := []Interval{{FromBlock: 0, ToBlock: 50}}
	missing := MissingRanges(cached, 0, 100)
	assert.Equal(t, []Interval{{FromBlock: 51, ToBlock: 100}}, missing)
}

func TestMissingRangesLeadingGap(t *testing.T) {
	cached := []Interval{{FromBlock: 50, ToBlock: 100}}
	missing := MissingRanges(cached, 0, 100)
	assert.Equal(t, []Interval{{FromBlock: 0, ToBlock: 49}}, missing)
}
