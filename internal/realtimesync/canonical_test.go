package realtimesync

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(number int64, parent common.Hash, extra byte) *types.Header {
	return &types.Header{
		Number:     big.NewInt(number),
		ParentHash: parent,
		Extra:      []byte{extra},
	}
}

func TestCanonicalChainAppendAndTip(t *testing.T) {
	c := newCanonicalChain()
	require.True(t, c.isEmpty())

	h1 := header(1, common.Hash{}, 1)
	c.append(h1)
	assert.False(t, c.isEmpty())
	assert.Equal(t, h1.Hash(), c.tip().Hash())
}

func TestCanonicalChainIndexOf(t *testing.T) {
	c := newCanonicalChain()
	h1 := header(1, common.Hash{}, 1)
	h2 := header(2, h1.Hash(), 2)
	c.append(h1)
	c.append(h2)

	assert.Equal(t, 0, c.indexOf(h1.Hash()))
	assert.Equal(t, 1, c.indexOf(h2.Hash()))
	assert.Equal(t, -1, c.indexOf(common.HexToHash("0xdead")))
}

func TestCanonicalChainTruncateTo(t *testing.T) {
	c := newCanonicalChain()
	h1 := header(1, common.Hash{}, 1)
	h2 := header(2, h1.Hash(), 2)
	h3 := header(3, h2.Hash(), 3)
	c.append(h1)
	c.append(h2)
	c.append(h3)

	c.truncateTo(0)
	assert.Equal(t, h1.Hash(), c.tip().Hash())
	assert.Equal(t, -1, c.indexOf(h2.Hash()))
	assert.Equal(t, -1, c.indexOf(h3.Hash()))
}

func TestCanonicalChainPruneBelow(t *testing.T) {
	c := newCanonicalChain()
	h1 := header(1, common.Hash{}, 1)
	h2 := header(2, h1.Hash(), 2)
	h3 := header(3, h2.Hash(), 3)
	c.append(h1)
	c.append(h2)
	c.append(h3)

	pruned := c.pruneBelow(3)
	require.Len(t, pruned, 2)
	assert.Equal(t, h1.Hash(), pruned[0].Hash())
	assert.Equal(t, h2.Hash(), pruned[1].Hash())
	assert.Equal(t, h3.Hash(), c.tip().Hash())
	assert.Equal(t, 0, c.indexOf(h3.Hash()))
}
