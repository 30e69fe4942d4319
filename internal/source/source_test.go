package source

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const factoryABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": false, "internalType": "address", "name": "child", "type": "address"}
	],
	"name": "PoolCreated",
	"type": "event"
}]`

func mustFactoryEvent(t *testing.T) abi.Event {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(factoryABI))
	require.NoError(t, err)
	return parsed.Events["PoolCreated"]
}

func TestFactoryWatcherObserveAndAddresses(t *testing.T) {
	evt := mustFactoryEvent(t)
	w := NewFactoryWatcher(Factory{
		Address:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Event:      evt,
		ChildField: "child",
	})

	child := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data, err := evt.Inputs.Pack(child)
	require.NoError(t, err)

	require.NoError(t, w.Observe(types.Log{Topics: []common.Hash{evt.ID}, Data: data}))
	assert.Equal(t, []common.Address{child}, w.Addresses())

	// Observing the same child again is idempotent.
	require.NoError(t, w.Observe(types.Log{Topics: []common.Hash{evt.ID}, Data: data}))
	assert.Equal(t, []common.Address{child}, w.Addresses())
}

func TestFactoryWatcherObserveUnknownField(t *testing.T) {
	evt := mustFactoryEvent(t)
	w := NewFactoryWatcher(Factory{Event: evt, ChildField: "doesNotExist"})

	data, err := evt.Inputs.Pack(common.HexToAddress("0x3333333333333333333333333333333333333333"))
	require.NoError(t, err)

	err = w.Observe(types.Log{Data: data})
	assert.Error(t, err)
	assert.Empty(t, w.Addresses())
}

func TestFactoryWatcherSeed(t *testing.T) {
	evt := mustFactoryEvent(t)
	w := NewFactoryWatcher(Factory{Event: evt, ChildField: "child"})

	seeded := common.HexToAddress("0x4444444444444444444444444444444444444444")
	w.Seed(nil, []common.Address{seeded})

	assert.Equal(t, []common.Address{seeded}, w.Addresses())
}

func TestSourceIsFactory(t *testing.T) {
	addr := common.HexToAddress("0x5555555555555555555555555555555555555555")
	static := Source{Address: &addr}
	assert.False(t, static.IsFactory())

	factory := Source{FactoryConfig: &Factory{}}
	assert.True(t, factory.IsFactory())
}
