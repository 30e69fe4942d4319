package merger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/event"
)

func cp(chainID int64, ts, block uint64) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{ChainID: chainID, BlockTimestamp: ts, BlockNumber: block}
}

// TestMergerOrdersAcrossChains mirrors spec.md scenario S3: chain2@999 is
// emitted before chain1@1000, which is emitted before chain1@1001.
func TestMergerOrdersAcrossChains(t *testing.T) {
	chain1Events := make(chan event.Event, 4)
	chain1Watermarks := make(chan checkpoint.Checkpoint, 4)
	chain2Events := make(chan event.Event, 4)
	chain2Watermarks := make(chan checkpoint.Checkpoint, 4)

	src := event.SourceID{Network: "mainnet", Contract: "Registry", EventName: "Created"}

	e1000 := event.NewSetupEvent(cp(1, 1000, 100), src)
	e1001 := event.NewSetupEvent(cp(1, 1001, 101), src)
	e999 := event.NewSetupEvent(cp(2, 999, 50), src)

	chain2Events <- e999
	chain2Watermarks <- cp(2, 999, 50)
	close(chain2Events)
	close(chain2Watermarks)

	chain1Events <- e1000
	chain1Events <- e1001
	chain1Watermarks <- cp(1, 1001, 101)
	close(chain1Events)
	close(chain1Watermarks)

	m := New([]ChainFeed{
		{ChainID: 1, In: chain1Events, Watermarks: chain1Watermarks},
		{ChainID: 2, In: chain2Events, Watermarks: chain2Watermarks},
	}, Config{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go m.Run(ctx)

	var got []event.Event
	for ev := range m.Out() {
		got = append(got, ev)
	}

	require.Len(t, got, 3)
	assert.Equal(t, e999.Checkpoint(), got[0].Checkpoint())
	assert.Equal(t, e1000.Checkpoint(), got[1].Checkpoint())
	assert.Equal(t, e1001.Checkpoint(), got[2].Checkpoint())
}

// TestMergerAdvancesIdleChainWatermark mirrors spec.md scenario S6: chain 2
// goes quiet while chain 1 has a pending event. Expected: chain 1's event
// is eventually released once chain 2's watermark is artificially advanced
// past it, rather than blocking forever.
func TestMergerAdvancesIdleChainWatermark(t *testing.T) {
	chain1Events := make(chan event.Event, 1)
	chain1Watermarks := make(chan checkpoint.Checkpoint, 1)
	chain2Events := make(chan event.Event)
	chain2Watermarks := make(chan checkpoint.Checkpoint)

	src := event.SourceID{Network: "mainnet", Contract: "Registry", EventName: "Created"}
	past := cp(1, uint64(time.Now().Add(-time.Hour).Unix()), 100)
	ev := event.NewSetupEvent(past, src)

	chain1Events <- ev
	chain1Watermarks <- past

	m := New([]ChainFeed{
		{ChainID: 1, In: chain1Events, Watermarks: chain1Watermarks},
		{ChainID: 2, In: chain2Events, Watermarks: chain2Watermarks},
	}, Config{IdleTimeout: 30 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go m.Run(ctx)

	select {
	case got := <-m.Out():
		assert.Equal(t, ev.Checkpoint(), got.Checkpoint())
	case <-time.After(400 * time.Millisecond):
		t.Fatal("chain1's event was never released despite chain2 going idle")
	}

	close(chain1Events)
	close(chain1Watermarks)
	close(chain2Events)
	close(chain2Watermarks)
}

// TestMergerPauseBlocksEmissionUntilResume exercises the handshake reorg
// reconciliation relies on: no event reaches Out between Pause and resume,
// even if one is delivered while paused.
func TestMergerPauseBlocksEmissionUntilResume(t *testing.T) {
	events := make(chan event.Event, 1)
	watermarks := make(chan checkpoint.Checkpoint, 1)

	src := event.SourceID{Network: "mainnet", Contract: "Registry", EventName: "Created"}
	ev := event.NewSetupEvent(cp(1, 100, 1), src)

	m := New([]ChainFeed{{ChainID: 1, In: events, Watermarks: watermarks}}, Config{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	resume, err := m.Pause(ctx)
	require.NoError(t, err)

	events <- ev
	watermarks <- cp(1, 100, 1)

	select {
	case <-m.Out():
		t.Fatal("merger emitted an event while paused")
	case <-time.After(100 * time.Millisecond):
	}

	resume()

	select {
	case got := <-m.Out():
		assert.Equal(t, ev.Checkpoint(), got.Checkpoint())
	case <-time.After(time.Second):
		t.Fatal("merger never emitted after resume")
	}

	close(events)
	close(watermarks)
}
