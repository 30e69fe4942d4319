// Package merger implements the low-watermark join across per-chain event
// streams: it emits events in global checkpoint order only once every
// chain has reported a checkpoint at least as high, and it tracks a
// safe_checkpoint watermark the reorg component uses to know what can be
// pruned (spec.md §4.D).
package merger

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/event"
)

const (
	defaultBufferSize = 10_000
	defaultIdleTimeout = 30 * time.Second
)

// Config controls the merger's backpressure buffer and idle-chain
// watermark advance.
type Config struct {
	BufferSize  int
	IdleTimeout time.Duration
}

// ChainFeed is one chain's ordered input: In carries events in ascending
// checkpoint order, Watermarks carries the chain's current highest reported
// checkpoint even when no event accompanies it (e.g. an empty poll tick).
type ChainFeed struct {
	ChainID    int64
	In         <-chan event.Event
	Watermarks <-chan checkpoint.Checkpoint
}

// Merger joins N per-chain streams into one globally ordered stream.
type Merger struct {
	feeds       []ChainFeed
	cfg         Config
	logger      zerolog.Logger
	out         chan event.Event
	mu          sync.RWMutex
	safe        checkpoint.Checkpoint
	initialized bool
	pauseReq    chan chan struct{}
}

// New constructs a Merger over feeds.
func New(feeds []ChainFeed, cfg Config, logger zerolog.Logger) *Merger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Merger{
		feeds:    feeds,
		cfg:      cfg,
		logger:   logger.With().Str("component", "merger").Logger(),
		out:      make(chan event.Event, cfg.BufferSize),
		pauseReq: make(chan chan struct{}),
	}
}

// Pause blocks Run's event loop from draining further events to Out until
// the returned resume function is called. Reorg reconciliation pauses the
// merger before replaying the journal and resumes it once the rollback
// commits, so a concurrently forwarded post-reorg event can never reach a
// handler while the rollback is still in flight (spec.md §4.F steps 1, 6).
// It blocks until Run's loop acknowledges the pause request or ctx is
// canceled first.
func (m *Merger) Pause(ctx context.Context) (resume func(), err error) {
	ack := make(chan struct{})
	select {
	case m.pauseReq <- ack:
		return func() { close(ack) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Out returns the globally ordered output stream.
func (m *Merger) Out() <-chan event.Event { return m.out }

// SafeCheckpoint returns the current min-over-chains watermark: events at
// or below it from every chain have already been emitted.
func (m *Merger) SafeCheckpoint() checkpoint.Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.safe
}

type chainState struct {
	chainID      int64
	in           <-chan event.Event
	watermarks   <-chan checkpoint.Checkpoint
	watermark    checkpoint.Checkpoint
	lastActivity time.Time
	pending      []event.Event // buffered, strictly ascending, not yet emitted
	closed       bool
}

// heldEvent is a min-heap element: the earliest not-yet-emitted event from
// one chain.
type heldEvent struct {
	cp      checkpoint.Checkpoint
	chainID int64
	ev      event.Event
}

type eventHeap []heldEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].cp.Less(h[j].cp) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(heldEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Run drains every feed and emits merged events to Out in ascending global
// checkpoint order until ctx is canceled or every feed closes.
func (m *Merger) Run(ctx context.Context) {
	defer close(m.out)

	states := make(map[int64]*chainState, len(m.feeds))
	for _, f := range m.feeds {
		states[f.ChainID] = &chainState{
			chainID:      f.ChainID,
			in:           f.In,
			watermarks:   f.Watermarks,
			lastActivity: time.Now(),
		}
	}

	idleTicker := time.NewTicker(m.cfg.IdleTimeout / 3)
	defer idleTicker.Stop()

	type delivery struct {
		chainID int64
		ev      event.Event
		ok      bool
	}
	type wmDelivery struct {
		chainID int64
		cp      checkpoint.Checkpoint
		ok      bool
	}

	evCh := make(chan delivery)
	wmCh := make(chan wmDelivery)

	for _, f := range m.feeds {
		go func(f ChainFeed) {
			for ev := range f.In {
				select {
				case evCh <- delivery{chainID: f.ChainID, ev: ev, ok: true}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case evCh <- delivery{chainID: f.ChainID, ok: false}:
			case <-ctx.Done():
			}
		}(f)
		go func(f ChainFeed) {
			for cp := range f.Watermarks {
				select {
				case wmCh <- wmDelivery{chainID: f.ChainID, cp: cp, ok: true}:
				case <-ctx.Done():
					return
				}
			}
		}(f)
	}

	openChains := len(states)

	for openChains > 0 {
		select {
		case <-ctx.Done():
			return

		case d := <-evCh:
			st := states[d.chainID]
			if !d.ok {
				st.closed = true
				openChains--
				m.drain(states)
				continue
			}
			st.lastActivity = time.Now()
			st.pending = append(st.pending, d.ev)
			st.watermark = checkpoint.Max(st.watermark, d.ev.Checkpoint())
			m.drain(states)

		case w := <-wmCh:
			st := states[w.chainID]
			st.lastActivity = time.Now()
			st.watermark = checkpoint.Max(st.watermark, w.cp)
			m.drain(states)

		case <-idleTicker.C:
			now := time.Now()
			advanced := false
			for _, st := range states {
				if st.closed {
					continue
				}
				if now.Sub(st.lastActivity) >= m.cfg.IdleTimeout {
					// No new watermark for a full idleTimeout: assume the
					// chain's real time has moved past its last reported
					// block and advance its gating watermark to now, so a
					// stalled chain can't block every other chain's events
					// forever (spec.md §4.D, scenario S6).
					synthetic := checkpoint.Checkpoint{
						ChainID:          st.chainID,
						BlockTimestamp:   uint64(now.Unix()),
						BlockNumber:      st.watermark.BlockNumber,
						TransactionIndex: math.MaxUint32,
						EventIndex:       math.MaxUint32,
					}
					if st.watermark.Less(synthetic) {
						st.watermark = synthetic
						advanced = true
					}
					st.lastActivity = now
				}
			}
			if advanced {
				m.drain(states)
			}

		case ack := <-m.pauseReq:
			select {
			case <-ack:
			case <-ctx.Done():
			}
			m.drain(states)
		}
	}

	m.drain(states)
}

// drain emits every pending event whose checkpoint is <= every open chain's
// watermark, in ascending order, and advances safe_checkpoint to the new
// minimum.
func (m *Merger) drain(states map[int64]*chainState) {
	min := m.minWatermark(states)

	h := &eventHeap{}
	heap.Init(h)
	for _, st := range states {
		for len(st.pending) > 0 && st.pending[0].Checkpoint().LessOrEqual(min) {
			heap.Push(h, heldEvent{cp: st.pending[0].Checkpoint(), chainID: st.chainID, ev: st.pending[0]})
			st.pending = st.pending[1:]
		}
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(heldEvent)
		m.out <- item.ev
	}

	m.mu.Lock()
	m.safe = min
	m.mu.Unlock()
}

func (m *Merger) minWatermark(states map[int64]*chainState) checkpoint.Checkpoint {
	var min checkpoint.Checkpoint
	first := true
	for _, st := range states {
		if st.closed {
			continue
		}
		if first || st.watermark.Less(min) {
			min = st.watermark
			first = false
		}
	}
	if first {
		// every chain closed; nothing left to gate on
		return checkpoint.Checkpoint{ChainID: 0, BlockTimestamp: ^uint64(0)}
	}
	return min
}
