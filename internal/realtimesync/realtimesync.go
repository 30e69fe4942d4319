// Package realtimesync tracks each chain's unfinalized head by polling,
// detects reorgs by walking back through parent hashes, and flushes blocks
// to the sync cache once they pass the finality boundary (spec.md §4.C).
package realtimesync

import (
	"context"
	"fmt"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/ponder-sh/ponder/internal/chain"
	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/event"
	"github.com/ponder-sh/ponder/internal/ponderr"
	"github.com/ponder-sh/ponder/internal/source"
	"github.com/ponder-sh/ponder/internal/synccache"
)

// Config controls polling cadence and the finality boundary for one chain.
type Config struct {
	PollingInterval time.Duration
	FinalityDepth   uint64
}

// Syncer tracks the live head of one chain across every source registered
// against it.
type Syncer struct {
	client  *chain.Client
	cache   *synccache.Cache
	sources []source.Source
	cfg     Config
	logger  zerolog.Logger

	chain *canonicalChain
}

// New constructs a Syncer for client's chain, seeded with sources — every
// source whose Network matches client.Name().
func New(client *chain.Client, cache *synccache.Cache, sources []source.Source, cfg Config, logger zerolog.Logger) *Syncer {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Second
	}
	return &Syncer{
		client:  client,
		cache:   cache,
		sources: sources,
		cfg:     cfg,
		logger:  logger.With().Str("component", "realtimesync").Str("network", client.Name()).Logger(),
		chain:   newCanonicalChain(),
	}
}

// Run polls until ctx is canceled or a DeepReorg is observed, emitting
// matched events to out and poll outcomes to signals. It returns the
// DeepReorg as an error so the caller can escalate per spec.md §4.C step 3.
func (s *Syncer) Run(ctx context.Context, out chan<- event.Event, signals chan<- Signal) error {
	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx, out, signals); err != nil {
				return err
			}
		}
	}
}

func (s *Syncer) poll(ctx context.Context, out chan<- event.Event, signals chan<- Signal) error {
	latestNum, err := s.client.LatestBlockNumber(ctx)
	if err != nil {
		return nil // transient RPC failure; retried on next tick
	}
	head, err := s.client.HeaderByNumber(ctx, latestNum)
	if err != nil {
		return nil
	}

	if s.chain.isEmpty() {
		s.chain.append(head)
		s.emitBlockForward(ctx, head, out, signals)
		return nil
	}

	tip := s.chain.tip()
	if head.Hash() == tip.Hash() {
		return nil // no new block since last poll
	}

	if head.ParentHash == tip.Hash() {
		s.chain.append(head)
		s.emitBlockForward(ctx, head, out, signals)
		s.flushFinalized(ctx, head.Number.Uint64())
		return nil
	}

	return s.handleReorg(ctx, head, out, signals)
}

// handleReorg walks back from head via parent hashes until it finds a block
// already present in the canonical window, truncates to that ancestor, and
// replays the new suffix as BlockForward signals.
func (s *Syncer) handleReorg(ctx context.Context, head *types.Header, out chan<- event.Event, signals chan<- Signal) error {
	var walked []*types.Header
	cursor := head

	for depth := uint64(0); depth <= s.cfg.FinalityDepth; depth++ {
		if idx := s.chain.indexOf(cursor.Hash()); idx >= 0 {
			ancestor := s.chain.blocks[idx]
			s.chain.truncateTo(idx)

			select {
			case signals <- Signal{Kind: Reorg, CommonAncestor: ancestor, Depth: depth}:
			case <-ctx.Done():
				return nil
			}
			s.logger.Warn().
				Uint64("ancestor_block", ancestor.Number.Uint64()).
				Uint64("depth", depth).
				Msg("reorg detected")

			for i := len(walked) - 1; i >= 0; i-- {
				s.chain.append(walked[i])
				s.emitBlockForward(ctx, walked[i], out, signals)
			}
			s.flushFinalized(ctx, head.Number.Uint64())
			return nil
		}

		if cursor.ParentHash == (common.Hash{}) {
			break
		}
		parent, err := s.client.HeaderByHash(ctx, cursor.ParentHash)
		if err != nil {
			return nil // transient; retried next tick with a fresh head
		}
		walked = append(walked, cursor)
		cursor = parent
	}

	select {
	case signals <- Signal{Kind: DeepReorg, Block: head, Depth: s.cfg.FinalityDepth}:
	case <-ctx.Done():
	}
	return ponderr.New(ponderr.KindDeepReorg, fmt.Sprintf("no common ancestor found within %d blocks of %s", s.cfg.FinalityDepth, head.Hash().Hex()))
}

// emitBlockForward signals the block append and eagerly fetches and emits
// every log from any live source matching this chain, so user handlers see
// them without an additional RPC round trip.
func (s *Syncer) emitBlockForward(ctx context.Context, header *types.Header, out chan<- event.Event, signals chan<- Signal) {
	select {
	case signals <- Signal{Kind: BlockForward, Block: header}:
	case <-ctx.Done():
		return
	}

	for _, src := range s.sources {
		if src.Network != s.client.Name() {
			continue
		}
		s.emitSourceLogs(ctx, src, header, out)
	}
}

func (s *Syncer) emitSourceLogs(ctx context.Context, src source.Source, header *types.Header, out chan<- event.Event) {
	query := ethereum.FilterQuery{BlockHash: headerHashPtr(header)}
	switch {
	case src.IsFactory():
		s.discoverFactoryChildren(ctx, src, header)
		addrs := src.Watcher.Addresses()
		if len(addrs) == 0 {
			return
		}
		query.Addresses = addrs
	case src.Address != nil:
		query.Addresses = []common.Address{*src.Address}
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("block", header.Number.Uint64()).Msg("failed to fetch logs for live block")
		return
	}

	for _, log := range logs {
		eventName, payload, err := src.DecodeLog(log)
		if err != nil || payload == nil {
			continue
		}
		cp := checkpoint.Checkpoint{
			ChainID:          s.client.ChainID().Int64(),
			BlockTimestamp:   header.Time,
			BlockNumber:      log.BlockNumber,
			TransactionIndex: uint(log.TxIndex),
			EventIndex:       uint(log.Index),
		}
		srcID := event.SourceID{Network: src.Network, Contract: src.Name, EventName: eventName}
		select {
		case out <- event.NewLogEvent(cp, srcID, log, payload):
		case <-ctx.Done():
			return
		}
	}
}

// discoverFactoryChildren scans this block for the factory's child-creation
// event and feeds any match into src's FactoryWatcher, so a child deployed
// in this very block is already resolvable by the address filter built
// right after (spec.md §3, scenario S5).
func (s *Syncer) discoverFactoryChildren(ctx context.Context, src source.Source, header *types.Header) {
	f := src.FactoryConfig
	query := ethereum.FilterQuery{
		BlockHash: headerHashPtr(header),
		Addresses: []common.Address{f.Address},
		Topics:    [][]common.Hash{{f.Event.ID}},
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("block", header.Number.Uint64()).Msg("failed to fetch factory creation logs for live block")
		return
	}
	for _, log := range logs {
		if err := src.Watcher.Observe(log); err != nil {
			s.logger.Warn().Err(err).Msg("failed to observe factory child")
		}
	}
}

// flushFinalized moves every block now older than latest-finalityDepth out
// of the canonical window and into the durable sync cache.
func (s *Syncer) flushFinalized(ctx context.Context, latest uint64) {
	boundary := synccache.FinalizedTip(latest, s.cfg.FinalityDepth)
	pruned := s.chain.pruneBelow(boundary)
	chainID := s.client.ChainID().Int64()

	for _, hdr := range pruned {
		if err := s.cache.InsertBlock(ctx, chainID, hdr); err != nil {
			s.logger.Error().Err(err).Uint64("block", hdr.Number.Uint64()).Msg("failed to flush finalized block to cache")
		}
	}
}

func headerHashPtr(h *types.Header) *common.Hash {
	hash := h.Hash()
	return &hash
}
