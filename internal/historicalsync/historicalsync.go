package historicalsync

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ponder-sh/ponder/internal/chain"
	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/event"
	"github.com/ponder-sh/ponder/internal/source"
	"github.com/ponder-sh/ponder/internal/synccache"
)

// Syncer backfills one source's finalized history into the sync cache,
// emitting the resulting events in ascending checkpoint order.
type Syncer struct {
	client  *chain.Client
	cache   *synccache.Cache
	src     source.Source
	chunker *Chunker
	logger  zerolog.Logger
}

// New constructs a Syncer for src against client, using cache for
// deduplicated storage. ceiling bounds how large the adaptive chunker may
// grow (0 = unbounded).
func New(client *chain.Client, cache *synccache.Cache, src source.Source, ceiling uint64, logger zerolog.Logger) *Syncer {
	return &Syncer{
		client:  client,
		cache:   cache,
		src:     src,
		chunker: NewChunker(ceiling),
		logger: logger.With().
			Str("component", "historicalsync").
			Str("network", src.Network).
			Str("source", src.Name).
			Logger(),
	}
}

// Run fetches every missing range up to finalizedTip, writing each chunk to
// the cache and emitting the matched events, in ascending checkpoint order,
// to out. A chunk's rows are written one statement at a time, not in one
// transaction; its interval row is written last, so a chunk that fails part
// way has no interval recorded and is planned again on the next run. Run
// returns once the entire missing range (as of the moment it started) has
// been fetched.
func (s *Syncer) Run(ctx context.Context, finalizedTip uint64, out chan<- event.Event) error {
	if s.src.EndBlock != nil && *s.src.EndBlock < finalizedTip {
		finalizedTip = *s.src.EndBlock
	}
	if s.src.StartBlock > finalizedTip {
		return nil
	}

	chainID := s.client.ChainID().Int64()

	if s.src.IsFactory() {
		if err := s.discoverFactoryAddresses(ctx, finalizedTip); err != nil {
			return fmt.Errorf("historicalsync: discover factory children: %w", err)
		}
	}

	cached, err := s.cache.GetCachedIntervals(ctx, chainID, s.src.Fingerprint())
	if err != nil {
		return fmt.Errorf("historicalsync: get cached intervals: %w", err)
	}
	missing := synccache.MissingRanges(cached, s.src.StartBlock, finalizedTip)
	if len(missing) == 0 {
		return nil
	}

	for len(missing) > 0 {
		chunks := Plan(missing, s.chunker)
		if len(chunks) == 0 {
			return nil
		}

		results := make([]*chunkResult, len(chunks))
		var bisected bool

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i, chunk := range chunks {
			i, chunk := i, chunk
			g.Go(func() error {
				res, ferr := s.fetchChunk(gctx, chunk)
				if ferr != nil {
					if chain.IsResponseTooLarge(ferr) {
						s.chunker.OnResponseTooLarge()
						bisected = true
						return nil
					}
					return ferr
				}
				s.chunker.OnSuccess()
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("historicalsync: fetch chunks: %w", err)
		}

		for _, res := range results {
			if res == nil {
				// A bisected chunk: stop here so later chunks are not
				// emitted ahead of it; they are replanned below.
				break
			}
			if err := s.commitChunk(ctx, res); err != nil {
				return fmt.Errorf("historicalsync: commit chunk: %w", err)
			}
			for _, ev := range res.events {
				out <- ev
			}
		}

		if !bisected {
			return nil
		}

		cached, err = s.cache.GetCachedIntervals(ctx, chainID, s.src.Fingerprint())
		if err != nil {
			return fmt.Errorf("historicalsync: replan: get cached intervals: %w", err)
		}
		missing = synccache.MissingRanges(cached, s.src.StartBlock, finalizedTip)
	}

	return nil
}

// discoverFactoryAddresses scans [src.StartBlock, finalizedTip] for the
// factory's child-creation event and feeds every match into the source's
// FactoryWatcher, so fetchChunk can resolve the tracked event's filter
// addresses before fetching it (spec.md §3, scenario S5). Watcher state
// lives only in memory, so this always rescans the full range on startup
// rather than resuming from a persisted address set; it runs sequentially
// rather than alongside fetchChunk's parallel fan-out so addresses are
// always discovered before the chunk that might use them.
func (s *Syncer) discoverFactoryAddresses(ctx context.Context, finalizedTip uint64) error {
	f := s.src.FactoryConfig
	discChunker := NewChunker(s.chunker.ceiling)
	missing := []synccache.Interval{{FromBlock: s.src.StartBlock, ToBlock: finalizedTip}}

	for len(missing) > 0 {
		chunks := Plan(missing, discChunker)
		if len(chunks) == 0 {
			return nil
		}

		var bisected bool
		next := chunks[0].FromBlock
		for _, chunk := range chunks {
			query := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(chunk.FromBlock),
				ToBlock:   new(big.Int).SetUint64(chunk.ToBlock),
				Addresses: []common.Address{f.Address},
				Topics:    [][]common.Hash{{f.Event.ID}},
			}
			logs, err := s.client.FilterLogs(ctx, query)
			if err != nil {
				if chain.IsResponseTooLarge(err) {
					discChunker.OnResponseTooLarge()
					bisected = true
					break
				}
				return err
			}
			discChunker.OnSuccess()
			next = chunk.ToBlock + 1

			for _, log := range logs {
				if err := s.src.Watcher.Observe(log); err != nil {
					s.logger.Warn().Err(err).Msg("failed to observe factory child")
				}
			}
		}

		if !bisected {
			return nil
		}
		missing = synccache.MissingRanges(nil, next, finalizedTip)
	}
	return nil
}

// chunkResult holds everything fetched for one chunk, pending commitChunk,
// which writes it to the cache and then records the interval.
type chunkResult struct {
	chunk   synccache.Interval
	logs    []types.Log
	headers map[uint64]*types.Header
	events  []event.Event
}

func (s *Syncer) fetchChunk(ctx context.Context, chunk synccache.Interval) (*chunkResult, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(chunk.FromBlock),
		ToBlock:   new(big.Int).SetUint64(chunk.ToBlock),
	}
	switch {
	case s.src.IsFactory():
		addrs := s.src.Watcher.Addresses()
		if len(addrs) == 0 {
			// No children discovered in this range yet; nothing to fetch,
			// but still report success so the chunk's interval is cached.
			return &chunkResult{chunk: chunk, headers: make(map[uint64]*types.Header)}, nil
		}
		query.Addresses = addrs
	case s.src.Address != nil:
		query.Addresses = []common.Address{*s.src.Address}
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		if logs[i].TxIndex != logs[j].TxIndex {
			return logs[i].TxIndex < logs[j].TxIndex
		}
		return logs[i].Index < logs[j].Index
	})

	res := &chunkResult{
		chunk:   chunk,
		logs:    logs,
		headers: make(map[uint64]*types.Header),
	}

	for _, log := range logs {
		if _, ok := res.headers[log.BlockNumber]; ok {
			continue
		}
		hdr, err := s.client.HeaderByNumber(ctx, log.BlockNumber)
		if err != nil {
			return nil, err
		}
		res.headers[log.BlockNumber] = hdr
	}

	for _, log := range logs {
		eventName, payload, err := s.src.DecodeLog(log)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("block", log.BlockNumber).Msg("skipping undecodable log")
			continue
		}
		if payload == nil {
			continue
		}

		hdr := res.headers[log.BlockNumber]
		cp := checkpoint.Checkpoint{
			ChainID:          s.client.ChainID().Int64(),
			BlockTimestamp:   hdr.Time,
			BlockNumber:      log.BlockNumber,
			TransactionIndex: uint(log.TxIndex),
			EventIndex:       uint(log.Index),
		}
		src := event.SourceID{Network: s.src.Network, Contract: s.src.Name, EventName: eventName}
		res.events = append(res.events, event.NewLogEvent(cp, src, log, payload))
	}

	sort.Slice(res.events, func(i, j int) bool {
		return res.events[i].Checkpoint().Less(res.events[j].Checkpoint())
	})

	return res, nil
}

func (s *Syncer) commitChunk(ctx context.Context, res *chunkResult) error {
	chainID := s.client.ChainID().Int64()

	for _, hdr := range res.headers {
		if err := s.cache.InsertBlock(ctx, chainID, hdr); err != nil {
			return err
		}
	}
	for _, log := range res.logs {
		if err := s.cache.InsertLog(ctx, chainID, log); err != nil {
			return err
		}
	}
	if s.src.IncludeTransactionReceipts {
		for _, log := range res.logs {
			receipt, err := s.client.TransactionReceipt(ctx, log.TxHash)
			if err != nil {
				return err
			}
			if err := s.cache.InsertReceipt(ctx, chainID, receipt); err != nil {
				return err
			}
		}
	}

	return s.cache.InsertInterval(ctx, chainID, s.src.Fingerprint(), res.chunk.FromBlock, res.chunk.ToBlock)
}
