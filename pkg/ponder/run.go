package ponder

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ponder-sh/ponder/internal/chain"
	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/event"
	"github.com/ponder-sh/ponder/internal/historicalsync"
	"github.com/ponder-sh/ponder/internal/merger"
	"github.com/ponder-sh/ponder/internal/ponderr"
	"github.com/ponder-sh/ponder/internal/realtimesync"
	"github.com/ponder-sh/ponder/internal/registry"
	"github.com/ponder-sh/ponder/internal/source"
	"github.com/ponder-sh/ponder/internal/synccache"
)

const (
	shutdownHeartbeatMax = 3 * time.Second
	pruneInterval        = 5 * time.Minute
)

// Run starts every per-network pipeline, the merger, the dispatch loop, and
// the heartbeat/GC background tasks, and blocks until ctx is canceled or a
// fatal error (e.g. a DeepReorg) occurs. It always runs the full shutdown
// sequence before returning, per spec.md §4.G step 6's single-root
// cancellation.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	feeds := make([]merger.ChainFeed, 0, len(e.cfg.Networks))
	pipelines := make([]*networkPipeline, 0, len(e.cfg.Networks))

	for _, n := range e.cfg.Networks {
		client, ok := e.clients[n.Name]
		if !ok {
			return fmt.Errorf("ponder: no dialed client for network %q", n.Name)
		}
		p := &networkPipeline{
			engine:  e,
			network: n,
			client:  client,
			sources: e.sourcesForNetwork(n.Name),
			evCh:    make(chan event.Event, 1024),
			wmCh:    make(chan checkpoint.Checkpoint, 1024),
			signals: make(chan realtimesync.Signal, 64),
		}
		pipelines = append(pipelines, p)
		feeds = append(feeds, merger.ChainFeed{
			ChainID:    n.ChainID,
			In:         p.evCh,
			Watermarks: p.wmCh,
		})
	}

	e.merger = merger.New(feeds, merger.Config{}, e.logger)

	e.historicalWG.Add(len(pipelines))
	group, groupCtx := errgroup.WithContext(runCtx)

	for _, p := range pipelines {
		p := p
		group.Go(func() error { return p.run(groupCtx) })
	}

	group.Go(func() error {
		e.merger.Run(groupCtx)
		return nil
	})

	group.Go(func() error { return e.dispatchLoop(groupCtx) })
	group.Go(func() error { return e.heartbeatLoop(groupCtx) })
	group.Go(func() error { return e.gcLoop(groupCtx) })
	group.Go(func() error { return e.pruneLoop(groupCtx) })
	group.Go(func() error { return e.cutoverOnceHistoricalDone(groupCtx) })

	runErr := group.Wait()
	e.shutdown(runErr)
	return runErr
}

// networkPipeline runs one chain's historical backfill followed by its
// indefinite realtime poll, forwarding both into the event/watermark pair
// the merger consumes, and handling that chain's reorg signals inline.
type networkPipeline struct {
	engine  *Engine
	network NetworkConfig
	client  *chain.Client
	sources []source.Source
	evCh    chan event.Event
	wmCh    chan checkpoint.Checkpoint
	signals chan realtimesync.Signal
}

func (p *networkPipeline) run(ctx context.Context) error {
	logger := p.engine.logger.With().Str("network", p.network.Name).Logger()

	latest, err := p.client.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ponder: %s: latest block: %w", p.network.Name, err)
	}
	finalizedTip := synccache.FinalizedTip(latest, p.network.FinalityDepth)
	p.engine.setTip(p.network.Name, latest)

	ceiling := p.network.ChunkCeiling
	if ceiling == 0 {
		ceiling = 2_000_000
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, src := range p.sources {
		src := src
		group.Go(func() error {
			syncer := historicalsync.New(p.client, p.engine.cache, src, ceiling, logger)
			if err := syncer.Run(groupCtx, finalizedTip, p.evCh); err != nil {
				return fmt.Errorf("historical sync %s/%s: %w", p.network.Name, src.Name, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	p.engine.setSynced(p.network.Name, finalizedTip)
	logger.Info().Uint64("finalized_tip", finalizedTip).Msg("historical backfill complete, entering realtime sync")
	p.engine.historicalWG.Done()

	go p.pumpSignals(ctx)

	realtime := realtimesync.New(p.client, p.engine.cache, p.sources, realtimesync.Config{
		PollingInterval: p.network.PollingInterval,
		FinalityDepth:   p.network.FinalityDepth,
	}, logger)

	return realtime.Run(ctx, p.evCh, p.signals)
}

// pumpSignals advances this chain's watermark on every forwarded block and
// routes Reorg/DeepReorg signals to the engine's reconciliation path.
func (p *networkPipeline) pumpSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-p.signals:
			if !ok {
				return
			}
			if sig.Block != nil {
				p.engine.setTip(p.network.Name, sig.Block.Number.Uint64())
				select {
				case p.wmCh <- watermarkFromBlockBoundary(p.network.ChainID, sig.Block.Time, sig.Block.Number.Uint64()):
				case <-ctx.Done():
					return
				}
			}
			if err := p.engine.handleSignal(ctx, p.network, sig); err != nil {
				p.engine.logger.Error().Err(err).Str("network", p.network.Name).Msg("fatal reorg signal")
				p.engine.setUnhealthy()
				return
			}
			if sig.Kind == realtimesync.BlockForward {
				p.engine.setSynced(p.network.Name, sig.Block.Number.Uint64())
			}
		}
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-e.merger.Out():
			if !ok {
				return nil
			}
			if err := e.dispatch(ctx, ev); err != nil {
				e.setUnhealthy()
				return fmt.Errorf("ponder: handler dispatch: %w", err)
			}
		}
	}
}

// dispatch invokes the single handler registered for ev's source. The
// engine never runs two handler invocations concurrently (spec.md §4.E):
// dispatchLoop is single-goroutine, so this call is already serialized.
func (e *Engine) dispatch(ctx context.Context, ev event.Event) error {
	fn, ok := e.handlers[ev.Source()]
	if !ok {
		return nil
	}

	start := time.Now()
	err := fn(ctx, ev, e.store)
	if e.metrics != nil {
		e.metrics.HandlerDuration.WithLabelValues(ev.Source().Contract, ev.Source().EventName).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("handler %s.%s: %w", ev.Source().Contract, ev.Source().EventName, err)
	}
	if e.metrics != nil {
		e.metrics.EventsIndexed.WithLabelValues(ev.Source().Network, ev.Source().Contract, ev.Source().EventName).Inc()
	}

	if e.notifier != nil {
		safe := e.merger.SafeCheckpoint()
		if err := e.notifier.PublishCheckpoint(ctx, safe); err != nil {
			e.logger.Warn().Err(err).Msg("checkpoint notification publish failed")
		}
	}
	return nil
}

func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(registry.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.reg.Heartbeat(ctx, e.merger.SafeCheckpoint()); err != nil {
				e.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// cutoverOnceHistoricalDone waits for every network's historical backfill
// to finish, then flips the live views onto this instance's physical
// tables (spec.md §4.G step 4) and marks the engine ready. In dev mode it
// cuts over immediately instead of waiting, so a developer sees rows as
// they're indexed rather than after the full backfill completes
// (spec.md §4.G's dev-mode carve-out). It is a no-op if ctx is canceled
// first.
func (e *Engine) cutoverOnceHistoricalDone(ctx context.Context) error {
	if !e.cfg.DevMode {
		done := make(chan struct{})
		go func() {
			e.historicalWG.Wait()
			close(done)
		}()

		select {
		case <-ctx.Done():
			return nil
		case <-done:
		}
	}

	if err := e.reg.Cutover(ctx); err != nil {
		return fmt.Errorf("ponder: live-view cutover: %w", err)
	}
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	e.logger.Info().Msg("live-view cutover complete")
	return nil
}

// pruneLoop periodically deletes journal rows the merger's safe checkpoint
// has already passed, so a long-running instance's journal tables don't
// grow without bound (spec.md §4.F, final paragraph).
func (e *Engine) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.reconciler.PruneFinalized(ctx, e.merger.SafeCheckpoint()); err != nil {
				e.logger.Warn().Err(err).Msg("journal prune failed")
			}
		}
	}
}

func (e *Engine) gcLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.reg.GC(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("stale instance gc failed")
			}
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, network NetworkConfig, sig realtimesync.Signal) error {
	switch sig.Kind {
	case realtimesync.Reorg:
		// The ancestor stays canonical, so its own events' writes are kept:
		// roll back only what sorts after the ancestor block's last event.
		ancestorCp := watermarkFromBlockBoundary(network.ChainID, sig.CommonAncestor.Time, sig.CommonAncestor.Number.Uint64())
		if e.metrics != nil {
			e.metrics.ReorgDepth.WithLabelValues(network.Name).Observe(float64(sig.Depth))
		}

		resume, err := e.merger.Pause(ctx)
		if err != nil {
			return fmt.Errorf("ponder: pause merger for reorg: %w", err)
		}
		reconcileErr := e.reconciler.Reconcile(ctx, ancestorCp)
		resume()
		if reconcileErr != nil {
			return fmt.Errorf("ponder: reorg reconcile: %w", reconcileErr)
		}
	case realtimesync.DeepReorg:
		return ponderr.New(ponderr.KindDeepReorg, "reorg exceeded finality depth, instance must restart")
	}
	return nil
}

// watermarkFromBlockBoundary upper-bounds the checkpoints a block with no
// matching events could possibly have produced, letting the merger advance
// past idle blocks without waiting for its own idle timeout.
func watermarkFromBlockBoundary(chainID int64, timestamp, number uint64) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		ChainID:          chainID,
		BlockTimestamp:   timestamp,
		BlockNumber:      number,
		TransactionIndex: math.MaxUint32,
		EventIndex:       math.MaxUint32,
	}
}

// shutdown runs the graceful teardown sequence regardless of why Run
// returned: flush the heartbeat to stopped, close RPC clients, and never
// touch table or view state (spec.md §4.G step 6). cause is logged but
// does not change the sequence.
func (e *Engine) shutdown(cause error) {
	e.logger.Info().Err(cause).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownHeartbeatMax)
	defer cancel()

	if e.reg != nil {
		if err := e.reg.Stop(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("failed to record stopped status")
		}
	}
	if e.notifier != nil {
		e.notifier.Close()
	}
	for name, c := range e.clients {
		c.Close()
		e.logger.Debug().Str("network", name).Msg("rpc client closed")
	}
	e.pool.Close()
}
