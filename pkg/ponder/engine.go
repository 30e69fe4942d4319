// Package ponder is the public orchestration surface: it wires together
// the sync cache, historical and realtime sync, the event stream merger,
// the indexing store, reorg reconciliation, and the instance registry into
// one running engine (spec.md §2's data-flow description). It generalizes
// the teacher's internal/syncer.Syncer — a single-chain backfill/realtime
// mode switch — into a multi-chain, multi-source, checkpoint-merged
// pipeline; the mode-switch idiom survives per chain inside
// internal/historicalsync and internal/realtimesync instead of living
// here.
package ponder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ponder-sh/ponder/internal/chain"
	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/event"
	"github.com/ponder-sh/ponder/internal/journal"
	"github.com/ponder-sh/ponder/internal/merger"
	"github.com/ponder-sh/ponder/internal/notify"
	"github.com/ponder-sh/ponder/internal/registry"
	"github.com/ponder-sh/ponder/internal/reorg"
	"github.com/ponder-sh/ponder/internal/source"
	"github.com/ponder-sh/ponder/internal/store"
	"github.com/ponder-sh/ponder/internal/synccache"
	"github.com/ponder-sh/ponder/internal/telemetry"
)

// HandlerFunc processes one event, using s to read/write onchain tables.
// Per spec.md §4.E, all calls s makes during one invocation are serialized;
// the Engine guarantees at most one HandlerFunc is in flight at a time. s's
// SQL escape hatch is read-only for handlers; writes must go through
// Insert/Update/Delete so they're journaled.
type HandlerFunc func(ctx context.Context, ev event.Event, s *store.Store) error

// NetworkConfig describes one chain this engine indexes.
type NetworkConfig struct {
	Name                  string
	ChainID               int64
	HTTPURL               string
	WSURL                 string
	PollingInterval       time.Duration
	MaxRequestsPerSecond  float64
	FinalityDepth         uint64
	ChunkCeiling          uint64
}

// Config is everything the Engine needs to start.
type Config struct {
	Networks  []NetworkConfig
	Sources   []source.Source
	Tables    []store.TableSchema
	Schema    string // user schema name
	DevMode   bool

	ConfigFingerprint  string
	SchemaFingerprint  string
	HandlerFingerprint string

	BoltPath string // path for a registry.SideCache; the engine does not read it or open a side cache

	Notify *notify.Config // nil disables optional checkpoint notifications
}

// Engine is the running indexing instance.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	cache    *synccache.Cache
	reg      *registry.Registry
	journal  *journal.Journal
	store    *store.Store
	reconciler *reorg.Reconciler
	merger   *merger.Merger
	notifier *notify.Publisher
	metrics  *telemetry.Metrics

	clients map[string]*chain.Client // network name -> client
	handlers map[event.SourceID]HandlerFunc

	resumeCheckpoint checkpoint.Checkpoint
	historicalWG     sync.WaitGroup

	mu        sync.RWMutex
	ready     bool
	healthy   bool
	chainTips map[string]uint64
	chainSynced map[string]uint64
}

// New constructs an Engine. Call Run to start it.
func New(ctx context.Context, cfg Config, pool *pgxpool.Pool, metrics *telemetry.Metrics, logger zerolog.Logger) (*Engine, error) {
	logger = logger.With().Str("component", "engine").Logger()

	if err := synccache.New(pool, logger).Migrate(ctx); err != nil {
		return nil, err
	}
	if err := registry.Migrate(ctx, pool, cfg.Schema); err != nil {
		return nil, err
	}

	reg, resumeCp, err := registry.Start(ctx, pool, registry.Config{
		Schema:             cfg.Schema,
		Tables:             tableNames(cfg.Tables),
		DevMode:            cfg.DevMode,
		ConfigFingerprint:  cfg.ConfigFingerprint,
		SchemaFingerprint:  cfg.SchemaFingerprint,
		HandlerFingerprint: cfg.HandlerFingerprint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("ponder: registry start: %w", err)
	}

	j := journal.New()
	s := store.New(pool, reg.InstanceID(), cfg.Tables, j)
	reconciler := reorg.New(pool, reg.InstanceID(), tableNames(cfg.Tables), j, logger)

	clients := make(map[string]*chain.Client, len(cfg.Networks))
	for _, n := range cfg.Networks {
		c, err := chain.Dial(ctx, chain.Config{
			Name:                  n.Name,
			ChainID:               n.ChainID,
			HTTPURL:               n.HTTPURL,
			WSURL:                 n.WSURL,
			MaxRequestsPerSecond:  n.MaxRequestsPerSecond,
			MaxConcurrentRequests: 25,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("ponder: dial %s: %w", n.Name, err)
		}
		clients[n.Name] = c
	}

	var notifier *notify.Publisher
	if cfg.Notify != nil {
		notifier, err = notify.Connect(ctx, *cfg.Notify, reg.InstanceID(), logger)
		if err != nil {
			logger.Warn().Err(err).Msg("checkpoint notifications disabled: connect failed")
			notifier = nil
		}
	}

	e := &Engine{
		cfg:              cfg,
		logger:           logger,
		pool:             pool,
		cache:            synccache.New(pool, logger),
		reg:              reg,
		journal:          j,
		store:            s,
		reconciler:       reconciler,
		notifier:         notifier,
		metrics:          metrics,
		clients:          clients,
		handlers:         make(map[event.SourceID]HandlerFunc),
		resumeCheckpoint: resumeCp,
		healthy:          true,
		chainTips:        make(map[string]uint64),
		chainSynced:      make(map[string]uint64),
	}
	return e, nil
}

// ResumeCheckpoint returns the checkpoint this instance resumed from —
// zero for a fresh instance, or the last heartbeat recorded by the dead
// instance this one adopted (spec.md §4.G step 2).
func (e *Engine) ResumeCheckpoint() checkpoint.Checkpoint { return e.resumeCheckpoint }

// RegisterHandler binds fn to every (contract, eventName) combination
// matching id. Call before Run.
func (e *Engine) RegisterHandler(id event.SourceID, fn HandlerFunc) {
	e.handlers[id] = fn
}

func tableNames(schemas []store.TableSchema) []string {
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}

// Healthy implements telemetry.StatusSource.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// Ready implements telemetry.StatusSource: true once live-view cutover has
// happened.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// ChainLag implements telemetry.StatusSource.
func (e *Engine) ChainLag() map[string]uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lag := make(map[string]uint64, len(e.chainTips))
	for name, tip := range e.chainTips {
		synced := e.chainSynced[name]
		if tip > synced {
			lag[name] = tip - synced
		} else {
			lag[name] = 0
		}
	}
	return lag
}

func (e *Engine) setSynced(network string, block uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chainSynced[network] = block
}

func (e *Engine) setTip(network string, block uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chainTips[network] = block
}

func (e *Engine) setUnhealthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
}

// sourcesForNetwork returns every configured source bound to network, used
// when spinning up that network's historical+realtime syncer pair.
func (e *Engine) sourcesForNetwork(network string) []source.Source {
	var out []source.Source
	for _, s := range e.cfg.Sources {
		if s.Network == network {
			out = append(out, s)
		}
	}
	return out
}

// SafeCheckpoint returns the merger's current low-watermark: every event
// at or below it has been emitted to the merger's output stream. Emitted
// events may still be waiting in that stream's buffer, not yet handled.
func (e *Engine) SafeCheckpoint() checkpoint.Checkpoint {
	if e.merger == nil {
		return checkpoint.Zero
	}
	return e.merger.SafeCheckpoint()
}
