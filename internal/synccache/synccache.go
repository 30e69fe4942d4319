// Package synccache implements the durable, lock-free per-chain cache of
// finalized blockchain data (spec.md §4.A). Writes use INSERT ... ON
// CONFLICT DO NOTHING, the same idiom the teacher's consumer uses for every
// event table in cmd/consumer/main.go, so concurrent writers converge
// without row-level locking.
package synccache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Cache is the sync-schema data access object, shared (multi-writer safe)
// across all instances of a deployment.
type Cache struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New wraps an existing pool. The caller is responsible for calling
// Migrate once at startup.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Cache {
	return &Cache{pool: pool, logger: logger.With().Str("component", "synccache").Logger()}
}

// Migrate creates the sync schema and its tables if they do not already
// exist.
func (c *Cache) Migrate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("synccache: migrate: %w", err)
	}
	return nil
}

// FinalizedTip returns the highest block number that chainID may write
// rows for: latestBlockNumber - finalityDepth (spec.md §4.A). Blocks above
// this boundary must never be persisted.
func FinalizedTip(latest, finalityDepth uint64) uint64 {
	if latest <= finalityDepth {
		return 0
	}
	return latest - finalityDepth
}

// InsertBlock stores a finalized block header. Callers MUST have already
// verified number <= FinalizedTip(...); InsertBlock does not re-verify,
// since that check spans chain state the cache doesn't own.
func (c *Cache) InsertBlock(ctx context.Context, chainID int64, header *types.Header) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO sync.blocks (chain_id, block_number, block_hash, parent_hash, block_timestamp, raw)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, block_hash) DO NOTHING
	`, chainID, header.Number.Uint64(), header.Hash().Hex(), header.ParentHash.Hex(), header.Time, mustJSON(header))
	if err != nil {
		return fmt.Errorf("synccache: insert block: %w", err)
	}
	return nil
}

// InsertTransaction stores a transaction belonging to a cached block.
func (c *Cache) InsertTransaction(ctx context.Context, chainID int64, blockHash common.Hash, tx *types.Transaction) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO sync.transactions (chain_id, block_hash, tx_hash, tx_index, raw)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING
	`, chainID, blockHash.Hex(), tx.Hash().Hex(), 0, mustJSON(tx))
	if err != nil {
		return fmt.Errorf("synccache: insert transaction: %w", err)
	}
	return nil
}

// InsertReceipt stores a transaction receipt.
func (c *Cache) InsertReceipt(ctx context.Context, chainID int64, receipt *types.Receipt) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO sync.transaction_receipts (chain_id, tx_hash, raw)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING
	`, chainID, receipt.TxHash.Hex(), mustJSON(receipt))
	if err != nil {
		return fmt.Errorf("synccache: insert receipt: %w", err)
	}
	return nil
}

// InsertLog stores a single log keyed by blockHash-logIndex, the teacher's
// txHash-logIndex dedup idiom from internal/nats/publisher.go adapted to
// the cache's own natural key.
func (c *Cache) InsertLog(ctx context.Context, chainID int64, log types.Log) error {
	logID := fmt.Sprintf("%s-%d", log.BlockHash.Hex(), log.Index)
	_, err := c.pool.Exec(ctx, `
		INSERT INTO sync.logs (chain_id, log_id, block_hash, block_number, address, tx_hash, log_index, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chain_id, log_id) DO NOTHING
	`, chainID, logID, log.BlockHash.Hex(), log.BlockNumber, log.Address.Hex(), log.TxHash.Hex(), log.Index, mustJSON(log))
	if err != nil {
		return fmt.Errorf("synccache: insert log: %w", err)
	}
	return nil
}

// GetLogs returns cached logs for chainID within [fromBlock, toBlock]
// matching addresses (empty means all addresses).
func (c *Cache) GetLogs(ctx context.Context, chainID int64, fromBlock, toBlock uint64, addresses []common.Address) ([]types.Log, error) {
	addrStrs := make([]string, len(addresses))
	for i, a := range addresses {
		addrStrs[i] = a.Hex()
	}

	query := `
		SELECT raw FROM sync.logs
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		AND ($4::text[] IS NULL OR address = ANY($4))
		ORDER BY block_number, log_index
	`
	var addrArg any
	if len(addrStrs) > 0 {
		addrArg = addrStrs
	}

	pgRows, err := c.pool.Query(ctx, query, chainID, fromBlock, toBlock, addrArg)
	if err != nil {
		return nil, fmt.Errorf("synccache: get logs: %w", err)
	}
	defer pgRows.Close()

	var out []types.Log
	for pgRows.Next() {
		var raw []byte
		if err := pgRows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("synccache: scan log: %w", err)
		}
		var log types.Log
		if err := json.Unmarshal(raw, &log); err != nil {
			return nil, fmt.Errorf("synccache: unmarshal log: %w", err)
		}
		out = append(out, log)
	}
	return out, pgRows.Err()
}

// Interval is a cached contiguous block range for a given source
// fingerprint (spec.md §3 Sync Cache entity, §4.A interval bookkeeping).
type Interval struct {
	FromBlock uint64
	ToBlock   uint64
}

// GetCachedIntervals returns the merged, sorted set of block ranges already
// cached for fingerprint on chainID.
func (c *Cache) GetCachedIntervals(ctx context.Context, chainID int64, fingerprint string) ([]Interval, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT from_block, to_block FROM sync.intervals
		WHERE chain_id = $1 AND fingerprint = $2
		ORDER BY from_block
	`, chainID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("synccache: get intervals: %w", err)
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.FromBlock, &iv.ToBlock); err != nil {
			return nil, fmt.Errorf("synccache: scan interval: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// InsertInterval records that [fromBlock, toBlock] has been fully fetched
// for fingerprint, then compacts any overlapping or adjacent rows into one.
// Compaction keeps sync.intervals small regardless of how finely
// historicalsync chunks its backfill.
func (c *Cache) InsertInterval(ctx context.Context, chainID int64, fingerprint string, fromBlock, toBlock uint64) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("synccache: insert interval: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := tx.Query(ctx, `
		SELECT from_block, to_block FROM sync.intervals
		WHERE chain_id = $1 AND fingerprint = $2 AND from_block <= $4 + 1 AND to_block + 1 >= $3
		FOR UPDATE
	`, chainID, fingerprint, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("synccache: insert interval: query overlaps: %w", err)
	}

	merged := Interval{FromBlock: fromBlock, ToBlock: toBlock}
	var toDelete []Interval
	for existing.Next() {
		var iv Interval
		if err := existing.Scan(&iv.FromBlock, &iv.ToBlock); err != nil {
			existing.Close()
			return fmt.Errorf("synccache: insert interval: scan overlap: %w", err)
		}
		merged = mergeIntervals(merged, iv)
		toDelete = append(toDelete, iv)
	}
	existing.Close()

	for _, iv := range toDelete {
		if _, err := tx.Exec(ctx, `
			DELETE FROM sync.intervals WHERE chain_id = $1 AND fingerprint = $2 AND from_block = $3 AND to_block = $4
		`, chainID, fingerprint, iv.FromBlock, iv.ToBlock); err != nil {
			return fmt.Errorf("synccache: insert interval: delete merged: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync.intervals (chain_id, fingerprint, from_block, to_block) VALUES ($1, $2, $3, $4)
	`, chainID, fingerprint, merged.FromBlock, merged.ToBlock); err != nil {
		return fmt.Errorf("synccache: insert interval: insert merged: %w", err)
	}

	return tx.Commit(ctx)
}

func mergeIntervals(a, b Interval) Interval {
	merged := a
	if b.FromBlock < merged.FromBlock {
		merged.FromBlock = b.FromBlock
	}
	if b.ToBlock > merged.ToBlock {
		merged.ToBlock = b.ToBlock
	}
	return merged
}

// MissingRanges subtracts the cached intervals from [fromBlock, toBlock],
// returning the sub-ranges historicalsync still needs to fetch.
func MissingRanges(cached []Interval, fromBlock, toBlock uint64) []Interval {
	if fromBlock > toBlock {
		return nil
	}

	var missing []Interval
	cursor := fromBlock
	for _, iv := range cached {
		if iv.ToBlock < cursor {
			continue
		}
		if iv.FromBlock > toBlock {
			break
		}
		if iv.FromBlock > cursor {
			missing = append(missing, Interval{FromBlock: cursor, ToBlock: iv.FromBlock - 1})
		}
		if iv.ToBlock+1 > cursor {
			cursor = iv.ToBlock + 1
		}
	}
	if cursor <= toBlock {
		missing = append(missing, Interval{FromBlock: cursor, ToBlock: toBlock})
	}
	return missing
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Marshal failures here indicate a go-ethereum type that changed
		// shape underneath us; there's no recovery path at the call site.
		panic(fmt.Sprintf("synccache: marshal %T: %v", v, err))
	}
	return data
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS sync;

CREATE TABLE IF NOT EXISTS sync.blocks (
	chain_id        BIGINT NOT NULL,
	block_number    BIGINT NOT NULL,
	block_hash      TEXT NOT NULL,
	parent_hash     TEXT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	raw             JSONB NOT NULL,
	PRIMARY KEY (chain_id, block_hash)
);
CREATE INDEX IF NOT EXISTS blocks_chain_number_idx ON sync.blocks (chain_id, block_number);

CREATE TABLE IF NOT EXISTS sync.transactions (
	chain_id   BIGINT NOT NULL,
	block_hash TEXT NOT NULL,
	tx_hash    TEXT NOT NULL,
	tx_index   INT NOT NULL,
	raw        JSONB NOT NULL,
	PRIMARY KEY (chain_id, tx_hash)
);

CREATE TABLE IF NOT EXISTS sync.transaction_receipts (
	chain_id BIGINT NOT NULL,
	tx_hash  TEXT NOT NULL,
	raw      JSONB NOT NULL,
	PRIMARY KEY (chain_id, tx_hash)
);

CREATE TABLE IF NOT EXISTS sync.logs (
	chain_id     BIGINT NOT NULL,
	log_id       TEXT NOT NULL,
	block_hash   TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	address      TEXT NOT NULL,
	tx_hash      TEXT NOT NULL,
	log_index    INT NOT NULL,
	raw          JSONB NOT NULL,
	PRIMARY KEY (chain_id, log_id)
);
CREATE INDEX IF NOT EXISTS logs_chain_number_idx ON sync.logs (chain_id, block_number);
CREATE INDEX IF NOT EXISTS logs_chain_address_idx ON sync.logs (chain_id, address);

CREATE TABLE IF NOT EXISTS sync.traces (
	chain_id  BIGINT NOT NULL,
	trace_id  TEXT NOT NULL,
	tx_hash   TEXT NOT NULL,
	raw       JSONB NOT NULL,
	PRIMARY KEY (chain_id, trace_id)
);

CREATE TABLE IF NOT EXISTS sync.rpc_request_results (
	chain_id     BIGINT NOT NULL,
	request_hash TEXT NOT NULL,
	result       JSONB NOT NULL,
	PRIMARY KEY (chain_id, request_hash)
);

CREATE TABLE IF NOT EXISTS sync.intervals (
	chain_id    BIGINT NOT NULL,
	fingerprint TEXT NOT NULL,
	from_block  BIGINT NOT NULL,
	to_block    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS intervals_lookup_idx ON sync.intervals (chain_id, fingerprint, from_block, to_block);
`
