package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ponder-sh/ponder/internal/checkpoint"
)

// Status is an instance's lifecycle phase (spec.md §3 Instance metadata).
type Status string

const (
	StatusHistorical Status = "historical"
	StatusLive       Status = "live"
	StatusStopped    Status = "stopped"
)

const (
	heartbeatInterval = 10 * time.Second
	staleAfter        = 60 * time.Second
	keepRecentStale   = 3

	instanceIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	instanceIDLength   = 4
)

// Instance describes one running or historical deployment row.
type Instance struct {
	InstanceID string
	BuildID    string
	SchemaJSON string
	Status     Status
	HeartbeatAt time.Time
	Checkpoint checkpoint.Checkpoint
}

// Registry manages _ponder_meta and the live-view cutover for one user
// schema.
type Registry struct {
	pool       *pgxpool.Pool
	schema     string
	tables     []string
	devMode    bool
	logger     zerolog.Logger
	instanceID string
	buildID    string
}

// Config selects the deployment identity inputs used to compute build_id
// and to decide whether crash-recovery adoption is allowed.
type Config struct {
	Schema              string
	Tables              []string
	DevMode             bool
	ConfigFingerprint   string
	SchemaFingerprint   string
	HandlerFingerprint  string
}

// ComputeBuildID hashes the three fingerprints the spec names: config,
// schema, and handler source. Any change to any of them yields a new
// build_id, which is what crash-resume adoption keys on.
func ComputeBuildID(configFingerprint, schemaFingerprint, handlerFingerprint string) string {
	h := sha256.New()
	h.Write([]byte(configFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(schemaFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(handlerFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

func newInstanceID() (string, error) {
	buf := make([]byte, instanceIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: generate instance id: %w", err)
	}
	id := make([]byte, instanceIDLength)
	for i, b := range buf {
		id[i] = instanceIDAlphabet[int(b)%len(instanceIDAlphabet)]
	}
	return string(id), nil
}

// Migrate creates _ponder_meta if it doesn't exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %s;
		CREATE TABLE IF NOT EXISTS %s._ponder_meta (
			instance_id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			schema_json JSONB NOT NULL,
			status TEXT NOT NULL,
			heartbeat_at TIMESTAMPTZ NOT NULL,
			checkpoint_timestamp BIGINT NOT NULL DEFAULT 0,
			checkpoint_chain_id BIGINT NOT NULL DEFAULT 0,
			checkpoint_block BIGINT NOT NULL DEFAULT 0,
			checkpoint_tx_index INT NOT NULL DEFAULT 0,
			checkpoint_event_index INT NOT NULL DEFAULT 0
		)
	`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{schema}.Sanitize()))
	if err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// Start computes build_id, allocates or adopts an instance_id,
// inserts/resumes the _ponder_meta row, and returns the checkpoint to
// resume from (zero for a fresh instance). It does not create the
// instance's {instance_id}__T or {instance_id}_reorg__T tables.
func Start(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger zerolog.Logger) (*Registry, checkpoint.Checkpoint, error) {
	r := &Registry{
		pool:    pool,
		schema:  cfg.Schema,
		tables:  cfg.Tables,
		devMode: cfg.DevMode,
		logger:  logger.With().Str("component", "registry").Logger(),
		buildID: ComputeBuildID(cfg.ConfigFingerprint, cfg.SchemaFingerprint, cfg.HandlerFingerprint),
	}

	if !cfg.DevMode {
		adopted, resumeCp, err := r.tryAdopt(ctx)
		if err != nil {
			return nil, checkpoint.Zero, err
		}
		if adopted != "" {
			r.instanceID = adopted
			r.logger.Info().Str("instance_id", adopted).Msg("adopted dead instance, resuming from checkpoint")
			return r, resumeCp, nil
		}
	}

	id, err := newInstanceID()
	if err != nil {
		return nil, checkpoint.Zero, err
	}
	r.instanceID = id

	if err := r.insertFresh(ctx); err != nil {
		return nil, checkpoint.Zero, err
	}
	return r, checkpoint.Zero, nil
}

// InstanceID returns this process's allocated or adopted instance id.
func (r *Registry) InstanceID() string { return r.instanceID }

// BuildID returns this process's computed build id.
func (r *Registry) BuildID() string { return r.buildID }

func (r *Registry) metaTable() string {
	return fmt.Sprintf("%s._ponder_meta", pgx.Identifier{r.schema}.Sanitize())
}

// tryAdopt scans for a dead instance (heartbeat older than staleAfter) with
// a matching build_id and, if found, adopts its instance_id and returns its
// last checkpoint.
func (r *Registry) tryAdopt(ctx context.Context) (instanceID string, resumeCp checkpoint.Checkpoint, err error) {
	cutoff := time.Now().Add(-staleAfter)

	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT instance_id, checkpoint_timestamp, checkpoint_chain_id, checkpoint_block, checkpoint_tx_index, checkpoint_event_index
		FROM %s
		WHERE build_id = $1 AND heartbeat_at < $2 AND status != 'stopped'
		ORDER BY heartbeat_at DESC
		LIMIT 1
	`, r.metaTable()), r.buildID, cutoff)

	var cp checkpoint.Checkpoint
	if err := row.Scan(&instanceID, &cp.BlockTimestamp, &cp.ChainID, &cp.BlockNumber, &cp.TransactionIndex, &cp.EventIndex); err != nil {
		if err == pgx.ErrNoRows {
			return "", checkpoint.Zero, nil
		}
		return "", checkpoint.Zero, fmt.Errorf("registry: adopt scan: %w", err)
	}

	if _, err := r.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET heartbeat_at = now() WHERE instance_id = $1`, r.metaTable()), instanceID); err != nil {
		return "", checkpoint.Zero, fmt.Errorf("registry: adopt heartbeat: %w", err)
	}

	return instanceID, cp, nil
}

func (r *Registry) insertFresh(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (instance_id, build_id, schema_json, status, heartbeat_at)
		VALUES ($1, $2, '{}', $3, now())
	`, r.metaTable()), r.instanceID, r.buildID, StatusHistorical)
	if err != nil {
		return fmt.Errorf("registry: insert instance: %w", err)
	}
	return nil
}

// Heartbeat updates heartbeat_at and checkpoint for this instance. Call it
// on a heartbeatInterval ticker.
func (r *Registry) Heartbeat(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET heartbeat_at = now(),
			checkpoint_timestamp = $2, checkpoint_chain_id = $3, checkpoint_block = $4,
			checkpoint_tx_index = $5, checkpoint_event_index = $6
		WHERE instance_id = $1
	`, r.metaTable()), r.instanceID, cp.BlockTimestamp, cp.ChainID, cp.BlockNumber, cp.TransactionIndex, cp.EventIndex)
	if err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

// HeartbeatInterval returns the spec-mandated heartbeat cadence.
func HeartbeatInterval() time.Duration { return heartbeatInterval }

// Cutover performs spec.md §4.G's live-view cutover: in one transaction,
// repoint each table's public view at this instance's physical table, then
// mark status=live. This is the /ready visibility point.
func (r *Registry) Cutover(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: cutover begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range r.tables {
		view := pgx.Identifier{r.schema, table}.Sanitize()
		physical := pgx.Identifier{r.schema, fmt.Sprintf("%s__%s", r.instanceID, table)}.Sanitize()
		_, err := tx.Exec(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS %s; CREATE VIEW %s AS SELECT * FROM %s;`, view, view, physical))
		if err != nil {
			return fmt.Errorf("registry: cutover view %s: %w", table, err)
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = $2 WHERE instance_id = $1`, r.metaTable()), r.instanceID, StatusLive); err != nil {
		return fmt.Errorf("registry: cutover status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: cutover commit: %w", err)
	}

	r.logger.Info().Str("instance_id", r.instanceID).Msg("cutover to live")
	return nil
}

// Stop marks this instance stopped. Called during graceful shutdown.
func (r *Registry) Stop(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET status = $2 WHERE instance_id = $1`, r.metaTable()), r.instanceID, StatusStopped)
	if err != nil {
		return fmt.Errorf("registry: stop: %w", err)
	}
	return nil
}

// GC enumerates stopped _ponder_meta rows and drops their physical tables.
// In dev mode every stopped instance is dropped immediately, since dev
// mode never adopts a dead instance on restart and has no use for its
// leftover tables; otherwise the keepRecentStale most recent are kept in
// case an operator wants to inspect them and all older ones are dropped
// (spec.md §4.G's stale-GC step).
func (r *Registry) GC(ctx context.Context) error {
	var (
		rows pgx.Rows
		err  error
	)
	if r.devMode {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT instance_id FROM %s
			WHERE status = 'stopped'
		`, r.metaTable()))
	} else {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT instance_id FROM %s
			WHERE status = 'stopped'
			ORDER BY heartbeat_at DESC
			OFFSET $1
		`, r.metaTable()), keepRecentStale)
	}
	if err != nil {
		return fmt.Errorf("registry: gc scan: %w", err)
	}

	var toDrop []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("registry: gc scan row: %w", err)
		}
		toDrop = append(toDrop, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry: gc scan: %w", err)
	}

	for _, id := range toDrop {
		if err := r.dropInstance(ctx, id); err != nil {
			return fmt.Errorf("registry: gc drop %s: %w", id, err)
		}
	}
	return nil
}

func (r *Registry) dropInstance(ctx context.Context, instanceID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range r.tables {
		physical := pgx.Identifier{r.schema, fmt.Sprintf("%s__%s", instanceID, table)}.Sanitize()
		reorgTable := pgx.Identifier{r.schema, fmt.Sprintf("%s_reorg__%s", instanceID, table)}.Sanitize()
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", physical)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", reorgTable)); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = $1`, r.metaTable()), instanceID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
