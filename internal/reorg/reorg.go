// Package reorg reconciles user-table state when realtime sync reports a
// chain reorganization: it replays the shadow journal in descending
// checkpoint order, undoing every write back to the common ancestor
// (spec.md §4.F).
package reorg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/journal"
)

// Reconciler applies journal-based rollback for one instance's tables.
type Reconciler struct {
	pool       *pgxpool.Pool
	instanceID string
	tables     []string
	journal    *journal.Journal
	logger     zerolog.Logger
}

// New constructs a Reconciler over the given user tables.
func New(pool *pgxpool.Pool, instanceID string, tables []string, j *journal.Journal, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		pool:       pool,
		instanceID: instanceID,
		tables:     tables,
		journal:    j,
		logger:     logger.With().Str("component", "reorg").Logger(),
	}
}

// Reconcile unwinds every user table back to ancestorCheckpoint, per
// spec.md §4.F steps 2-5. The caller is responsible for pausing the merger
// before calling this and resuming it afterward (step 1 and 6).
func (r *Reconciler) Reconcile(ctx context.Context, ancestorCheckpoint checkpoint.Checkpoint) error {
	for _, table := range r.tables {
		if err := r.reconcileTable(ctx, table, ancestorCheckpoint); err != nil {
			return fmt.Errorf("reorg: reconcile %s: %w", table, err)
		}
	}
	r.logger.Warn().Str("ancestor", ancestorCheckpoint.String()).Msg("rolled back user tables to reorg ancestor")
	return nil
}

func (r *Reconciler) reconcileTable(ctx context.Context, table string, ancestor checkpoint.Checkpoint) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := r.journal.ScanDescending(ctx, tx, r.instanceID, table, ancestor)
	if err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}

	physical := physicalTable(r.instanceID, table)
	var replayedIDs []int64

	for _, row := range rows {
		if err := applyInverse(ctx, tx, physical, row); err != nil {
			return fmt.Errorf("apply inverse for journal row %d: %w", row.ID, err)
		}
		replayedIDs = append(replayedIDs, row.ID)
	}

	if err := r.journal.DeleteRows(ctx, tx, r.instanceID, table, replayedIDs); err != nil {
		return fmt.Errorf("delete replayed rows: %w", err)
	}

	return tx.Commit(ctx)
}

// PruneFinalized deletes journal rows that can no longer be rolled back
// because the chain has finalized past them (spec.md §4.F, final
// paragraph). pkg/ponder's pruneLoop calls it on a fixed ticker.
func (r *Reconciler) PruneFinalized(ctx context.Context, finalized checkpoint.Checkpoint) error {
	for _, table := range r.tables {
		if err := r.pruneTable(ctx, table, finalized); err != nil {
			return fmt.Errorf("reorg: prune %s: %w", table, err)
		}
	}
	return nil
}

func (r *Reconciler) pruneTable(ctx context.Context, table string, finalized checkpoint.Checkpoint) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.journal.PruneBelow(ctx, tx, r.instanceID, table, finalized); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func physicalTable(instanceID, table string) string {
	return fmt.Sprintf("%s__%s", instanceID, table)
}
