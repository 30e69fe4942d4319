// Package journal records every user-table mutation into a shadow
// {instance_id}_reorg__T table in the same transaction as the write it
// shadows, so internal/reorg can undo it if the chain reorganizes past
// that checkpoint (spec.md §3 Journal row, §4.F).
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ponder-sh/ponder/internal/checkpoint"
)

// Operation identifies the kind of write a journal row shadows.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Journal writes shadow rows. It holds no state of its own — every method
// takes the live transaction so the journal write commits atomically with
// the user write it shadows.
type Journal struct{}

// New constructs a Journal.
func New() *Journal { return &Journal{} }

func reorgTable(table string) string {
	return fmt.Sprintf("reorg__%s", table)
}

// EnsureTable creates the shadow table for a user table if it doesn't
// already exist. Nothing in this repository calls it: the engine creates
// neither the instance's user tables nor their shadow tables.
func (j *Journal) EnsureTable(ctx context.Context, tx pgx.Tx, instanceID, table string) error {
	physical := pgx.Identifier{fmt.Sprintf("%s_%s", instanceID, reorgTable(table))}.Sanitize()
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			operation TEXT NOT NULL,
			chain_id BIGINT NOT NULL,
			block_timestamp BIGINT NOT NULL,
			block_number BIGINT NOT NULL,
			transaction_index INT NOT NULL,
			event_index INT NOT NULL,
			primary_key JSONB NOT NULL,
			before_image JSONB
		)
	`, physical))
	if err != nil {
		return fmt.Errorf("journal: ensure table %s: %w", table, err)
	}
	return nil
}

// RecordInsert journals an insert; before_image is null since there was no
// prior row.
func (j *Journal) RecordInsert(ctx context.Context, tx pgx.Tx, instanceID, table string, cp checkpoint.Checkpoint, key map[string]any) error {
	return j.record(ctx, tx, instanceID, table, OpInsert, cp, key, nil)
}

// RecordUpdate journals an update, capturing the row as it was before the
// update was applied.
func (j *Journal) RecordUpdate(ctx context.Context, tx pgx.Tx, instanceID, table string, cp checkpoint.Checkpoint, key, before map[string]any) error {
	return j.record(ctx, tx, instanceID, table, OpUpdate, cp, key, before)
}

// RecordDelete journals a delete, capturing the deleted row so it can be
// re-inserted on rollback.
func (j *Journal) RecordDelete(ctx context.Context, tx pgx.Tx, instanceID, table string, cp checkpoint.Checkpoint, key, before map[string]any) error {
	return j.record(ctx, tx, instanceID, table, OpDelete, cp, key, before)
}

func (j *Journal) record(ctx context.Context, tx pgx.Tx, instanceID, table string, op Operation, cp checkpoint.Checkpoint, key, before map[string]any) error {
	physical := pgx.Identifier{fmt.Sprintf("%s_%s", instanceID, reorgTable(table))}.Sanitize()

	keyJSON, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("journal: marshal key: %w", err)
	}
	var beforeJSON []byte
	if before != nil {
		beforeJSON, err = json.Marshal(before)
		if err != nil {
			return fmt.Errorf("journal: marshal before image: %w", err)
		}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (operation, chain_id, block_timestamp, block_number, transaction_index, event_index, primary_key, before_image)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, physical), string(op), cp.ChainID, cp.BlockTimestamp, cp.BlockNumber, cp.TransactionIndex, cp.EventIndex, keyJSON, beforeJSON)
	if err != nil {
		return fmt.Errorf("journal: insert row: %w", err)
	}
	return nil
}

// Row is a journal entry read back during reorg replay.
type Row struct {
	ID          int64
	Operation   Operation
	Checkpoint  checkpoint.Checkpoint
	PrimaryKey  map[string]any
	BeforeImage map[string]any
}

// ScanDescending reads journal rows for table with checkpoint strictly
// greater than ancestor, in descending checkpoint order — the replay order
// internal/reorg needs to unwind writes newest-first (spec.md §4.F step 2).
func (j *Journal) ScanDescending(ctx context.Context, tx pgx.Tx, instanceID, table string, ancestor checkpoint.Checkpoint) ([]Row, error) {
	physical := pgx.Identifier{fmt.Sprintf("%s_%s", instanceID, reorgTable(table))}.Sanitize()

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id, operation, chain_id, block_timestamp, block_number, transaction_index, event_index, primary_key, before_image
		FROM %s
		WHERE block_timestamp > $1
		   OR (block_timestamp = $1 AND chain_id > $2)
		   OR (block_timestamp = $1 AND chain_id = $2 AND block_number > $3)
		   OR (block_timestamp = $1 AND chain_id = $2 AND block_number = $3 AND transaction_index > $4)
		   OR (block_timestamp = $1 AND chain_id = $2 AND block_number = $3 AND transaction_index = $4 AND event_index > $5)
		ORDER BY block_timestamp DESC, chain_id DESC, block_number DESC, transaction_index DESC, event_index DESC
	`, physical), ancestor.BlockTimestamp, ancestor.ChainID, ancestor.BlockNumber, ancestor.TransactionIndex, ancestor.EventIndex)
	if err != nil {
		return nil, fmt.Errorf("journal: scan descending %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r           Row
			op          string
			keyJSON     []byte
			beforeJSON  []byte
		)
		if err := rows.Scan(&r.ID, &op, &r.Checkpoint.ChainID, &r.Checkpoint.BlockTimestamp, &r.Checkpoint.BlockNumber, &r.Checkpoint.TransactionIndex, &r.Checkpoint.EventIndex, &keyJSON, &beforeJSON); err != nil {
			return nil, fmt.Errorf("journal: scan row: %w", err)
		}
		r.Operation = Operation(op)
		if err := json.Unmarshal(keyJSON, &r.PrimaryKey); err != nil {
			return nil, fmt.Errorf("journal: unmarshal key: %w", err)
		}
		if beforeJSON != nil {
			if err := json.Unmarshal(beforeJSON, &r.BeforeImage); err != nil {
				return nil, fmt.Errorf("journal: unmarshal before image: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRows removes replayed journal rows by id, once their inverse has
// been applied (spec.md §4.F step 4).
func (j *Journal) DeleteRows(ctx context.Context, tx pgx.Tx, instanceID, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	physical := pgx.Identifier{fmt.Sprintf("%s_%s", instanceID, reorgTable(table))}.Sanitize()
	_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", physical), ids)
	if err != nil {
		return fmt.Errorf("journal: delete rows %s: %w", table, err)
	}
	return nil
}

// PruneBelow deletes journal rows at or below the finalized checkpoint —
// they can never be rolled back (spec.md §4.F, last paragraph).
func (j *Journal) PruneBelow(ctx context.Context, tx pgx.Tx, instanceID, table string, finalized checkpoint.Checkpoint) error {
	physical := pgx.Identifier{fmt.Sprintf("%s_%s", instanceID, reorgTable(table))}.Sanitize()
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE block_timestamp < $1
		   OR (block_timestamp = $1 AND chain_id < $2)
		   OR (block_timestamp = $1 AND chain_id = $2 AND block_number < $3)
		   OR (block_timestamp = $1 AND chain_id = $2 AND block_number = $3 AND transaction_index < $4)
		   OR (block_timestamp = $1 AND chain_id = $2 AND block_number = $3 AND transaction_index = $4 AND event_index <= $5)
	`, physical), finalized.BlockTimestamp, finalized.ChainID, finalized.BlockNumber, finalized.TransactionIndex, finalized.EventIndex)
	if err != nil {
		return fmt.Errorf("journal: prune %s: %w", table, err)
	}
	return nil
}
