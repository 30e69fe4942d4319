package reorg

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ponder-sh/ponder/internal/journal"
)

// applyInverse undoes one journal row against physical, per spec.md §4.F
// step 3: insert -> delete by pk; update -> restore before_image by pk;
// delete -> re-insert before_image.
func applyInverse(ctx context.Context, tx pgx.Tx, physical string, row journal.Row) error {
	switch row.Operation {
	case journal.OpInsert:
		return deleteByKey(ctx, tx, physical, row.PrimaryKey)
	case journal.OpUpdate:
		return restoreRow(ctx, tx, physical, row.PrimaryKey, row.BeforeImage)
	case journal.OpDelete:
		return reinsertRow(ctx, tx, physical, row.BeforeImage)
	default:
		return fmt.Errorf("unknown journal operation %q", row.Operation)
	}
}

func deleteByKey(ctx context.Context, tx pgx.Tx, physical string, key map[string]any) error {
	where, args := keyWhereClause(key, 1)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", pgx.Identifier{physical}.Sanitize(), where)
	_, err := tx.Exec(ctx, query, args...)
	return err
}

func restoreRow(ctx context.Context, tx pgx.Tx, physical string, key, before map[string]any) error {
	keys := sortedKeys(before)
	setParts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		setParts = append(setParts, fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1))
		args = append(args, before[k])
	}
	where, whereArgs := keyWhereClause(key, len(args)+1)
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", pgx.Identifier{physical}.Sanitize(), strings.Join(setParts, ", "), where)
	_, err := tx.Exec(ctx, query, args...)
	return err
}

func reinsertRow(ctx context.Context, tx pgx.Tx, physical string, before map[string]any) error {
	keys := sortedKeys(before)
	cols := make([]string, len(keys))
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = before[k]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		pgx.Identifier{physical}.Sanitize(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.Exec(ctx, query, args...)
	return err
}

func keyWhereClause(key map[string]any, start int) (string, []any) {
	keys := sortedKeys(key)
	parts := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), start+i)
		args[i] = key[k]
	}
	return strings.Join(parts, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
