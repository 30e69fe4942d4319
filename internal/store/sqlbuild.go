package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// whereClause builds a "col1 = $n AND col2 = $n+1 ..." clause over pk
// columns, reading values from key, with placeholders starting at start.
func whereClause(pk []string, key map[string]any, start int) (string, []any) {
	parts := make([]string, 0, len(pk))
	args := make([]any, 0, len(pk))
	for i, col := range pk {
		parts = append(parts, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), start+i))
		args = append(args, key[col])
	}
	return strings.Join(parts, " AND "), args
}

// insertClause builds "(col1, col2), ($1, $2), "col1, col2"" pieces for an
// INSERT statement, with columns in deterministic (sorted) order so
// generated SQL is stable across runs.
func insertClause(values map[string]any) (cols string, args []any, placeholders string) {
	keys := sortedKeys(values)
	colParts := make([]string, len(keys))
	placeholderParts := make([]string, len(keys))
	args = make([]any, len(keys))
	for i, k := range keys {
		colParts[i] = pgx.Identifier{k}.Sanitize()
		placeholderParts[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[k]
	}
	return strings.Join(colParts, ", "), args, strings.Join(placeholderParts, ", ")
}

// assignClause builds "col1 = $1, col2 = $2" for an UPDATE SET list.
func assignClause(set map[string]any) (string, []any) {
	keys := sortedKeys(set)
	parts := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1)
		args[i] = set[k]
	}
	return strings.Join(parts, ", "), args
}

// updateSet builds the SET list for an ON CONFLICT DO UPDATE clause,
// excluding primary key columns (they can't be reassigned by a conflict
// update).
func updateSet(values map[string]any, pk []string) string {
	pkSet := make(map[string]struct{}, len(pk))
	for _, k := range pk {
		pkSet[k] = struct{}{}
	}
	keys := sortedKeys(values)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, isPK := pkSet[k]; isPK {
			continue
		}
		col := pgx.Identifier{k}.Sanitize()
		parts = append(parts, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	return strings.Join(parts, ", ")
}

func pkColumns(pk []string) string {
	cols := make([]string, len(pk))
	for i, k := range pk {
		cols[i] = pgx.Identifier{k}.Sanitize()
	}
	return strings.Join(cols, ", ")
}

func pkFromValues(pk []string, values map[string]any) map[string]any {
	key := make(map[string]any, len(pk))
	for _, k := range pk {
		key[k] = values[k]
	}
	return key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func rowToMap(rows pgx.Rows) (map[string]any, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()

	row := make(map[string]any, len(fields))
	for i, f := range fields {
		row[string(f.Name)] = values[i]
	}
	return row, nil
}
