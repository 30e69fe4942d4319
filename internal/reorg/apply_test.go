package reorg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyWhereClauseOrdersColumnsDeterministically(t *testing.T) {
	where, args := keyWhereClause(map[string]any{"b": 2, "a": 1}, 1)
	assert.Equal(t, `"a" = $1 AND "b" = $2`, where)
	assert.Equal(t, []any{1, 2}, args)
}

func TestSortedKeysIsDeterministic(t *testing.T) {
	keys := sortedKeys(map[string]any{"z": 1, "a": 2, "m": 3})
	assert.Equal(t, []string{"a", "m", "z"}, keys)
}
