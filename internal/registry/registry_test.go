package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBuildIDIsDeterministic(t *testing.T) {
	a := ComputeBuildID("cfg", "schema", "handlers")
	b := ComputeBuildID("cfg", "schema", "handlers")
	assert.Equal(t, a, b)
}

func TestComputeBuildIDChangesWithAnyInput(t *testing.T) {
	base := ComputeBuildID("cfg", "schema", "handlers")
	assert.NotEqual(t, base, ComputeBuildID("cfg2", "schema", "handlers"))
	assert.NotEqual(t, base, ComputeBuildID("cfg", "schema2", "handlers"))
	assert.NotEqual(t, base, ComputeBuildID("cfg", "schema", "handlers2"))
}

func TestNewInstanceIDShapeAndAlphabet(t *testing.T) {
	id, err := newInstanceID()
	assert.NoError(t, err)
	assert.Len(t, id, instanceIDLength)
	for _, r := range id {
		assert.True(t, strings.ContainsRune(instanceIDAlphabet, r))
	}
}

func TestNewInstanceIDVaries(t *testing.T) {
	a, err := newInstanceID()
	assert.NoError(t, err)
	b, err := newInstanceID()
	assert.NoError(t, err)
	// Not a correctness guarantee, but with 62^4 space collisions across two
	// draws in a unit test are astronomically unlikely.
	assert.NotEqual(t, a, b)
}
