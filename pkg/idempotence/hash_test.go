package idempotence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputHash_StableUnderKeyReordering(t *testing.T) {
	a := json.RawMessage(`{"a":1,"b":{"x":1,"y":2},"c":[1,2,3]}`)
	b := json.RawMessage(`{"c":[1,2,3],"b":{"y":2,"x":1},"a":1}`)

	h1, err := InputHash("tool-1", "1.0.0", a)
	require.NoError(t, err)
	h2, err := InputHash("tool-1", "1.0.0", b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestInputHash_DiffersOnValueChange(t *testing.T) {
	a := json.RawMessage(`{"a":1}`)
	b := json.RawMessage(`{"a":2}`)

	h1, err := InputHash("tool-1", "1.0.0", a)
	require.NoError(t, err)
	h2, err := InputHash("tool-1", "1.0.0", b)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestInputHash_DiffersOnToolOrVersion(t *testing.T) {
	input := json.RawMessage(`{"a":1}`)

	h1, err := InputHash("tool-1", "1.0.0", input)
	require.NoError(t, err)
	h2, err := InputHash("tool-2", "1.0.0", input)
	require.NoError(t, err)
	h3, err := InputHash("tool-1", "2.0.0", input)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestInputHash_InvalidJSON(t *testing.T) {
	_, err := InputHash("tool-1", "1.0.0", json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestInputHash_NestedArraysOfObjects(t *testing.T) {
	a := json.RawMessage(`{"items":[{"z":1,"a":2},{"b":3,"a":4}]}`)
	b := json.RawMessage(`{"items":[{"a":2,"z":1},{"a":4,"b":3}]}`)

	h1, err := InputHash("tool-1", "1.0.0", a)
	require.NoError(t, err)
	h2, err := InputHash("tool-1", "1.0.0", b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}
