package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleSchema = json.RawMessage(`{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string"},
		"retries": {"type": "integer", "minimum": 0}
	}
}`)

func TestValidator_ValidDocumentHasNoIssues(t *testing.T) {
	v := New()
	issues, err := v.Validate("tv-1", DirectionInput, sampleSchema, json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestValidator_MissingRequiredField(t *testing.T) {
	v := New()
	issues, err := v.Validate("tv-1", DirectionInput, sampleSchema, json.RawMessage(`{"retries":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}

func TestValidator_WrongType(t *testing.T) {
	v := New()
	issues, err := v.Validate("tv-1", DirectionInput, sampleSchema, json.RawMessage(`{"url":123}`))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}

func TestValidator_MalformedDocumentIsAnIssueNotAnError(t *testing.T) {
	v := New()
	issues, err := v.Validate("tv-1", DirectionInput, sampleSchema, json.RawMessage(`{not json`))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "$", issues[0].Path)
}

func TestValidator_CompileErrorOnInvalidSchema(t *testing.T) {
	v := New()
	_, err := v.Validate("tv-1", DirectionInput, json.RawMessage(`{"type": 123}`), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestValidator_CachesCompiledSchemaByDirection(t *testing.T) {
	v := New()
	_, err := v.Validate("tv-1", DirectionInput, sampleSchema, json.RawMessage(`{"url":"a"}`))
	require.NoError(t, err)

	// A separate direction must compile independently rather than reuse the
	// cached input schema.
	outputSchema := json.RawMessage(`{"type":"object","required":["result"]}`)
	issues, err := v.Validate("tv-1", DirectionOutput, outputSchema, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}
