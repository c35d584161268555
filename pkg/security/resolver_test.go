package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	t.Setenv("TOOLRUNNER_SECRET_GITHUB_TOKEN", "ghp_abc123")

	r := NewResolver()
	env, err := r.Resolve([]string{"github_token"})
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc123", env["GITHUB_TOKEN"])
}

func TestResolver_ResolveMissingSecret(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve([]string{"does_not_exist"})
	assert.Error(t, err)
}

func TestResolver_ResolveEmptyList(t *testing.T) {
	r := NewResolver()
	env, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, env)
}
