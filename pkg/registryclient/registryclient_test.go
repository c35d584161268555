package registryclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/toolrunner/pkg/types"
)

func TestClient_GetTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tools/echo@latest", r.URL.Path)
		_ = json.NewEncoder(w).Encode(types.Manifest{Name: "echo", Version: "latest"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	m, err := c.GetTool(t.Context(), "echo", "latest")
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Name)
}

func TestClient_GetTool_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetTool(t.Context(), "missing", "")
	assert.Error(t, err)
}

func TestClient_CheckAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tv-1", r.URL.Query().Get("tool_version_id"))
		_ = json.NewEncoder(w).Encode(accessCheckResponse{Allowed: true})
	}))
	defer srv.Close()

	c := New(srv.URL)
	allowed, err := c.CheckAccess(t.Context(), "tv-1", "agent-1", "plan", "writer")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"net"}, r.URL.Query()["capability"])
		_ = json.NewEncoder(w).Encode([]*types.Manifest{{Name: "fetch"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Search(t.Context(), "", []string{"net"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fetch", results[0].Name)
}
