package resolver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/toolrunner/pkg/registryclient"
	"github.com/cuemby/toolrunner/pkg/types"
)

func TestResolver_ResolveCachesHits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(types.Manifest{Name: "echo", Version: "1.0.0"})
	}))
	defer srv.Close()

	r := New(registryclient.New(srv.URL))

	m1, err := r.Resolve(t.Context(), "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m1.Version)

	m2, err := r.Resolve(t.Context(), "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, m1, m2)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second resolve should be served from cache")
}

func TestResolver_ResolveLatestStripsVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tools/echo", r.URL.Path)
		_ = json.NewEncoder(w).Encode(types.Manifest{Name: "echo", Version: "2.0.0"})
	}))
	defer srv.Close()

	r := New(registryclient.New(srv.URL))
	m, err := r.Resolve(t.Context(), "echo", "latest")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version)
}

func TestResolver_InvalidateDropsCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(types.Manifest{Name: "echo", Version: "1.0.0"})
	}))
	defer srv.Close()

	r := New(registryclient.New(srv.URL))
	_, err := r.Resolve(t.Context(), "echo", "1.0.0")
	require.NoError(t, err)

	r.Invalidate("echo", "1.0.0")

	_, err = r.Resolve(t.Context(), "echo", "1.0.0")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestResolver_ResolveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := New(registryclient.New(srv.URL))
	_, err := r.Resolve(t.Context(), "missing", "")
	assert.Error(t, err)
}
