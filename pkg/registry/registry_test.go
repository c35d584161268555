package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/toolrunner/pkg/types"
)

type fakeManifestStore struct {
	tools        map[string]string // name -> id
	versions     map[string]*types.Manifest
	allowlistHit bool
	allowlistErr error
}

func newFakeManifestStore() *fakeManifestStore {
	return &fakeManifestStore{tools: map[string]string{}, versions: map[string]*types.Manifest{}}
}

func (f *fakeManifestStore) CreateTool(ctx context.Context, name, owner, summary string) (string, error) {
	id := "tool-" + name
	f.tools[name] = id
	return id, nil
}

func (f *fakeManifestStore) GetToolByName(ctx context.Context, name string) (string, error) {
	id, ok := f.tools[name]
	if !ok {
		return "", errors.New("not found: " + name)
	}
	return id, nil
}

func (f *fakeManifestStore) PublishVersion(ctx context.Context, toolID string, m *types.Manifest) (string, error) {
	m.ID = toolID + "@" + m.Version
	f.versions[m.Name+"@"+m.Version] = m
	return m.ID, nil
}

func (f *fakeManifestStore) GetVersion(ctx context.Context, name, version string) (*types.Manifest, bool, error) {
	m, ok := f.versions[name+"@"+version]
	return m, ok, nil
}

func (f *fakeManifestStore) GetLatestPublished(ctx context.Context, name string) (*types.Manifest, bool, error) {
	for _, m := range f.versions {
		if m.Name == name {
			return m, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeManifestStore) DeprecateVersion(ctx context.Context, name, version, reason string) error {
	m, ok := f.versions[name+"@"+version]
	if !ok {
		return errors.New("not found")
	}
	m.Status = types.StatusDeprecated
	return nil
}

func (f *fakeManifestStore) SearchTools(ctx context.Context, query string, capabilities []string, limit, offset int) ([]*types.Manifest, error) {
	var out []*types.Manifest
	for _, m := range f.versions {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeManifestStore) CheckAllowlist(ctx context.Context, toolVersionID, agentID, phase, role string) (bool, error) {
	if f.allowlistErr != nil {
		return false, f.allowlistErr
	}
	return f.allowlistHit, nil
}

func newTestRegistry(t *testing.T, st *fakeManifestStore) *Registry {
	t.Helper()
	r, err := New(context.Background(), st)
	require.NoError(t, err)
	return r
}

func TestRegistry_PublishCreatesToolThenVersion(t *testing.T) {
	st := newFakeManifestStore()
	r := newTestRegistry(t, st)

	id, err := r.Publish(t.Context(), "alice", "fetches urls", &types.Manifest{Name: "fetch", Version: "1.0.0", Runtime: types.RuntimeContainer})
	require.NoError(t, err)
	assert.Equal(t, "tool-fetch@1.0.0", id)

	m, err := r.GetTool(t.Context(), "fetch", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "fetch", m.Name)
}

func TestRegistry_PublishReusesExistingTool(t *testing.T) {
	st := newFakeManifestStore()
	r := newTestRegistry(t, st)

	_, err := r.Publish(t.Context(), "alice", "v1", &types.Manifest{Name: "fetch", Version: "1.0.0", Runtime: types.RuntimeContainer})
	require.NoError(t, err)
	_, err = r.Publish(t.Context(), "alice", "v2", &types.Manifest{Name: "fetch", Version: "2.0.0", Runtime: types.RuntimeContainer})
	require.NoError(t, err)

	assert.Len(t, st.tools, 1, "second publish should not create a second tool row")
}

func TestRegistry_GetToolNotFound(t *testing.T) {
	st := newFakeManifestStore()
	r := newTestRegistry(t, st)

	_, err := r.GetTool(t.Context(), "missing", "1.0.0")
	assert.Error(t, err)
}

func TestRegistry_CheckAccess_AllowlistMatchAllows(t *testing.T) {
	st := newFakeManifestStore()
	st.allowlistHit = true
	r := newTestRegistry(t, st)

	allowed, err := r.CheckAccess(t.Context(), "tv-1", "agent-1", "plan", "writer")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRegistry_CheckAccess_NoMatchDenies(t *testing.T) {
	st := newFakeManifestStore()
	st.allowlistHit = false
	r := newTestRegistry(t, st)

	allowed, err := r.CheckAccess(t.Context(), "tv-1", "agent-1", "plan", "writer")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRegistry_CheckAccess_StoreErrorFailsClosed(t *testing.T) {
	st := newFakeManifestStore()
	st.allowlistErr = errors.New("db is down")
	r := newTestRegistry(t, st)

	allowed, err := r.CheckAccess(t.Context(), "tv-1", "agent-1", "plan", "writer")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRegistry_Deprecate(t *testing.T) {
	st := newFakeManifestStore()
	r := newTestRegistry(t, st)

	_, err := r.Publish(t.Context(), "alice", "v1", &types.Manifest{Name: "fetch", Version: "1.0.0", Runtime: types.RuntimeContainer})
	require.NoError(t, err)

	require.NoError(t, r.Deprecate(t.Context(), "fetch", "1.0.0", "superseded"))
	assert.Equal(t, types.StatusDeprecated, st.versions["fetch@1.0.0"].Status)
}
