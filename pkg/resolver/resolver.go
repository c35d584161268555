// Package resolver implements the Manifest Resolver (C6): it turns
// (tool_id, version) into a concrete Manifest, handling "latest" and
// caching resolved manifests briefly so a burst of executions against the
// same tool version doesn't hammer the Registry for each one.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/toolrunner/pkg/registryclient"
	"github.com/cuemby/toolrunner/pkg/types"
)

const latest = "latest"

// cacheTTL bounds how long a resolved manifest is reused before the next
// Resolve call re-fetches it from the Registry, so a deprecation takes
// effect within a bounded window instead of never.
const cacheTTL = 60 * time.Second

type cacheEntry struct {
	manifest *types.Manifest
	expires  time.Time
}

// Resolver looks up manifests through a Registry client, caching hits.
type Resolver struct {
	client *registryclient.Client
	cache  sync.Map // "name@version" -> cacheEntry
}

// New wires a Resolver against a Registry client.
func New(client *registryclient.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the manifest for name at version, or the latest published
// version when version == "" or version == "latest". Deprecated versions
// resolve successfully (callers decide whether deprecation blocks
// execution); archived versions never do, since GetTool excludes them.
func (r *Resolver) Resolve(ctx context.Context, name, version string) (*types.Manifest, error) {
	cacheKey := name + "@" + version
	if cached, ok := r.cache.Load(cacheKey); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.manifest, nil
		}
		r.cache.Delete(cacheKey)
	}

	lookupVersion := version
	if lookupVersion == latest {
		lookupVersion = ""
	}

	m, err := r.client.GetTool(ctx, name, lookupVersion)
	if err != nil {
		return nil, fmt.Errorf("resolve %s@%s: %w", name, version, err)
	}

	r.cache.Store(cacheKey, cacheEntry{manifest: m, expires: time.Now().Add(cacheTTL)})
	return m, nil
}

// Invalidate drops any cached manifest for name@version and name@latest,
// so the next Resolve re-fetches them instead of waiting out cacheTTL.
// Publish and deprecate do not call it; without a call, a change shows up
// once the cached entry expires.
func (r *Resolver) Invalidate(name, version string) {
	r.cache.Delete(name + "@" + version)
	r.cache.Delete(name + "@" + latest)
}
