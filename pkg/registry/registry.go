// Package registry implements the Registry (C8): tool publication,
// discovery, and access control. Access decisions are evaluated by a
// small Rego policy (fail-closed by construction: the policy's default is
// deny, and any policy evaluation error is treated as deny, never allow).
package registry

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/store"
	"github.com/cuemby/toolrunner/pkg/types"
)

//go:embed policy.rego
var policySource string

// Registry is the C8 service: publish/deprecate/search/access-check,
// backed by a ManifestStore and a compiled Rego access policy.
type Registry struct {
	store   store.ManifestStore
	allowed *rego.PreparedEvalQuery
}

// New compiles the embedded access policy and wires it to st.
func New(ctx context.Context, st store.ManifestStore) (*Registry, error) {
	query, err := rego.New(
		rego.Query("data.toolrunner.access.allow"),
		rego.Module("policy.rego", policySource),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile access policy: %w", err)
	}
	return &Registry{store: st, allowed: &query}, nil
}

// GetTool resolves name@version, or name's latest published version when
// version is empty.
func (r *Registry) GetTool(ctx context.Context, name, version string) (*types.Manifest, error) {
	if version == "" {
		m, found, err := r.store.GetLatestPublished(ctx, name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("not found: %s has no published version", name)
		}
		return m, nil
	}
	m, found, err := r.store.GetVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("not found: %s@%s", name, version)
	}
	return m, nil
}

// Search lists published tools matching query and/or capabilities.
func (r *Registry) Search(ctx context.Context, query string, capabilities []string, limit, offset int) ([]*types.Manifest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.store.SearchTools(ctx, query, capabilities, limit, offset)
}

// supportedRuntimes lists the execution backends this deployment can run.
// wasm is a recognized types.ToolRuntime value but has no executor behind
// it yet, so publication of a wasm manifest is rejected here rather than
// left to fail at execution time.
var supportedRuntimes = map[types.ToolRuntime]bool{
	types.RuntimeContainer: true,
}

// Publish creates the tool if it doesn't exist, then appends a new
// version. Publication is append-only: republishing an existing
// (name, version) surfaces the store's already_exists error unchanged.
func (r *Registry) Publish(ctx context.Context, owner, summary string, m *types.Manifest) (string, error) {
	if !supportedRuntimes[m.Runtime] {
		return "", fmt.Errorf("validation: runtime %q is not supported", m.Runtime)
	}

	toolID, err := r.store.GetToolByName(ctx, m.Name)
	if err != nil {
		toolID, err = r.store.CreateTool(ctx, m.Name, owner, summary)
		if err != nil {
			return "", fmt.Errorf("create tool %s: %w", m.Name, err)
		}
	}
	return r.store.PublishVersion(ctx, toolID, m)
}

// Deprecate marks name@version deprecated with reason.
func (r *Registry) Deprecate(ctx context.Context, name, version, reason string) error {
	return r.store.DeprecateVersion(ctx, name, version, reason)
}

// CheckAccess evaluates whether agentID may invoke toolVersionID during
// phase/role. The allowlist query and the Rego policy are two layers on
// purpose: the allowlist encodes the data (who may run what), the policy
// encodes the rule (what "allowed" means), so a future policy change
// (e.g. requiring a second approval) doesn't need a schema migration.
func (r *Registry) CheckAccess(ctx context.Context, toolVersionID, agentID, phase, role string) (bool, error) {
	match, err := r.store.CheckAllowlist(ctx, toolVersionID, agentID, phase, role)
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("allowlist lookup failed, denying by default")
		return false, nil
	}

	results, err := r.allowed.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"allowlist_match": match,
	}))
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("policy evaluation failed, denying by default")
		return false, nil
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	return allow, nil
}
