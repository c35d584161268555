// Package store persists tool manifests and execution records in
// Postgres. It keeps the teacher's CRUD method shapes (Create/Get/
// List/Update with JSON-marshaled payloads and a "not found: %s" error
// convention) but backs them with a relational engine, because the
// design's composite uniqueness constraints and joins (capabilities,
// allowlist, idempotence_cache keyed by (tool_version_id, input_hash))
// don't fit a single-bucket KV store.
package store

import (
	"context"
	"time"

	"github.com/cuemby/toolrunner/pkg/types"
)

// ManifestStore covers the Registry's (C8) side of persistence.
type ManifestStore interface {
	CreateTool(ctx context.Context, name, owner, summary string) (string, error)
	GetToolByName(ctx context.Context, name string) (id string, err error)
	PublishVersion(ctx context.Context, toolID string, m *types.Manifest) (string, error)
	GetVersion(ctx context.Context, name, version string) (*types.Manifest, bool, error)
	GetLatestPublished(ctx context.Context, name string) (*types.Manifest, bool, error)
	DeprecateVersion(ctx context.Context, name, version, reason string) error
	SearchTools(ctx context.Context, query string, capabilities []string, limit, offset int) ([]*types.Manifest, error)
	CheckAllowlist(ctx context.Context, toolVersionID, agentID, phase, role string) (bool, error)
}

// ExecutionStore covers the Execution Record Store (C3).
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *types.Execution) error
	CompleteExecution(ctx context.Context, id string, status types.ExecutionStatus, output []byte, execErr *types.ExecError, durationMS int, cpuMS *int, memoryPeakBytes *int64, exitCode *int, retryCount int) error
	GetExecution(ctx context.Context, id string) (*types.Execution, error)
}

// CacheStore is the durable write-through copy used by pkg/idempotence.
type CacheStore interface {
	UpsertCacheSlot(ctx context.Context, toolVersionID, inputHash, executionID string, expiresAt time.Time) error
	GetCacheSlot(ctx context.Context, toolVersionID, inputHash string) (executionID string, expiresAt time.Time, found bool, err error)
	IncrementCacheHit(ctx context.Context, toolVersionID, inputHash string) error
}

// Store is the full persistence surface the runner depends on.
type Store interface {
	ManifestStore
	ExecutionStore
	CacheStore
	Close()
}
