package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/toolrunner/pkg/types"
)

// PGStore implements Store against Postgres via pgx.
type PGStore struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn. Migrations are applied separately
// by cmd/toolrunner-migrate; Open assumes the schema already exists.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool for components that need to
// ping it directly, such as the readiness checker.
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PGStore) CreateTool(ctx context.Context, name, owner, summary string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tools (name, owner, summary) VALUES ($1, $2, $3) RETURNING id`,
		name, owner, summary,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create tool %s: %w", name, err)
	}
	return id, nil
}

func (s *PGStore) GetToolByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM tools WHERE name = $1`, name).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("not found: tool %s", name)
	}
	if err != nil {
		return "", fmt.Errorf("get tool %s: %w", name, err)
	}
	return id, nil
}

// PublishVersion inserts a new tool_version row. Publication is append-only:
// a unique (tool_id, version) violation is returned as an error prefixed
// "already_exists:", which Registry.Publish passes through unchanged.
func (s *PGStore) PublishVersion(ctx context.Context, toolID string, m *types.Manifest) (string, error) {
	entrypoint, _ := json.Marshal(m.Entrypoint)
	egress, _ := json.Marshal(m.Egress.Allow)
	secrets, _ := json.Marshal(m.Secrets)

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tool_versions (
			tool_id, version, status, runtime, image, digest, entrypoint,
			timeout_ms, cpu, memory, input_schema, output_schema,
			run_as_non_root, filesystem_readonly, network_mode,
			egress_allow, secrets, published_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17, now())
		RETURNING id`,
		toolID, m.Version, types.StatusPublished, m.Runtime, m.Image, m.Digest, entrypoint,
		m.TimeoutMS, m.CPU, m.Memory, []byte(m.InputSchema), []byte(m.OutputSchema),
		m.Security.RunAsNonRoot, m.Security.Filesystem == types.FilesystemReadOnly,
		string(m.Security.Network), egress, secrets,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("already_exists: publish %s@%s: %w", m.Name, m.Version, err)
		}
		return "", fmt.Errorf("publish %s@%s: %w", m.Name, m.Version, err)
	}

	for _, cap := range m.Capabilities {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO capabilities (tool_version_id, capability) VALUES ($1, $2)`,
			id, cap,
		); err != nil {
			return "", fmt.Errorf("attach capability %s: %w", cap, err)
		}
	}

	return id, nil
}

func (s *PGStore) GetVersion(ctx context.Context, name, version string) (*types.Manifest, bool, error) {
	row := s.pool.QueryRow(ctx, manifestSelect+` WHERE t.name = $1 AND tv.version = $2 AND tv.status <> 'archived'`, name, version)
	return scanManifest(row)
}

func (s *PGStore) GetLatestPublished(ctx context.Context, name string) (*types.Manifest, bool, error) {
	row := s.pool.QueryRow(ctx, manifestSelect+`
		WHERE t.name = $1 AND tv.status = 'published'
		ORDER BY string_to_array(tv.version, '.')::int[] DESC
		LIMIT 1`, name)
	return scanManifest(row)
}

func (s *PGStore) DeprecateVersion(ctx context.Context, name, version, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tool_versions tv SET status = 'deprecated', deprecated_at = now(), deprecation_reason = $3
		FROM tools t WHERE tv.tool_id = t.id AND t.name = $1 AND tv.version = $2 AND tv.status = 'published'`,
		name, version, reason)
	if err != nil {
		return fmt.Errorf("deprecate %s@%s: %w", name, version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("not found: published version %s@%s", name, version)
	}
	return nil
}

func (s *PGStore) SearchTools(ctx context.Context, query string, capabilities []string, limit, offset int) ([]*types.Manifest, error) {
	rows, err := s.pool.Query(ctx, manifestSelect+`
		WHERE tv.status = 'published'
		  AND ($1 = '' OR t.name ILIKE '%'||$1||'%' OR t.summary ILIKE '%'||$1||'%')
		  AND ($2::text[] IS NULL OR EXISTS (
			SELECT 1 FROM capabilities c WHERE c.tool_version_id = tv.id AND c.capability = ANY($2)
		  ))
		ORDER BY t.name
		LIMIT $3 OFFSET $4`, query, capabilities, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	defer rows.Close()

	var out []*types.Manifest
	for rows.Next() {
		m, _, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) CheckAllowlist(ctx context.Context, toolVersionID, agentID, phase, role string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM allowlist
		WHERE tool_version_id = $1
		  AND (agent_id = '' OR agent_id = $2)
		  AND (phase = '' OR phase = $3)
		  AND (role = '' OR role = $4)`,
		toolVersionID, agentID, phase, role,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check allowlist: %w", err)
	}
	return count > 0, nil
}

func (s *PGStore) CreateExecution(ctx context.Context, e *types.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, run_id, tool_id, tool_name, tool_version, agent_id, phase,
			input_hash, input, status, trace_id, span_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'running',$10,$11, now())`,
		e.ID, e.RunID, e.ToolVersionID, e.ToolName, e.ToolVersion, e.AgentID, e.Phase,
		e.InputHash, []byte(e.Input), e.TraceID, e.SpanID,
	)
	if err != nil {
		return fmt.Errorf("create execution record %s: %w", e.ID, err)
	}
	return nil
}

// CompleteExecution only updates a row still in status='running', so a
// second call for the same id is a no-op rather than overwriting a
// terminal row — the idempotent resolution of "a record transitions
// status at most twice" from the original design.
func (s *PGStore) CompleteExecution(ctx context.Context, id string, status types.ExecutionStatus, output []byte, execErr *types.ExecError, durationMS int, cpuMS *int, memoryPeakBytes *int64, exitCode *int, retryCount int) error {
	var errJSON []byte
	if execErr != nil {
		errJSON, _ = json.Marshal(execErr)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			status = $2, output = $3, error = $4, duration_ms = $5,
			cpu_usage_ms = $6, memory_peak_bytes = $7, exit_code = $8,
			retry_count = $9, completed_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, status, nullableJSON(output), nullableJSON(errJSON), durationMS,
		cpuMS, memoryPeakBytes, exitCode, retryCount,
	)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var e types.Execution
	var errJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, tool_id, tool_name, tool_version, agent_id, phase,
		       input_hash, input, status, output, error, duration_ms,
		       cpu_usage_ms, memory_peak_bytes, exit_code, retry_count,
		       trace_id, span_id, created_at, completed_at
		FROM executions WHERE id = $1`, id,
	).Scan(&e.ID, &e.RunID, &e.ToolVersionID, &e.ToolName, &e.ToolVersion, &e.AgentID, &e.Phase,
		&e.InputHash, &e.Input, &e.Status, &e.Output, &errJSON, &e.DurationMS,
		&e.CPUUsageMS, &e.MemoryPeakBytes, &e.ExitCode, &e.RetryCount,
		&e.TraceID, &e.SpanID, &e.CreatedAt, &e.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("not found: execution %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	if len(errJSON) > 0 {
		var execErr types.ExecError
		if jerr := json.Unmarshal(errJSON, &execErr); jerr == nil {
			e.Error = &execErr
		}
	}
	return &e, nil
}

func (s *PGStore) UpsertCacheSlot(ctx context.Context, toolVersionID, inputHash, executionID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotence_cache (tool_version_id, input_hash, execution_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tool_version_id, input_hash) DO UPDATE
		  SET execution_id = EXCLUDED.execution_id, expires_at = EXCLUDED.expires_at`,
		toolVersionID, inputHash, executionID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cache slot: %w", err)
	}
	return nil
}

func (s *PGStore) GetCacheSlot(ctx context.Context, toolVersionID, inputHash string) (string, time.Time, bool, error) {
	var executionID string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT execution_id, expires_at FROM idempotence_cache WHERE tool_version_id = $1 AND input_hash = $2`,
		toolVersionID, inputHash,
	).Scan(&executionID, &expiresAt)
	if err == pgx.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("get cache slot: %w", err)
	}
	return executionID, expiresAt, true, nil
}

func (s *PGStore) IncrementCacheHit(ctx context.Context, toolVersionID, inputHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotence_cache SET hit_count = hit_count + 1 WHERE tool_version_id = $1 AND input_hash = $2`,
		toolVersionID, inputHash,
	)
	if err != nil {
		return fmt.Errorf("increment cache hit: %w", err)
	}
	return nil
}

// SweepExpired deletes idempotence_cache rows past their TTL. The original
// design permits either a background sweeper or lazy deletion on read;
// this is the sweeper half. The cmd/toolrunner serve command does not call
// it; expired rows are otherwise skipped on read by idempotence.Cache.Lookup.
func (s *PGStore) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotence_cache WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

const manifestSelect = `
	SELECT tv.id, t.name, tv.version, tv.status, tv.runtime, tv.image, tv.digest,
	       tv.entrypoint, tv.input_schema, tv.output_schema, tv.timeout_ms,
	       tv.cpu, tv.memory, tv.run_as_non_root, tv.filesystem_readonly,
	       tv.network_mode, tv.egress_allow, tv.secrets,
	       tv.published_at, tv.deprecated_at, tv.deprecation_reason,
	       COALESCE((SELECT array_agg(capability) FROM capabilities WHERE tool_version_id = tv.id), '{}')
	FROM tool_versions tv
	JOIN tools t ON t.id = tv.tool_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*types.Manifest, bool, error) {
	var m types.Manifest
	var entrypoint, egress, secrets []byte
	var filesystemReadonly bool
	var networkMode string
	var capabilities []string

	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.Status, &m.Runtime, &m.Image, &m.Digest,
		&entrypoint, &m.InputSchema, &m.OutputSchema, &m.TimeoutMS,
		&m.CPU, &m.Memory, &m.Security.RunAsNonRoot, &filesystemReadonly,
		&networkMode, &egress, &secrets,
		&m.PublishedAt, &m.DeprecatedAt, &m.DeprecatedWhy, &capabilities,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan manifest: %w", err)
	}

	if filesystemReadonly {
		m.Security.Filesystem = types.FilesystemReadOnly
	} else {
		m.Security.Filesystem = types.FilesystemReadWrite
	}
	m.Security.Network = types.NetworkMode(networkMode)

	_ = json.Unmarshal(entrypoint, &m.Entrypoint)
	_ = json.Unmarshal(egress, &m.Egress.Allow)
	_ = json.Unmarshal(secrets, &m.Secrets)
	m.Capabilities = capabilities

	return &m, true, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
