// Package types defines the domain records shared across the runner:
// tool manifests, execution records, cache slots, and the error taxonomy
// they all use to report failure.
package types

import (
	"encoding/json"
	"time"
)

// ToolRuntime is the execution backend a manifest targets.
type ToolRuntime string

const (
	RuntimeContainer ToolRuntime = "container"
	RuntimeWASM      ToolRuntime = "wasm"
)

// ToolStatus is the lifecycle stage of a published tool version.
// Progression is monotonic: draft -> published -> deprecated -> archived.
type ToolStatus string

const (
	StatusDraft      ToolStatus = "draft"
	StatusPublished  ToolStatus = "published"
	StatusDeprecated ToolStatus = "deprecated"
	StatusArchived   ToolStatus = "archived"
)

// FilesystemMode controls whether a container's root filesystem is writable.
type FilesystemMode string

const (
	FilesystemReadOnly  FilesystemMode = "read_only"
	FilesystemReadWrite FilesystemMode = "read_write"
)

// NetworkMode controls the container's network namespace.
type NetworkMode string

const (
	NetworkNone       NetworkMode = "none"
	NetworkRestricted NetworkMode = "restricted"
	NetworkFull       NetworkMode = "full"
)

// Security groups the confinement knobs a manifest declares.
type Security struct {
	RunAsNonRoot bool           `json:"run_as_non_root"`
	Filesystem   FilesystemMode `json:"filesystem"`
	Network      NetworkMode    `json:"network"`
}

// Egress lists the host/CIDR patterns reachable when Network == restricted.
type Egress struct {
	Allow []string `json:"allow"`
}

// Manifest is the immutable, append-only description of one tool version.
type Manifest struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Status         ToolStatus      `json:"status"`
	Runtime        ToolRuntime     `json:"runtime"`
	Image          string          `json:"image,omitempty"`
	Digest         string          `json:"digest,omitempty"`
	Entrypoint     []string        `json:"entrypoint"`
	InputSchema    json.RawMessage `json:"input_schema"`
	OutputSchema   json.RawMessage `json:"output_schema"`
	TimeoutMS      int             `json:"timeout_ms"`
	CPU            string          `json:"cpu"`
	Memory         string          `json:"memory"`
	Security       Security        `json:"security"`
	Egress         Egress          `json:"egress"`
	Secrets        []string        `json:"secrets"`
	Capabilities   []string        `json:"capabilities"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
	DeprecatedAt   *time.Time      `json:"deprecated_at,omitempty"`
	DeprecatedWhy  string          `json:"deprecation_reason,omitempty"`
}

// ErrorKind classifies every failure the runner surfaces, per the error
// taxonomy: validation and not_found and access_denied never retry; timeout
// and infra-origin runtime errors retry within budget; tool-declared runtime
// errors retry only if the tool itself said so.
type ErrorKind string

const (
	ErrValidation    ErrorKind = "validation"
	ErrNotFound      ErrorKind = "not_found"
	ErrAccessDenied  ErrorKind = "access_denied"
	ErrTimeout       ErrorKind = "timeout"
	ErrResourceLimit ErrorKind = "resource_limit"
	ErrRuntime       ErrorKind = "runtime"
	ErrCancelled     ErrorKind = "cancelled"
	ErrUnknown       ErrorKind = "unknown"
)

// ExecError is the structured error shape carried in execution records and
// the tool wire protocol's failure envelope.
type ExecError struct {
	Type      ErrorKind `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *ExecError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

// ValidationIssue is one schema-validation failure.
type ValidationIssue struct {
	Path          string `json:"path"`
	Message       string `json:"message"`
	ViolatedRule  string `json:"violated_rule"`
}

// ExecutionStatus is the lifecycle stage of one execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status ends the execution's lifecycle.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionRunning
}

// Execution is the persistent audit record for one tool invocation.
type Execution struct {
	ID              string          `json:"id" db:"id"`
	RunID           string          `json:"run_id" db:"run_id"`
	ToolVersionID   string          `json:"tool_version_id" db:"tool_version_id"`
	ToolName        string          `json:"tool_name" db:"tool_name"`
	ToolVersion     string          `json:"tool_version" db:"tool_version"`
	AgentID         string          `json:"agent_id,omitempty" db:"agent_id"`
	Phase           string          `json:"phase,omitempty" db:"phase"`
	InputHash       string          `json:"input_hash" db:"input_hash"`
	Input           json.RawMessage `json:"input" db:"input"`
	Status          ExecutionStatus `json:"status" db:"status"`
	Output          json.RawMessage `json:"output,omitempty" db:"output"`
	Error           *ExecError      `json:"error,omitempty" db:"error"`
	DurationMS      int             `json:"duration_ms" db:"duration_ms"`
	CPUUsageMS      *int            `json:"cpu_ms,omitempty" db:"cpu_usage_ms"`
	MemoryPeakBytes *int64          `json:"memory_peak_bytes,omitempty" db:"memory_peak_bytes"`
	ExitCode        *int            `json:"exit_code,omitempty" db:"exit_code"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	TraceID         string          `json:"trace_id,omitempty" db:"trace_id"`
	SpanID          string          `json:"span_id,omitempty" db:"span_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// CacheSlot is one idempotence-cache mapping. Only successful executions
// are cached; an expired slot is treated as absent regardless of backend.
type CacheSlot struct {
	ToolVersionID string    `json:"tool_version_id" db:"tool_version_id"`
	InputHash     string    `json:"input_hash" db:"input_hash"`
	ExecutionID   string    `json:"execution_id" db:"execution_id"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	HitCount      int64     `json:"hit_count" db:"hit_count"`
}

// Metrics is the per-execution resource/timing summary returned to callers.
type Metrics struct {
	DurationMS    int        `json:"duration_ms"`
	CPUMS         *int       `json:"cpu_ms,omitempty"`
	MemoryPeakMB  *float64   `json:"memory_peak_mb,omitempty"`
	RetryCount    int        `json:"retry_count"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Artifact is a side output referenced by an execution (e.g. the resolved
// image digest). The original spec's manifest dropped sbom/signature
// columns; digest is the one supply-chain field cheap enough to carry here.
type Artifact struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// ExecutionRequest is the Runner Orchestrator's public request shape (§4.7).
type ExecutionRequest struct {
	ToolID      string          `json:"tool_id"`
	Version     string          `json:"version"`
	Input       json.RawMessage `json:"input"`
	RunID       string          `json:"run_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Phase       string          `json:"phase,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	SpanID      string          `json:"span_id,omitempty"`
	SkipCache   bool            `json:"skip_cache,omitempty"`
	BudgetMS    int             `json:"budget_ms,omitempty"`
}

// ExecutionResponse is the Runner Orchestrator's public response shape.
type ExecutionResponse struct {
	OK          bool            `json:"ok"`
	ExecutionID string          `json:"executionId"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ExecError      `json:"error,omitempty"`
	Metrics     Metrics         `json:"metrics"`
	Artifacts   []Artifact      `json:"artifacts"`
	Cached      bool            `json:"cached"`
}

// ExecutionContext is embedded as "_context" inside the payload written to
// a tool's stdin.
type ExecutionContext struct {
	RunID       string `json:"runId"`
	ExecutionID string `json:"executionId"`
	AgentID     string `json:"agentId,omitempty"`
	Phase       string `json:"phase,omitempty"`
}
