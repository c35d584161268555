// Package orchestrator implements the Runner Orchestrator (C7): the single
// entry point that turns an ExecutionRequest into an ExecutionResponse by
// driving the idempotence cache, schema validator, manifest resolver,
// retry controller, execution store, and telemetry sink in sequence.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/toolrunner/pkg/executor"
	"github.com/cuemby/toolrunner/pkg/idempotence"
	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/metrics"
	"github.com/cuemby/toolrunner/pkg/resolver"
	"github.com/cuemby/toolrunner/pkg/retry"
	"github.com/cuemby/toolrunner/pkg/schema"
	"github.com/cuemby/toolrunner/pkg/security"
	"github.com/cuemby/toolrunner/pkg/store"
	"github.com/cuemby/toolrunner/pkg/telemetry"
	"github.com/cuemby/toolrunner/pkg/types"
)

// Options bundles the orchestrator's tunables: the default timeout applied
// when a manifest omits one, the max timeout, and the idempotence-cache
// TTL. The default CPU and memory (500m, 512Mi) are fixed in cpuNanocores
// and memoryBytes, not set here.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	CacheTTL       time.Duration
}

// Orchestrator is the Runner's C7 coordinator.
type Orchestrator struct {
	store     store.Store
	cache     *idempotence.Cache
	validator *schema.Validator
	resolver  *resolver.Resolver
	retry     *retry.Controller
	telemetry *telemetry.Broker
	secrets   *security.Resolver
	opts      Options
}

// New wires every dependency C7 needs.
func New(st store.Store, cache *idempotence.Cache, validator *schema.Validator, res *resolver.Resolver, rc *retry.Controller, tel *telemetry.Broker, opts Options) *Orchestrator {
	return &Orchestrator{store: st, cache: cache, validator: validator, resolver: res, retry: rc, telemetry: tel, secrets: security.NewResolver(), opts: opts}
}

// Execute runs the full pipeline described by the design's Runner
// Orchestrator algorithm:
//  1. resolve the manifest
//  2. validate the request against the manifest's input schema
//  3. compute the idempotence key and look up a cached result (unless
//     the caller set SkipCache)
//  4. on a cache hit, bump the hit counter and return the cached
//     execution's stored output without re-running the tool
//  5. on a cache miss, create a running execution record
//  6. run the tool through the retry controller
//  7. validate the tool's output against the manifest's output schema
//  8. complete the execution record
//  9. store a cache slot for a successful execution
//  10. fire a telemetry event
//  11. return the response
func (o *Orchestrator) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResponse, error) {
	manifest, err := o.resolver.Resolve(ctx, req.ToolID, req.Version)
	if err != nil {
		return errorResponse(req, &types.ExecError{Type: types.ErrNotFound, Message: err.Error()}), nil
	}
	if manifest.Status == types.StatusArchived {
		return errorResponse(req, &types.ExecError{Type: types.ErrNotFound, Message: "tool version is archived"}), nil
	}

	if issues, verr := o.validator.Validate(manifest.ID, schema.DirectionInput, manifest.InputSchema, req.Input); verr != nil {
		return errorResponse(req, &types.ExecError{Type: types.ErrValidation, Message: verr.Error()}), nil
	} else if len(issues) > 0 {
		return errorResponse(req, validationError(issues)), nil
	}

	inputHash, err := idempotence.InputHash(manifest.ID, manifest.Version, req.Input)
	if err != nil {
		return errorResponse(req, &types.ExecError{Type: types.ErrValidation, Message: "could not hash input: " + err.Error()}), nil
	}

	if !req.SkipCache {
		if executionID, hit, lerr := o.cache.Lookup(ctx, manifest.ID, inputHash); lerr == nil && hit {
			o.cache.IncrementHit(ctx, manifest.ID, inputHash)
			metrics.CacheHitsTotal.WithLabelValues(manifest.Name).Inc()
			return o.cachedResponse(ctx, executionID)
		}
		metrics.CacheMissesTotal.WithLabelValues(manifest.Name).Inc()
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	record := &types.Execution{
		ID:            executionID,
		RunID:         req.RunID,
		ToolVersionID: manifest.ID,
		ToolName:      manifest.Name,
		ToolVersion:   manifest.Version,
		AgentID:       req.AgentID,
		Phase:         req.Phase,
		InputHash:     inputHash,
		Input:         req.Input,
		Status:        types.ExecutionRunning,
		TraceID:       req.TraceID,
		SpanID:        req.SpanID,
		CreatedAt:     time.Now(),
	}
	if err := o.store.CreateExecution(ctx, record); err != nil {
		return nil, fmt.Errorf("create execution record: %w", err)
	}
	o.publish(telemetry.EventExecutionStarted, record)

	timeout := o.resolveTimeout(manifest, req)
	deadline := time.Now().Add(timeout)

	env, err := o.secrets.Resolve(manifest.Secrets)
	if err != nil {
		execErr := &types.ExecError{Type: types.ErrValidation, Message: err.Error()}
		if cerr := o.store.CompleteExecution(ctx, executionID, types.ExecutionFailed, nil, execErr, 0, nil, nil, nil, 0); cerr != nil {
			log.WithComponent("orchestrator").Error().Err(cerr).Str("execution_id", executionID).Msg("failed to persist completed execution")
		}
		o.publish(telemetry.EventExecutionFailed, record)
		return errorResponse(req, execErr), nil
	}

	spec := executor.Spec{
		ContainerName:      "exec-" + executionID,
		Image:              manifest.Image,
		Entrypoint:         manifest.Entrypoint,
		Input:              wireInput(req, record),
		Env:                env,
		CPUNanocores:       cpuNanocores(manifest.CPU),
		MemoryBytes:        memoryBytes(manifest.Memory),
		NonRootUID:         10000,
		RunAsNonRoot:       manifest.Security.RunAsNonRoot,
		FilesystemReadonly: manifest.Security.Filesystem == types.FilesystemReadOnly,
		DropAllCaps:        true,
		NoNewPrivileges:    true,
		Network:            manifest.Security.Network,
		Deadline:           deadline,
	}

	result, retryCount, rerr := o.retry.Run(ctx, spec)

	var status types.ExecutionStatus
	var execErr *types.ExecError
	var output json.RawMessage
	var exitCode *int
	var cpuMS *int
	var memPeak *int64
	durationMS := 0

	switch {
	case ctx.Err() != nil:
		status = types.ExecutionCancelled
		execErr = &types.ExecError{Type: types.ErrCancelled, Message: "execution cancelled by caller"}
	case rerr != nil:
		status = types.ExecutionFailed
		execErr = &types.ExecError{Type: types.ErrRuntime, Message: rerr.Error()}
	case result.TimedOut:
		status = types.ExecutionTimeout
		execErr = retry.ClassifyTimeout(result)
		durationMS = result.DurationMS
	case !result.OK:
		status = types.ExecutionFailed
		execErr = result.Error
		durationMS = result.DurationMS
		exitCode = result.ExitCode
	default:
		if issues, verr := o.validator.Validate(manifest.ID, schema.DirectionOutput, manifest.OutputSchema, result.Output); verr != nil {
			status = types.ExecutionFailed
			execErr = &types.ExecError{Type: types.ErrValidation, Message: verr.Error()}
		} else if len(issues) > 0 {
			status = types.ExecutionFailed
			execErr = validationError(issues)
		} else {
			status = types.ExecutionSucceeded
			output = result.Output
		}
		durationMS = result.DurationMS
		exitCode = result.ExitCode
		cpuMS = result.CPUMS
		memPeak = result.MemoryPeakBytes
	}

	// The request context may already be cancelled; the terminal write must
	// still reach the store so a cancelled record is closed as cancelled.
	if err := o.store.CompleteExecution(context.WithoutCancel(ctx), executionID, status, output, execErr, durationMS, cpuMS, memPeak, exitCode, retryCount); err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Str("execution_id", executionID).Msg("failed to persist completed execution")
	}

	if status == types.ExecutionSucceeded {
		if serr := o.cache.Store(ctx, manifest.ID, inputHash, executionID, o.opts.CacheTTL); serr != nil {
			log.WithComponent("orchestrator").Warn().Err(serr).Msg("failed to store idempotence cache slot")
		}
	}

	metrics.ExecutionsTotal.WithLabelValues(manifest.Name, string(status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(manifest.Name).Observe(float64(durationMS) / 1000)
	metrics.ExecutionRetries.WithLabelValues(manifest.Name).Observe(float64(retryCount))

	o.publish(eventFor(status), record)

	resp := &types.ExecutionResponse{
		OK:          status == types.ExecutionSucceeded,
		ExecutionID: executionID,
		Output:      output,
		Error:       execErr,
		Metrics: types.Metrics{
			DurationMS: durationMS,
			CPUMS:      cpuMS,
			RetryCount: retryCount,
			StartedAt:  record.CreatedAt,
		},
		Cached: false,
	}
	return resp, nil
}

func (o *Orchestrator) cachedResponse(ctx context.Context, executionID string) (*types.ExecutionResponse, error) {
	record, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load cached execution %s: %w", executionID, err)
	}
	return &types.ExecutionResponse{
		OK:          record.Status == types.ExecutionSucceeded,
		ExecutionID: record.ID,
		Output:      record.Output,
		Error:       record.Error,
		Metrics: types.Metrics{
			DurationMS:  record.DurationMS,
			CPUMS:       record.CPUUsageMS,
			RetryCount:  record.RetryCount,
			StartedAt:   record.CreatedAt,
			CompletedAt: record.CompletedAt,
		},
		Cached: true,
	}, nil
}

func (o *Orchestrator) resolveTimeout(m *types.Manifest, req types.ExecutionRequest) time.Duration {
	timeout := time.Duration(m.TimeoutMS) * time.Millisecond
	if req.BudgetMS > 0 && time.Duration(req.BudgetMS)*time.Millisecond < timeout {
		timeout = time.Duration(req.BudgetMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}
	if timeout > o.opts.MaxTimeout {
		timeout = o.opts.MaxTimeout
	}
	return timeout
}

func (o *Orchestrator) publish(evt telemetry.EventType, record *types.Execution) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.Publish(&telemetry.Event{
		ID:          uuid.NewString(),
		Type:        evt,
		ExecutionID: record.ID,
		ToolName:    record.ToolName,
		ToolVersion: record.ToolVersion,
	})
}

func eventFor(status types.ExecutionStatus) telemetry.EventType {
	switch status {
	case types.ExecutionSucceeded:
		return telemetry.EventExecutionSucceeded
	case types.ExecutionTimeout:
		return telemetry.EventExecutionTimeout
	case types.ExecutionCancelled:
		return telemetry.EventExecutionCancelled
	default:
		return telemetry.EventExecutionFailed
	}
}

func errorResponse(req types.ExecutionRequest, execErr *types.ExecError) *types.ExecutionResponse {
	return &types.ExecutionResponse{
		OK:          false,
		ExecutionID: req.ExecutionID,
		Error:       execErr,
	}
}

func validationError(issues []types.ValidationIssue) *types.ExecError {
	msg := "input failed schema validation"
	if len(issues) > 0 {
		msg = issues[0].Message
	}
	return &types.ExecError{Type: types.ErrValidation, Message: msg, Retryable: false}
}

// wireInput assembles the single JSON document written to the tool's
// stdin: {"input": {...request input fields..., "_context": {...}}}. The
// "_context" block carrying run/execution/agent/phase identifiers is a key
// of the same input object the tool reads, not a sibling of it.
func wireInput(req types.ExecutionRequest, record *types.Execution) []byte {
	fields := make(map[string]json.RawMessage)
	if len(req.Input) > 0 {
		_ = json.Unmarshal(req.Input, &fields)
	}

	execContext, _ := json.Marshal(types.ExecutionContext{
		RunID:       record.RunID,
		ExecutionID: record.ID,
		AgentID:     record.AgentID,
		Phase:       record.Phase,
	})
	fields["_context"] = execContext

	buf, _ := json.Marshal(struct {
		Input map[string]json.RawMessage `json:"input"`
	}{Input: fields})
	return buf
}

func cpuNanocores(cpu string) int64 {
	n, err := executor.ParseCPU(cpu)
	if err != nil || n == 0 {
		return 500_000_000
	}
	return n
}

func memoryBytes(mem string) int64 {
	n, err := executor.ParseMemory(mem)
	if err != nil || n == 0 {
		return 512 * 1024 * 1024
	}
	return n
}
