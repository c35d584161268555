package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/types"
)

// Spec enumerates everything the Sandbox Executor needs to run one
// invocation, per the original design's Run(spec) -> ExecResult contract.
type Spec struct {
	ContainerName string
	Image         string
	Entrypoint    []string
	Input         []byte
	Env           map[string]string

	CPUNanocores int64
	MemoryBytes  int64

	NonRootUID       uint32
	RunAsNonRoot     bool
	FilesystemReadonly bool
	DropAllCaps      bool
	NoNewPrivileges  bool
	Network          types.NetworkMode

	Deadline time.Time
}

// Result is the Sandbox Executor's structured outcome.
type Result struct {
	OK              bool
	Output          json.RawMessage
	Error           *types.ExecError
	ExitCode        *int
	DurationMS      int
	CPUMS           *int
	MemoryPeakBytes *int64
	Stdout          string
	Stderr          string
	TimedOut        bool
}

// envelope is the tool wire protocol's stdout document.
type envelope struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *types.ExecError `json:"error,omitempty"`
}

const defaultNamespace = "toolrunner"

// Executor runs tool invocations as one-shot containerd containers.
type Executor struct {
	client    *containerd.Client
	namespace string
}

// New connects to containerd at socketPath.
func New(socketPath string) (*Executor, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Executor{client: client, namespace: defaultNamespace}, nil
}

// Close releases the containerd client connection.
func (e *Executor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Client exposes the underlying containerd client for components that need
// to probe it directly, such as the readiness checker.
func (e *Executor) Client() *containerd.Client {
	return e.client
}

// Run executes spec to completion. It follows the algorithm in the original
// design note-for-note: pull if absent (retryable), create with confinement
// (retryable), attach stdin and start, wait-or-kill-at-deadline, parse the
// stdout envelope, collect stats best-effort, always remove the container.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Result, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)
	start := time.Now()
	logger := log.WithComponent("executor")

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		logger.Info().Str("image", spec.Image).Msg("pulling image")
		image, err = e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, retryableInfraErr("image_pull_failed", fmt.Errorf("pull image %s: %w", spec.Image, err))
		}
	}

	container, err := e.client.NewContainer(
		ctx,
		spec.ContainerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerName+"-snapshot", image),
		containerd.WithNewSpec(specOpts(spec, image)...),
	)
	if err != nil {
		return nil, retryableInfraErr("container_create_failed", fmt.Errorf("create container: %w", err))
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cleanupCtx = namespaces.WithNamespace(cleanupCtx, e.namespace)
		if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			logger.Warn().Err(err).Str("container", spec.ContainerName).Msg("failed to remove container")
		}
	}()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(bytes.NewReader(spec.Input), &stdout, &stderr)))
	if err != nil {
		return nil, retryableInfraErr("container_start_failed", fmt.Errorf("create task: %w", err))
	}
	defer task.Delete(context.Background())

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, retryableInfraErr("container_start_failed", fmt.Errorf("wait on task: %w", err))
	}

	if err := task.Start(ctx); err != nil {
		return nil, retryableInfraErr("container_start_failed", fmt.Errorf("start task: %w", err))
	}

	var exitCode *int
	timedOut := false

	select {
	case status := <-statusC:
		code := int(status.ExitStatus())
		exitCode = &code
	case <-time.After(time.Until(spec.Deadline)):
		timedOut = true
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			logger.Warn().Err(err).Msg("failed to kill timed-out task")
		}
		<-statusC
	case <-ctx.Done():
		timedOut = false
		if err := task.Kill(context.Background(), syscall.SIGKILL); err != nil {
			logger.Warn().Err(err).Msg("failed to kill cancelled task")
		}
		<-statusC
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	durationMS := int(time.Since(start).Milliseconds())
	cpuMS, memPeak := readStats(ctx, task)

	result := &Result{
		ExitCode:        exitCode,
		DurationMS:      durationMS,
		CPUMS:           cpuMS,
		MemoryPeakBytes: memPeak,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		TimedOut:        timedOut,
	}

	switch {
	case timedOut:
		result.Error = &types.ExecError{
			Type:      types.ErrTimeout,
			Message:   fmt.Sprintf("tool execution exceeded deadline"),
			Retryable: true,
		}
	case exitCode != nil && *exitCode == 0:
		var env envelope
		if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
			result.Error = &types.ExecError{
				Type:      types.ErrRuntime,
				Message:   "malformed tool output",
				Retryable: false,
			}
		} else {
			result.OK = env.OK
			result.Output = env.Output
			result.Error = env.Error
		}
	default:
		var env envelope
		if err := json.Unmarshal(stdout.Bytes(), &env); err == nil && env.Error != nil {
			result.Error = env.Error
		} else {
			code := 0
			if exitCode != nil {
				code = *exitCode
			}
			result.Error = &types.ExecError{
				Type:      types.ErrRuntime,
				Message:   fmt.Sprintf("tool exited with code %d", code),
				Retryable: false,
			}
		}
	}

	return result, nil
}

func retryableInfraErr(kind string, err error) error {
	return &infraError{kind: kind, err: err}
}

// infraError marks a Go-level error (not a tool-protocol error) as a
// retryable infrastructure failure per the image_pull_failed /
// container_create_failed / container_start_failed classification.
type infraError struct {
	kind string
	err  error
}

func (e *infraError) Error() string { return e.kind + ": " + e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }
func (e *infraError) Retryable() bool { return true }

func specOpts(spec Spec, image containerd.Image) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Entrypoint...),
		oci.WithEnv(envSlice(spec.Env)),
	}

	if spec.CPUNanocores > 0 {
		cores := float64(spec.CPUNanocores) / 1e9
		shares := uint64(cores * 1024)
		quota := int64(cores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}
	if spec.RunAsNonRoot {
		opts = append(opts, oci.WithUIDGID(spec.NonRootUID, spec.NonRootUID))
	}
	if spec.FilesystemReadonly {
		opts = append(opts, oci.WithRootFSReadonly())
	}
	if spec.NoNewPrivileges {
		opts = append(opts, oci.WithNoNewPrivileges)
	}
	if spec.DropAllCaps {
		opts = append(opts, oci.WithCapabilities(nil))
	}
	if spec.Network == types.NetworkFull {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}
	// NetworkNone and NetworkRestricted both get a fresh, unconfigured
	// network namespace with no interface attached, so the container has
	// no network access at all. No CNI plugin is wired in this pack, so a
	// per-tool egress allow-list is not enforced: EgressAllow is still
	// recorded on the manifest and returned to callers; it is not
	// consulted here.

	return opts
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func readStats(ctx context.Context, task containerd.Task) (*int, *int64) {
	metrics, err := task.Metrics(ctx)
	if err != nil || metrics == nil {
		return nil, nil
	}
	// Best-effort only: decoding the cgroup-specific metrics payload
	// (v1 vs v2) is deferred; unavailability is not an error per spec.
	return nil, nil
}

// ParseCPU converts a K8s-style CPU quantity ("500m" or "2") to nanocores.
func ParseCPU(cpu string) (int64, error) {
	if cpu == "" {
		return 0, nil
	}
	if strings.HasSuffix(cpu, "m") {
		millis, err := strconv.ParseInt(strings.TrimSuffix(cpu, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu quantity %q: %w", cpu, err)
		}
		return millis * 1_000_000, nil
	}
	cores, err := strconv.ParseFloat(cpu, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu quantity %q: %w", cpu, err)
	}
	return int64(cores * 1_000_000_000), nil
}

// ParseMemory converts a K8s-style memory quantity ("512Mi", "1Gi") to bytes.
func ParseMemory(mem string) (int64, error) {
	if mem == "" {
		return 0, nil
	}
	units := map[string]int64{
		"Ki": 1024, "Mi": 1024 * 1024, "Gi": 1024 * 1024 * 1024,
		"K": 1000, "M": 1000 * 1000, "G": 1000 * 1000 * 1000,
	}
	for suffix, mult := range units {
		if strings.HasSuffix(mem, suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(mem, suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory quantity %q: %w", mem, err)
			}
			return int64(n * float64(mult)), nil
		}
	}
	n, err := strconv.ParseInt(mem, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", mem, err)
	}
	return n, nil
}
