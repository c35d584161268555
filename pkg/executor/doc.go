/*
Package executor implements the Sandbox Executor (C1): one container per
invocation, confined and resource-limited, run to completion or killed at
a deadline.

	spec := executor.Spec{Image: "...", Entrypoint: []string{...}, ...}
	result, err := exec.Run(ctx, spec)

Run never returns an error for a tool-side failure — tool failures, malformed
envelopes, and timeouts all come back as a populated Result.Error with
the Retryable flag set per the failure model in the design notes. Run
returns a Go error in two cases. When the container could not be pulled,
created or started (e.g. the containerd client is unreachable), the error
is a retryable infra error, wrapped so the retry controller can inspect it
with errors.As. When ctx is cancelled while the task runs, the task is
killed and Run returns a plain, non-retryable "execution cancelled" error.

The container lifecycle mirrors pkg/runtime/containerd.go's
create/start/wait/kill/delete pattern, generalized from long-lived service
containers to one-shot invocations: every container created here is removed
in the same call, success or failure.
*/
package executor
