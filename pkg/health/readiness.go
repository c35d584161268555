package health

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// PingFunc performs a single round-trip check, wrapping whatever native
// ping a dependency client exposes (pgxpool.Pool.Ping, redis.Client.Ping,
// containerd.Client.IsServing) behind the shared Checker interface.
type PingFunc func(ctx context.Context) error

// DependencyChecker adapts a PingFunc into a Checker so Postgres, Redis,
// and containerd can all be probed the same way as an HTTP or TCP target.
type DependencyChecker struct {
	Name string
	Ping PingFunc
}

func (d *DependencyChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := d.Ping(ctx)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("%s: %v", d.Name, err), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: d.Name + ": ok", CheckedAt: start, Duration: time.Since(start)}
}

func (d *DependencyChecker) Type() CheckType { return CheckTypeExec }

// PostgresChecker pings a pgx pool.
func PostgresChecker(pool *pgxpool.Pool) *DependencyChecker {
	return &DependencyChecker{Name: "postgres", Ping: func(ctx context.Context) error { return pool.Ping(ctx) }}
}

// RedisChecker pings a redis client.
func RedisChecker(client *redis.Client) *DependencyChecker {
	return &DependencyChecker{Name: "redis", Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() }}
}

// ContainerdChecker checks that the containerd daemon is serving.
func ContainerdChecker(client *containerd.Client) *DependencyChecker {
	return &DependencyChecker{Name: "containerd", Ping: func(ctx context.Context) error {
		ok, err := client.IsServing(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("not serving")
		}
		return nil
	}}
}

// Aggregate runs every named checker and reports overall health: healthy
// only if every dependency checker reports healthy.
type Aggregate struct {
	Checkers map[string]Checker
}

// AggregateResult is the per-dependency breakdown returned by Run.
type AggregateResult struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]Result `json:"components"`
}

// Run executes every checker concurrently and waits for all of them.
func (a *Aggregate) Run(ctx context.Context) AggregateResult {
	type namedResult struct {
		name   string
		result Result
	}
	ch := make(chan namedResult, len(a.Checkers))
	for name, c := range a.Checkers {
		go func(name string, checker Checker) {
			ch <- namedResult{name: name, result: checker.Check(ctx)}
		}(name, c)
	}

	results := make(map[string]Result, len(a.Checkers))
	healthy := true
	for range a.Checkers {
		nr := <-ch
		results[nr.name] = nr.result
		if !nr.result.Healthy {
			healthy = false
		}
	}
	return AggregateResult{Healthy: healthy, Components: results}
}
