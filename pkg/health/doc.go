// Package health backs the gateway's /api/v1/health endpoint: a Checker
// probes one dependency (Postgres, Redis, containerd), and an Aggregate
// runs every registered Checker concurrently to decide whether the
// runner as a whole is ready to accept executions.
package health
