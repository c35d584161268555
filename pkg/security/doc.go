// Package security resolves the secret names a tool manifest declares into
// the environment variables injected into its sandbox just before it runs.
// Values live outside the manifest and the request body; the orchestrator
// asks this package for them by name only at the moment it builds the
// container spec.
package security
