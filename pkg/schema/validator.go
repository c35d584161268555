// Package schema compiles and caches draft-07 JSON-Schema documents and
// validates tool input/output against them (C5).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cuemby/toolrunner/pkg/metrics"
	"github.com/cuemby/toolrunner/pkg/types"
)

// Direction distinguishes an input-schema check from an output-schema check,
// since the two use separate cache entries even for the same tool version.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

type cacheKey struct {
	toolVersionID string
	direction     Direction
}

// Validator compiles schemas once per (tool_version, direction) and reuses
// the compiled form for every subsequent validation.
type Validator struct {
	compiled sync.Map // cacheKey -> *jsonschema.Schema
}

// New returns an empty, ready-to-use Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks doc against the schema for (toolVersionID, direction),
// compiling and caching it on first use. A nil issues slice paired with a
// nil error means the document is valid.
func (v *Validator) Validate(toolVersionID string, direction Direction, rawSchema json.RawMessage, doc json.RawMessage) ([]types.ValidationIssue, error) {
	compiled, err := v.compile(toolVersionID, direction, rawSchema)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	var instance interface{}
	if err := json.Unmarshal(doc, &instance); err != nil {
		return []types.ValidationIssue{{
			Path:         "$",
			Message:      "document is not valid JSON",
			ViolatedRule: "type",
		}}, nil
	}

	if err := compiled.Validate(instance); err != nil {
		return issuesFromError(err), nil
	}

	return nil, nil
}

func (v *Validator) compile(toolVersionID string, direction Direction, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	key := cacheKey{toolVersionID: toolVersionID, direction: direction}
	if cached, ok := v.compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	resourceName := string(toolVersionID) + "-" + string(direction) + ".json"

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema document: %w", err)
	}
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	metrics.SchemaCompileTotal.WithLabelValues(string(direction)).Inc()
	v.compiled.Store(key, schema)
	return schema, nil
}

func issuesFromError(err error) []types.ValidationIssue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []types.ValidationIssue{{Path: "$", Message: err.Error(), ViolatedRule: "unknown"}}
	}

	var issues []types.ValidationIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, types.ValidationIssue{
				Path:         e.InstanceLocation,
				Message:      e.Error(),
				ViolatedRule: e.KeywordLocation,
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return issues
}
