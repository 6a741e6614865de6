package effector

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaSet holds compiled JSON Schemas keyed by operation name. Effectors
// validate incoming params against these before any planning happens.
type SchemaSet struct {
	capability string
	compiled   map[string]*jsonschema.Schema
}

// CompileSchemas compiles one schema per operation. Called once at effector
// construction; a compile failure is a programming error surfaced at startup.
func CompileSchemas(capability string, schemas map[string]string) (*SchemaSet, error) {
	set := &SchemaSet{capability: capability, compiled: make(map[string]*jsonschema.Schema, len(schemas))}
	for op, schema := range schemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://leash.schemas.local/%s/%s.schema.json", capability, op)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("schema load failed for %s/%s: %w", capability, op, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema compile failed for %s/%s: %w", capability, op, err)
		}
		set.compiled[op] = compiled
	}
	return set, nil
}

// Validate checks params against the schema for op. Unknown operations and
// schema violations both come back as *ValidationError.
func (s *SchemaSet) Validate(op string, params map[string]any) error {
	schema, ok := s.compiled[op]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown %s operation %q", s.capability, op))
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(params)); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// normalizeForSchema converts typed Go slices into the generic forms the
// jsonschema validator expects.
func normalizeForSchema(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case []string:
			generic := make([]any, len(t))
			for i, s := range t {
				generic[i] = s
			}
			out[k] = generic
		case int:
			out[k] = float64(t)
		case int64:
			out[k] = float64(t)
		default:
			out[k] = v
		}
	}
	return out
}
