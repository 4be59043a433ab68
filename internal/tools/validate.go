package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// ValidateParams checks params against a tool's JSON Schema. The returned
// error message is human-readable; it is surfaced to the agent so it can
// correct the call on its next turn.
func ValidateParams(schema, params json.RawMessage) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}

	return nil
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
