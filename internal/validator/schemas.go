package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/floworc/floworc/pkg/schema"
)

// stepConfigSchemas declares the required configuration shape per step type.
// Conditional steps are checked in code instead (condition XOR branches).
var stepConfigSchemas = map[schema.StepType]string{
	schema.StepTypeAIProcessing: `{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"model": {"type": "string"}
		}
	}`,
	schema.StepTypeDataTransform: `{
		"type": "object",
		"required": ["expression"],
		"properties": {
			"expression": {"type": "string", "minLength": 1}
		}
	}`,
	schema.StepTypeExternalCall: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"method": {"type": "string"},
			"body": {}
		}
	}`,
	schema.StepTypeUserApproval: `{
		"type": "object",
		"properties": {
			"approvers": {"type": "array", "items": {"type": "string"}},
			"message": {"type": "string"}
		}
	}`,
	schema.StepTypeNotification: `{
		"type": "object",
		"required": ["channel"],
		"properties": {
			"channel": {"type": "string", "minLength": 1},
			"recipients": {"type": "array", "items": {"type": "string"}},
			"message": {"type": "string"}
		}
	}`,
}

// configSchemas holds the compiled per-type schemas.
type configSchemas struct {
	compiled map[schema.StepType]*jsonschema.Schema
}

// compileConfigSchemas compiles all step config schemas once at construction.
func compileConfigSchemas() (*configSchemas, error) {
	compiler := jsonschema.NewCompiler()

	for stepType, raw := range stepConfigSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", stepType, err)
		}
		url := fmt.Sprintf("floworc://steps/%s.json", stepType)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", stepType, err)
		}
	}

	compiled := make(map[schema.StepType]*jsonschema.Schema, len(stepConfigSchemas))
	for stepType := range stepConfigSchemas {
		url := fmt.Sprintf("floworc://steps/%s.json", stepType)
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", stepType, err)
		}
		compiled[stepType] = sch
	}

	return &configSchemas{compiled: compiled}, nil
}

// check validates a step's config against its type schema. Returns a
// human-readable message per violation, empty when valid or when the type
// carries no schema.
func (c *configSchemas) check(stepType schema.StepType, config map[string]any) []string {
	sch, ok := c.compiled[stepType]
	if !ok {
		return nil
	}

	// jsonschema wants plain JSON values; round-trip normalizes Go types.
	instance := any(map[string]any{})
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return []string{fmt.Sprintf("config is not JSON-serializable: %v", err)}
		}
		if err := json.Unmarshal(raw, &instance); err != nil {
			return []string{fmt.Sprintf("config is not a JSON object: %v", err)}
		}
	}

	err := sch.Validate(instance)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		msgs := make([]string, 0, len(verr.Causes))
		for _, cause := range verr.Causes {
			msgs = append(msgs, cause.Error())
		}
		if len(msgs) == 0 {
			msgs = append(msgs, verr.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
