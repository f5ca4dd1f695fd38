package decide

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// assessmentResponse is the structured output in assessment mode.
type assessmentResponse struct {
	Action  string `json:"action" jsonschema:"enum=stop,enum=continue,description=stop when the goal is complete or the sub agent misbehaves"`
	Command string `json:"command" jsonschema:"description=One imperative directive for the sub agent; empty when stopping"`
}

// directiveResponse is the structured output in directive mode.
type directiveResponse struct {
	Command  string `json:"command" jsonschema:"description=One imperative directive for the sub agent; empty when achieved"`
	Achieved bool   `json:"achieved" jsonschema:"description=True when the high level goal is complete"`
}

// Schema is a named JSON schema for a structured model response.
type Schema struct {
	Name   string
	Schema json.RawMessage
}

func reflectSchema(name string, v any) (Schema, error) {
	r := &jsonschema.Reflector{
		// Structured output requires closed objects with every field required.
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
		DoNotReference:            true,
	}
	s := r.Reflect(v)
	s.Version = ""
	s.ID = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return Schema{}, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	return Schema{Name: name, Schema: raw}, nil
}

var (
	assessmentSchema = mustSchema("assessment_decision", &assessmentResponse{})
	directiveSchema  = mustSchema("directive_decision", &directiveResponse{})
)

func mustSchema(name string, v any) Schema {
	s, err := reflectSchema(name, v)
	if err != nil {
		panic(err)
	}
	return s
}
