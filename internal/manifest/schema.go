package manifest

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema for the given document kind ("agent" or
// "workflow").
func Schema(kind string) (*jsonschema.Schema, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var s *jsonschema.Schema
	switch kind {
	case "agent", KindAgent:
		s = r.Reflect(&Agent{})
		s.Title = "maestro Agent"
		s.Description = "A named invocation target backed by an agent framework."
	case "workflow", KindWorkflow:
		s = r.Reflect(&Workflow{})
		s.Title = "maestro Workflow"
		s.Description = "A step graph executed by the maestro engine."
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
	s.Version = "http://json-schema.org/draft-07/schema#"
	return s, nil
}

func (Framework) JSONSchema() *jsonschema.Schema {
	enum := make([]any, len(Frameworks))
	for i, f := range Frameworks {
		enum[i] = string(f)
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}

func (ContextItem) JSONSchema() *jsonschema.Schema {
	ref := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
		Required:   []string{"from"},
	}
	ref.Properties.Set("from", &jsonschema.Schema{Type: "string"})
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			ref,
		},
	}
}
