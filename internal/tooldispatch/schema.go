package tooldispatch

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/relaycode/agentrt/internal/llm"
)

// Definitions generates the JSON-schema tool advertisement for every
// routed tool from its typed argument struct, grounded on the teacher's
// pattern of deriving Definition.Parameters from a Go type (pkg/tool's
// ToDefinition) but using invopop/jsonschema's reflector directly instead
// of a hand-rolled walk.
func Definitions() []llm.ToolDefinition {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

	defs := make([]llm.ToolDefinition, 0, len(RoutedTools))
	for _, name := range RoutedTools {
		proto := argPrototype(name)
		schema := reflector.Reflect(proto)
		raw, err := json.Marshal(schema)
		if err != nil {
			continue
		}
		var asMap map[string]any
		if err := json.Unmarshal(raw, &asMap); err != nil {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: toolDescription(name),
			Schema:      asMap,
		})
	}
	return defs
}
