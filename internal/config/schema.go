package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the published config schema.
const SchemaID = "https://github.com/haasonsaas/meowth/meowth.schema.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for meowth.yaml, with the top-level
// Config expanded in place so editors can complete section names directly.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			ExpandedStruct: true,
		}
		schema := r.Reflect(&Config{})
		schema.ID = jsonschema.ID(SchemaID)
		schema.Title = "Meowth configuration"
		schema.Description = "Slack bot settings: credentials, tools, context limits, sessions, fallback replies and rate limits."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
