package pluginsdk

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateConfig validates a plugin config against the manifest schema.
// A manifest without a schema accepts any config.
func (m *Manifest) ValidateConfig(config map[string]any) error {
	if len(m.ConfigSchema) == 0 {
		return nil
	}

	schema, err := compileSchema(m.ConfigSchema)
	if err != nil {
		return NewError(KindValidation, "compile plugin schema", err)
	}

	if config == nil {
		config = map[string]any{}
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return NewError(KindValidation, "encode plugin config", err)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return NewError(KindValidation, "decode plugin config", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return NewError(KindValidation, fmt.Sprintf("config for %s invalid", m.ID), err)
	}

	return nil
}

// MergedConfig returns the manifest defaults shallow-merged with overrides.
func (m *Manifest) MergedConfig(overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(m.ConfigDefaults)+len(overrides))
	for k, v := range m.ConfigDefaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("plugin.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
