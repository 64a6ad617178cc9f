package realmconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// realmConfigSchemaDoc describes the same shape realm.Config's TOML tags
// encode, expressed as JSON Schema so ValidateSchema can reject a config
// document with an unknown key, wrong-typed value, or out-of-range
// reserved-ip, a stricter check than realm.Config.Validate's.
const realmConfigSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "use-gpu": {"type": "boolean"},
    "use-wayland": {"type": "boolean"},
    "use-x11": {"type": "boolean"},
    "use-sound": {"type": "boolean"},
    "use-shared-dir": {"type": "boolean"},
    "use-network": {"type": "boolean"},
    "use-kvm": {"type": "boolean"},
    "use-ephemeral-home": {"type": "boolean"},
    "overlay": {"enum": ["none", "tmpfs", "storage"]},
    "realmfs": {"type": "string"},
    "terminal-scheme": {"type": "string"},
    "realm-depends": {"type": "array", "items": {"type": "string"}},
    "system-realm": {"type": "boolean"},
    "reserved-ip": {"type": "integer", "minimum": 0, "maximum": 254},
    "extra-bindmounts-ro": {"type": "array", "items": {"type": "string"}}
  }
}`

const schemaResourceName = "citadel-realm-config.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaResourceName, bytes.NewReader([]byte(realmConfigSchemaDoc))); err != nil {
			compileErr = fmt.Errorf("realmconfig: add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaResourceName)
	})
	return compiled, compileErr
}

// ValidateSchema checks a decoded config document, keyed by the same
// field names as a realm config file, against the realm config schema.
// It is stricter than DecodeConfig and Config.Validate: an unknown key
// or a wrong JSON type for a known one is rejected here rather than
// silently ignored (TOML's default unmarshal behavior) or surfacing only
// as a downstream Validate() error. loadConfig does not call it.
func ValidateSchema(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	// jsonschema validates decoded JSON values (map[string]any with
	// float64 numbers), so round-trip doc through encoding/json to get
	// the same representation a real JSON document would produce.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("realmconfig: marshal config for validation: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("realmconfig: unmarshal config for validation: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("realmconfig: schema validation failed: %w", err)
	}
	return nil
}
