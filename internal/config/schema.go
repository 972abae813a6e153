package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema constrains config.yaml. Every field is optional (defaults and
// environment overrides fill the gaps) but present fields must be well typed.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "log_level": {
      "type": "string",
      "enum": ["debug", "info", "warn", "warning", "error"]
    },
    "db_path": {"type": "string"},
    "gateway": {
      "type": "object",
      "properties": {
        "url": {"type": "string", "pattern": "^wss?://"},
        "token": {"type": "string"},
        "token_env": {"type": "string"},
        "client_id": {"type": "string"}
      }
    },
    "dispatch": {
      "type": "object",
      "properties": {
        "poll_seconds": {"type": "integer", "minimum": 1},
        "model": {"type": "string"}
      }
    },
    "schedules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["cron", "action"],
        "properties": {
          "name": {"type": "string"},
          "cron": {"type": "string", "minLength": 9},
          "action": {"type": "string", "enum": ["reconcile", "prune"]}
        }
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none"]},
        "endpoint": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "retention_events_days": {"type": "integer", "minimum": 0},
    "retention_sessions_days": {"type": "integer", "minimum": 0}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

// ValidateYAML checks raw config.yaml bytes against the embedded schema.
// The YAML document is round-tripped through JSON so the validator sees
// json.Number values rather than YAML-native ints.
func ValidateYAML(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return nil
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("reencode config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return fmt.Errorf("decode config instance: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
