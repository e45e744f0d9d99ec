package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema описывает допустимую структуру YAML. Неизвестные ключи отклоняются.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "point": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"x": {"type": "integer"}, "z": {"type": "integer"}}
    },
    "limits": {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4},
    "rgb": {"type": "array", "items": {"type": "number", "minimum": 0, "maximum": 1}, "minItems": 3, "maxItems": 3},
    "duration": {"type": ["string", "integer"]}
  },
  "properties": {
    "terrain": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "tile_size": {"type": "number"},
        "resolution": {"type": "integer"},
        "max_height": {"type": "number"},
        "grid_min": {"$ref": "#/definitions/point"},
        "grid_max": {"$ref": "#/definitions/point"},
        "cache_version": {"type": "integer", "minimum": 0},
        "vertex_colors": {"type": "boolean"},
        "default_color": {"$ref": "#/definitions/rgb"},
        "noise_layers": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["frequency", "min_amplitude", "max_amplitude"],
            "properties": {
              "frequency": {"type": "number"},
              "min_amplitude": {"type": "number"},
              "max_amplitude": {"type": "number"},
              "seed": {"type": "integer"},
              "octaves": {"type": "integer"}
            }
          }
        },
        "color_bands": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["color", "slope_limits", "height_limits"],
            "properties": {
              "name": {"type": "string"},
              "color": {"$ref": "#/definitions/rgb"},
              "slope_limits": {"$ref": "#/definitions/limits"},
              "height_limits": {"$ref": "#/definitions/limits"}
            }
          }
        }
      }
    },
    "streaming": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "concurrency_limit": {"type": "integer"},
        "max_dispatch_per_tick": {"type": "integer"},
        "unload_policy": {"enum": ["", "immediate", "grace"]},
        "grace_period": {"$ref": "#/definitions/duration"},
        "refresh_stale_loaded": {"type": "boolean"},
        "workers": {"type": "integer"},
        "tick_rate_hz": {"type": "integer"}
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "rest_port": {"type": "integer"},
        "node_id": {"type": "string"}
      }
    },
    "nats": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string"},
        "subject": {"type": "string"},
        "max_reconnects": {"type": "integer"},
        "reconnect_wait": {"$ref": "#/definitions/duration"},
        "dedupe_window": {"$ref": "#/definitions/duration"},
        "events_stream": {"type": "string"},
        "events_retention": {"$ref": "#/definitions/duration"}
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "endpoint": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string"},
        "dir": {"type": "string"}
      }
    }
  }
}`

var (
	compiledSchema *jsonschema.Schema
	schemaOnce     sync.Once
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("terrain-config.schema.json", configSchema)
	})
	return compiledSchema, schemaErr
}

// validateSchema проверяет сырой YAML документ по JSON-схеме.
// YAML переводится в JSON-совместимые значения через json round-trip.
func validateSchema(data []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not a plain mapping: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized interface{}
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	if err := s.Validate(normalized); err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return nil
}
