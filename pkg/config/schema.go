package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// configSchema rejects unknown sections and keys and mistyped values before
// the YAML is decoded.
var configSchema = gojsonschema.NewStringLoader(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": "string", "pattern": "` + durationPattern + `"}
  },
  "properties": {
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR"]},
        "pretty": {"type": "boolean"}
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "otlp_endpoint": {"type": "string"},
        "insecure": {"type": "boolean"},
        "service_name": {"type": "string"},
        "environment": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "address": {"type": "string"}
      }
    },
    "chain": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_chain_length": {"type": "integer", "minimum": 1}
      }
    },
    "retry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_retries": {"type": "integer", "minimum": 0},
        "initial_backoff": {"$ref": "#/definitions/duration"},
        "max_backoff": {"$ref": "#/definitions/duration"},
        "multiplier": {"type": "number", "exclusiveMinimum": 0},
        "jitter": {"type": "boolean"},
        "retryable_status_codes": {
          "type": "array",
          "items": {"type": "integer", "minimum": 100, "maximum": 599}
        },
        "idempotent_only": {"type": "boolean"},
        "respect_retry_after": {"type": "boolean"},
        "budget": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "requests_per_second": {"type": "number", "minimum": 0},
            "burst": {"type": "integer", "minimum": 0}
          }
        },
        "breaker": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "max_failures": {"type": "integer", "minimum": 0},
            "open_timeout": {"$ref": "#/definitions/duration"}
          }
        }
      }
    },
    "upstream_tls": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "server_name": {"type": "string"},
        "insecure_skip_verify": {"type": "boolean"},
        "ca_file": {"type": "string"},
        "cert_file": {"type": "string"},
        "key_file": {"type": "string"},
        "min_version": {"type": "string", "enum": ["1.2", "1.3"]}
      }
    }
  }
}`)

func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return nil
	}

	result, err := gojsonschema.Validate(configSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation system error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
