package graph

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	verrors "github.com/visionflow/visionflow/pkg/errors"
)

// descriptorSchema is the JSON Schema for serialized graph descriptors.
// Structural constraints only; semantic checks (cycles, port types,
// liveness) live in Validate.
const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "from_port", "to", "to_port", "payload"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "from_port": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "to_port": {"type": "string", "minLength": 1},
          "payload": {"enum": ["frame", "detections", "tracks", "event"]}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileDescriptorSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("descriptor.schema.json", strings.NewReader(descriptorSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("descriptor.schema.json")
	})
	return compiledSchema, schemaErr
}

func validateSchema(raw []byte) error {
	schema, err := compileDescriptorSchema()
	if err != nil {
		return verrors.Wrap(err, verrors.CodeDescriptorSyntax, "compile descriptor schema")
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return verrors.Wrap(err, verrors.CodeDescriptorSyntax, "parse json descriptor")
	}
	if err := schema.Validate(payload); err != nil {
		return verrors.Wrap(err, verrors.CodeDescriptorSyntax, "descriptor schema violation")
	}
	return nil
}
