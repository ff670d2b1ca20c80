package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidPayload is returned for unparseable payloads and schema violations
var ErrInvalidPayload = errors.New("invalid payload")

// Payload kinds with a schema
const (
	PayloadNetwork = "network"
	PayloadEmail   = "email"
	PayloadSMS     = "sms"
	PayloadThreat  = "threat"
)

// SchemaValidator validates inbound JSON payloads against the embedded schemas
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewSchemaValidator compiles every embedded schema
func NewSchemaValidator(logger *slog.Logger) (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	kinds := []string{PayloadNetwork, PayloadEmail, PayloadSMS, PayloadThreat}
	for _, kind := range kinds {
		name := kind + ".json"
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
		}
	}

	v := &SchemaValidator{schemas: make(map[string]*jsonschema.Schema, len(kinds)), logger: logger}
	for _, kind := range kinds {
		schema, err := compiler.Compile(kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}

	logger.Info("Schema validator initialized", "schemas", len(v.schemas))
	return v, nil
}

// Validate checks data against the schema for kind
func (v *SchemaValidator) Validate(kind string, data []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: no schema for %q", ErrInvalidPayload, kind)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: malformed json: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		v.logger.Warn("Payload validation failed", "kind", kind, "error", err.Error())
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
