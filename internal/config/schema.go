package config

import (
	_ "embed" // Required for //go:embed directive
	"fmt"
	"sync"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Embed the schema file content directly into the compiled binary.
//
//go:embed kvsync_schema_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1Loader gojsonschema.JSONLoader
	schemaV1       *gojsonschema.Schema
	// schemaOnce ensures the schema is loaded and compiled only once.
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema once, thread-safely.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = kverrors.NewConfigError("embedded schema 'kvsync_schema_v1.0.0.json' is empty or not found (ensure file exists in internal/config/)", nil)
			return
		}
		schemaV1Loader = gojsonschema.NewBytesLoader(schemaV1Bytes)
		schemaV1, schemaErr = gojsonschema.NewSchema(schemaV1Loader)
		if schemaErr != nil {
			schemaErr = kverrors.NewConfigError("failed to compile embedded schema 'kvsync_schema_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema validates the given YAML document bytes against the
// embedded kvsync v1.0.0 schema, handling the YAML-to-JSON conversion the
// validator requires.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	// gojsonschema works on JSON-like Go structures; parse the YAML into a
	// generic interface{} first.
	var jsonData interface{}
	if err := yaml.Unmarshal(documentYAML, &jsonData); err != nil {
		return kverrors.NewConfigError("failed to parse config YAML for schema validation", err)
	}

	docLoader := gojsonschema.NewGoLoader(jsonData)

	result, err := schema.Validate(docLoader)
	if err != nil {
		return kverrors.NewConfigError("schema validation process failed", err)
	}

	if !result.Valid() {
		errMsg := "Config failed JSON schema validation:"
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "(root)" || field == "" {
				field = desc.Context().String()
			}
			errMsg += fmt.Sprintf("\n  - Field '%s': %s", field, desc.Description())
		}
		return kverrors.NewValidationError(errMsg, nil)
	}

	return nil
}
