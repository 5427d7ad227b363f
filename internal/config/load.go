package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint defines the SemVer major version that
// loaded configs must satisfy. A v1 node only accepts v1 configs.
const SupportedSchemaVersionConstraint = "v1"

// Load reads config YAML bytes, validates against the embedded JSON schema,
// unmarshals with strict decoding, checks schema version compatibility, and
// performs logical validation of the cluster topology.
func Load(configYAML []byte, filePathHint string) (*Config, error) {
	if len(configYAML) == 0 {
		return nil, kverrors.NewConfigError("config content cannot be empty", nil)
	}

	// Step 1: Validate against the JSON Schema for basic structure and types.
	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("config '%s' failed schema validation", filePathHint), err)
	}

	// Step 2: Unmarshal using strict decoding to catch unknown fields.
	var cfg Config
	if err := yamlUnmarshalStrict(configYAML, &cfg); err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("failed to parse config YAML '%s'", filePathHint), err)
	}
	cfg.FilePath = filePathHint

	// Step 3: Check schema version compatibility.
	if cfg.SchemaVersion == "" {
		return nil, kverrors.NewValidationError(fmt.Sprintf("config '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	cfgSemVer := cfg.SchemaVersion
	if !strings.HasPrefix(cfgSemVer, "v") {
		cfgSemVer = "v" + cfgSemVer
	}
	if !semver.IsValid(cfgSemVer) {
		return nil, kverrors.NewValidationError(fmt.Sprintf("config '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, cfg.SchemaVersion), nil)
	}
	if semver.Major(cfgSemVer) != SupportedSchemaVersionConstraint {
		return nil, kverrors.NewValidationError(
			fmt.Sprintf("config '%s' schemaVersion '%s' is not compatible with node requirement '%s'",
				filePathHint, cfg.SchemaVersion, SupportedSchemaVersionConstraint),
			nil,
		)
	}

	// Step 4: Logical validation beyond what the schema can express.
	validationErrs := ValidateStructure(&cfg)
	if len(validationErrs) > 0 {
		var errorMessages []string
		for _, vErr := range validationErrs {
			errorMessages = append(errorMessages, vErr.Error())
		}
		combinedMessage := fmt.Sprintf("config '%s' has %d validation error(s):\n- %s",
			filePathHint, len(errorMessages), strings.Join(errorMessages, "\n- "))
		return nil, kverrors.NewValidationError(combinedMessage, validationErrs[0])
	}

	return &cfg, nil
}

// LoadFromFile is a convenience function to read a config from disk.
func LoadFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, kverrors.NewConfigError("config file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("failed to read config file '%s'", absPath), err)
	}
	return Load(yamlFile, absPath)
}

// yamlUnmarshalStrict provides stricter YAML unmarshalling by disallowing
// unknown fields, so typos in config files fail loudly.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(in)))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
