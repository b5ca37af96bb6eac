package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format string

// Supported manifest encodings.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the encoding from a file extension. Unknown
// extensions are treated as YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// LoadConfig reads, validates and decodes a manifest file, then applies
// defaults and the cross-field checks in Validate.
func LoadConfig(filename string) (*CollabServerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data, FormatFromPath(filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

// Parse decodes a manifest in the given format.
func Parse(data []byte, format Format) (*CollabServerConfig, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	// Step 1: JSON Schema validation (structure, types, kind values)
	if err := ValidateManifest(jsonData); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	// Step 2: decode into typed config; metav1 types carry JSON tags only
	var cfg CollabServerConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	var doc map[string]interface{}
	switch format {
	case FormatJSON:
		return data, nil
	case FormatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to JSON: %w", err)
	}
	return out, nil
}

// expandEnv resolves ${NAME} references in secret-bearing fields.
func (c *CollabServerConfig) expandEnv() {
	auth := &c.Spec.Agents.Auth
	auth.Token = os.ExpandEnv(auth.Token)
	auth.ClientID = os.ExpandEnv(auth.ClientID)
	auth.ClientSecret = os.ExpandEnv(auth.ClientSecret)
	c.Spec.Ledger.Redis.Password = os.ExpandEnv(c.Spec.Ledger.Redis.Password)
}
