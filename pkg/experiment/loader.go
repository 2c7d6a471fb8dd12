package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/trainctl/pkg/provision"
)

// ErrInvalidConfig marks semantic problems the schema cannot express.
var ErrInvalidConfig = errors.New("invalid experiment config")

// Load reads, validates and normalizes an experiment configuration file.
//
// The format is chosen by extension (.yaml/.yml or .json); anything else is
// tried as YAML, then JSON. A relative project path resolves against the
// directory that holds the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("experiment config not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading experiment config: %s", path)
		}
		return nil, fmt.Errorf("failed to read experiment config: %w", err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config directory: %w", err)
	}
	return LoadFromBytes(data, path, baseDir)
}

// LoadFromReader reads a configuration from r. Relative project paths
// resolve against baseDir.
func LoadFromReader(r io.Reader, path, baseDir string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment config: %w", err)
	}
	return LoadFromBytes(data, path, baseDir)
}

// LoadFromBytes validates raw bytes against the schema (so unknown fields
// are rejected), parses them, applies defaults and resolves paths.
func LoadFromBytes(data []byte, path, baseDir string) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("experiment config is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	cfg, err := parseConfig(data, path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.resolvePaths(baseDir); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths(baseDir string) error {
	if !filepath.IsAbs(c.Project) {
		if baseDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve project path: %w", err)
			}
			baseDir = wd
		}
		c.Project = filepath.Join(baseDir, c.Project)
	}
	c.Project = filepath.Clean(c.Project)
	if c.Name == "." || c.Name == string(filepath.Separator) {
		c.Name = filepath.Base(c.Project)
	}
	return nil
}

// check covers cross-field rules.
func (c *Config) check() error {
	if c.Telemetry.Mode == TelemetryEnabled && strings.TrimSpace(c.Telemetry.Project) == "" {
		return fmt.Errorf("%w: telemetry.project is required when telemetry is enabled", ErrInvalidConfig)
	}
	if c.Environment.Policy != provision.PolicyUseCurrent && c.Environment.Name == "" {
		return fmt.Errorf("%w: environment.name is required for policy %s", ErrInvalidConfig, c.Environment.Policy)
	}
	for k := range c.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("%w: invalid env var name %q", ErrInvalidConfig, k)
		}
	}
	return nil
}

func parseConfig(data []byte, path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		cfg, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return cfg, nil
		}
		if cfg, err := parseJSON(data); err == nil {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse experiment config (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON in experiment config: %w", err)
	}
	return &cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in experiment config: %w", err)
	}
	return &cfg, nil
}

// toJSON converts the input to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in experiment config: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse experiment config (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in experiment config: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert experiment config to JSON: %w", err)
	}
	return jsonData, nil
}
