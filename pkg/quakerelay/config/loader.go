package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PathEnv names the variable Load consults when no path is given.
const PathEnv = "QUAKERELAY_CONFIG"

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor JSON.
var ErrUnsupportedFormat = errors.New("unsupported config file extension")

// ResolvePath returns path, or the value of QUAKERELAY_CONFIG when path is
// empty.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv(PathEnv)
}

// FromFile loads a relay config file. The format follows the extension:
// .yaml and .yml are YAML, .json is JSON. The extension is checked before
// the file is read.
func FromFile(path string) (Config, error) {
	var parse func([]byte) (Config, error)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parse = FromYAML
	case ".json":
		parse = FromJSON
	default:
		return Config{}, fmt.Errorf("%w %q in %s: use .yaml, .yml or .json", ErrUnsupportedFormat, ext, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read relay config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromYAML parses a YAML relay config. An empty document yields an empty
// Config, so every setting keeps its default.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml relay config: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON relay config. The top level must be an object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json relay config: %w", err)
	}
	return New(m), nil
}
