package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v2"
)

// LoadFile loads a config file. ".hcl" is the native format; ".yaml"/".yml"
// is accepted for configs written before the HCL switch. Unset fields are
// filled from Default().
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadLegacyYAML(path, data)
	default:
		return loadHCL(path, data)
	}
}

func loadHCL(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.merge(Default())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadLegacyYAML reads the pre-HCL config layout. The field names match the
// HCL ones, so the same struct decodes both.
func loadLegacyYAML(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode legacy config %s: %w", filename, err)
	}

	cfg.merge(Default())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
