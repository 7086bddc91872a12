package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout of an on-disk project configuration.
type fileConfig struct {
	Project   ProjectMeta `yaml:"project"`
	Pipelines []Pipeline  `yaml:"pipelines"`
}

// LoadFile parses a project configuration file. File-based
// configurations are always static; dynamic pipelines are supplied
// programmatically.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(fc.Pipelines) == 0 {
		return nil, fmt.Errorf("%w: no pipelines defined", ErrInvalidConfig)
	}
	return &Config{
		Project:   fc.Project,
		Pipelines: StaticPipelines(fc.Pipelines),
	}, nil
}
