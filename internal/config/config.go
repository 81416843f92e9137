// Package config loads the ambient configuration for a crabdb database:
// default record-file extension, default branch name, default commit
// author, and the fsync-on-rewrite durability policy.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultExtension is the record-file extension used when a config does
// not override it. Three extensions are accepted; ".crabdb" is this
// module's own default.
const DefaultExtension = ".crabdb"

// DefaultBranch is the branch HEAD starts on for a fresh database.
const DefaultBranch = "main"

// DefaultAuthor is the commit author recorded when the caller does not
// supply one.
const DefaultAuthor = "system"

// Config carries the ambient settings for a database handle.
type Config struct {
	DefaultExtension string `yaml:"default_extension"`
	DefaultBranch    string `yaml:"default_branch"`
	DefaultAuthor    string `yaml:"default_author"`

	// FsyncDir additionally fsyncs the containing directory after a
	// temp-file rename, for callers that want directory-entry durability
	// on top of file-content durability. Off by default.
	FsyncDir bool `yaml:"fsync_dir"`
}

// Default returns a Config populated with this module's defaults.
func Default() *Config {
	return &Config{
		DefaultExtension: DefaultExtension,
		DefaultBranch:    DefaultBranch,
		DefaultAuthor:    DefaultAuthor,
		FsyncDir:         false,
	}
}

// Unmarshal parses YAML config bytes, starting from Default() so any
// field the caller's YAML omits keeps its default value.
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid crabdb configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	cfg, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DefaultExtension == "" {
		return fmt.Errorf("default_extension must not be empty")
	}
	if c.DefaultExtension[0] != '.' {
		return fmt.Errorf("default_extension must start with '.', got %q", c.DefaultExtension)
	}
	if c.DefaultBranch == "" {
		return fmt.Errorf("default_branch must not be empty")
	}
	return nil
}
