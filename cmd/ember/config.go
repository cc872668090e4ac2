package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults holds config-file defaults for sampling and serving, read once at
// startup and overridden by any CLI flag the user explicitly set. Grounded
// on the teacher's cmd/mantle/config.go Config, trimmed to the knobs this
// module's core actually has (no tokenizer/template/cache-dtype fields,
// since those concerns are out of scope per spec.md §1).
type Defaults struct {
	BundlePath string `yaml:"bundle_path"`

	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int64   `yaml:"max_tokens"`
	Seed        *int64   `yaml:"seed"`

	Backend string `yaml:"backend"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ember", "config.yaml")
}

// LoadDefaults reads the config file at configPath, returning a zero
// Defaults if it doesn't exist or fails to parse.
func LoadDefaults() Defaults {
	path := configPath()
	if path == "" {
		return Defaults{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}
	}
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Defaults{}
	}
	return d
}
