package settings

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

type Arguments struct {
	DataDir    string
	ConfigFile string

	// Number of frames allocated by the buffer pool at startup.
	BufferSize int

	Debug bool

	// Strongly verbose logging
	Verbose bool

	Version string
}

// fileConfig mirrors Arguments with optional fields, so a partial config
// file only touches the settings it actually names.
type fileConfig struct {
	DataDir    *string `yaml:"datadir"`
	BufferSize *int    `yaml:"buffersize"`
	Debug      *bool   `yaml:"debug"`
	Verbose    *bool   `yaml:"verbose"`
}

var (
	instance *Arguments
	once     sync.Once
	mu       sync.RWMutex
)

// GetSettings returns the global settings instance
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{
			// Default values
			DataDir:    "./data",
			ConfigFile: "",
			BufferSize: 16,
			Verbose:    false,
			Version:    "0.1.0",
		}
	})
	return instance
}

// LoadConfigFile merges values from a YAML config file into the global
// settings. Only keys present in the file are applied; the caller
// re-applies explicitly set flags afterwards, so flags win over the file
// and the file wins over defaults.
func LoadConfigFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	mu.Lock()
	defer mu.Unlock()

	if fc.DataDir != nil {
		instance.DataDir = *fc.DataDir
	}
	if fc.BufferSize != nil {
		instance.BufferSize = *fc.BufferSize
	}
	if fc.Debug != nil {
		instance.Debug = *fc.Debug
	}
	if fc.Verbose != nil {
		instance.Verbose = *fc.Verbose
	}
	return nil
}
