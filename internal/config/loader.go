package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	ArtifactsDir   string `json:"artifacts_dir" yaml:"artifacts_dir" toml:"artifacts_dir"`
	DriverAddress  string `json:"driver_address" yaml:"driver_address" toml:"driver_address"`
	CoreGroupSizes string `json:"core_group_sizes" yaml:"core_group_sizes" toml:"core_group_sizes"`
	ShmMap         string `json:"shm_map" yaml:"shm_map" toml:"shm_map"`
	ProfileDir     string `json:"profile_dir" yaml:"profile_dir" toml:"profile_dir"`
	LogLevel       string `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORSEnabled    bool   `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins    string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overlays the recognised environment variables onto cfg and
// exports the runtime-facing ones back into the environment so the device
// manager and the profiler see consistent values.
func (cfg *Config) ApplyEnv() {
	if v := os.Getenv("DRIVER_ADDRESS"); v != "" {
		cfg.DriverAddress = v
	}
	if v := os.Getenv("CORE_GROUP_SIZES"); v != "" {
		cfg.CoreGroupSizes = v
	}
	if v := os.Getenv("SHM_MAP"); v != "" {
		cfg.ShmMap = v
	}
	if v := os.Getenv("PROFILE_DIR"); v != "" {
		cfg.ProfileDir = v
	}
	if cfg.DriverAddress != "" {
		os.Setenv("DRIVER_ADDRESS", cfg.DriverAddress)
	}
	if cfg.CoreGroupSizes != "" {
		os.Setenv("CORE_GROUP_SIZES", cfg.CoreGroupSizes)
	}
	if cfg.ShmMap != "" {
		os.Setenv("SHM_MAP", cfg.ShmMap)
	}
	if cfg.ProfileDir != "" {
		os.Setenv("PROFILE_DIR", cfg.ProfileDir)
	}
}
