// Package config reads the optional TOML defaults file. Values here seed
// the CLI flags; anything set explicitly on the command line wins.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the defaults a user can persist instead of repeating flags.
type Config struct {
	Jobs               int    `toml:"jobs"`
	LogLevel           string `toml:"log_level"`
	OkErrors           string `toml:"ok_errors"`
	CompressFilterMsgs int    `toml:"compress_filter_msgs"`
	TraceProgress      bool   `toml:"trace_progress"`
}

// DefaultPath returns the conventional config location,
// $XDG_CONFIG_HOME/s3invsync.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(dir, "s3invsync.toml"), nil
}

// Read decodes a Config from the provided reader.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ReadFromFile reads a Config from path. When path is "" the default
// location is tried, and a missing file there yields the zero Config.
func ReadFromFile(path string) (*Config, error) {
	usingDefault := path == ""
	if usingDefault {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return &Config{}, nil
		}
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && usingDefault {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}
