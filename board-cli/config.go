package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

const defaultServer = "http://localhost:3000"

// cliConfig is read from config.toml, then TASKBOARD_* variables, then flags.
type cliConfig struct {
	Server string `toml:"server"`
	Token  string `toml:"token"`
	Debug  bool   `toml:"debug"`
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "taskboard", "config.toml")
}

// loadCLIConfig reads path, or the default location when path is empty. A
// missing default file is not an error.
func loadCLIConfig(path string) (cliConfig, error) {
	cfg := cliConfig{Server: defaultServer}

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return cliConfig{}, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("TASKBOARD_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("TASKBOARD_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("TASKBOARD_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return cliConfig{}, fmt.Errorf("invalid TASKBOARD_DEBUG %q", v)
		}
		cfg.Debug = debug
	}
	if cfg.Server == "" {
		return cliConfig{}, errors.New("server address must not be empty")
	}
	return cfg, nil
}
