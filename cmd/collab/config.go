package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings resolve in the usual order: flags, then COLLAB_* environment
// variables, then ~/.config/collab/config.yaml.
type fileConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	CacheDir string `yaml:"cache_dir"`
}

type configFlags struct {
	endpoint string
	token    string
	cacheDir string
}

func (c fileConfig) cachePath() string {
	return filepath.Join(c.CacheDir, "documents.db")
}

// loadConfig resolves the effective settings. requireAuth is false for
// commands that only touch the local cache.
func loadConfig(flags *configFlags, requireAuth bool) (fileConfig, error) {
	var cfg fileConfig

	path, err := configFilePath()
	if err == nil {
		data, readErr := os.ReadFile(path)
		switch {
		case readErr == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(readErr, os.ErrNotExist):
			return cfg, readErr
		}
	}

	if v := os.Getenv("COLLAB_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("COLLAB_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("COLLAB_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}

	if flags.endpoint != "" {
		cfg.Endpoint = flags.endpoint
	}
	if flags.token != "" {
		cfg.Token = flags.token
	}
	if flags.cacheDir != "" {
		cfg.CacheDir = flags.cacheDir
	}

	if requireAuth {
		if cfg.Endpoint == "" {
			return cfg, errors.New("no endpoint configured (flag --endpoint, COLLAB_ENDPOINT, or config file)")
		}
		if cfg.Token == "" {
			return cfg, errors.New("no token configured (flag --token, COLLAB_TOKEN, or config file)")
		}
	}
	if cfg.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, err
		}
		cfg.CacheDir = filepath.Join(home, ".cache", "collab")
	}
	return cfg, nil
}

func configFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "collab", "config.yaml"), nil
}
