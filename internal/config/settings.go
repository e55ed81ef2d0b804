package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings is the server-level configuration file (agenthq.yaml). Unlike the
// Store it is read once at startup and never written by the server.
type Settings struct {
	Addr      string `yaml:"addr"`
	Workspace string `yaml:"workspace"`
	AuthDB    string `yaml:"auth_db"`
	Logging   struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// LoadSettings reads agenthq.yaml if present and applies environment
// variable overrides. A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{Addr: ":8080"}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("AGENTHQ_ADDR"); v != "" {
		s.Addr = v
	}
	if v := os.Getenv("AGENTHQ_WORKSPACE"); v != "" {
		s.Workspace = v
	}
	if v := os.Getenv("AGENTHQ_AUTH_DB"); v != "" {
		s.AuthDB = v
	}
	if v := os.Getenv("AGENTHQ_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}

	if s.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		s.Workspace = filepath.Join(home, "agenthq")
	}
	if s.AuthDB == "" {
		s.AuthDB = filepath.Join(s.Workspace, metaDir, "auth.db")
	}
	return s, nil
}
