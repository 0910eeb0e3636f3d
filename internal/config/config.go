// Copyright 2024 Rc2Compute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads rc2sync settings. Layers, lowest first: embedded
// defaults, the settings file, RC2SYNC_ environment variables, bound flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/wvuRc2/rc2compute/internal/artifacts"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RC2SYNC"

// Database selects the backend holding workspace files.
type Database struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// Settings is the resolved configuration of one sync session.
type Settings struct {
	Database           Database      `mapstructure:"database"`
	WorkspaceID        int64         `mapstructure:"workspace_id"`
	ProjectID          int64         `mapstructure:"project_id"`
	SessionID          int64         `mapstructure:"session_id"`
	WorkingDir         string        `mapstructure:"working_dir"`
	ImagePrefix        string        `mapstructure:"image_prefix"`
	EchoWindow         time.Duration `mapstructure:"echo_window"`
	NotifyChannel      string        `mapstructure:"notify_channel"`
	NotifyPollInterval time.Duration `mapstructure:"notify_poll_interval"`
	WatchBackend       string        `mapstructure:"watch_backend"`
	IgnoreFile         string        `mapstructure:"ignore_file"`
	Excludes           []string      `mapstructure:"excludes"`
	SocketPath         string        `mapstructure:"socket_path"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFile            string        `mapstructure:"log_file"`
	LogMaxSizeMB       int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups      int           `mapstructure:"log_max_backups"`
}

// ConfigDir returns RC2SYNC_CONFIG_DIR, or ~/.rc2sync.
func ConfigDir() string {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rc2sync")
}

// SettingsPath returns the default settings file.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// New returns a viper instance holding the embedded defaults with
// environment overrides enabled.
func New() (*viper.Viper, error) {
	v := viper.New()
	var defaults map[string]interface{}
	if err := yaml.Unmarshal(artifacts.DefaultSettings, &defaults); err != nil {
		return nil, fmt.Errorf("parse embedded settings: %w", err)
	}
	setDefaults(v, "", defaults)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// BindFlags binds flags to settings keys. Flag names use dashes for
// underscores and dots, so --database-dsn sets database.dsn.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		name := strings.NewReplacer(".", "-", "_", "-").Replace(key)
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag %q for setting %q", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile merges a settings file. An empty path reads SettingsPath when it exists.
func ReadFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = SettingsPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

// Load decodes every layer of v into Settings.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Database.Driver = strings.ToLower(s.Database.Driver)
	s.WatchBackend = strings.ToLower(s.WatchBackend)
	if s.WorkingDir != "" {
		if abs, err := filepath.Abs(s.WorkingDir); err == nil {
			s.WorkingDir = abs
		}
	}
	return &s, nil
}

// Validate checks what every command needs.
func (s *Settings) Validate() error {
	switch s.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", s.Database.Driver)
	}
	switch s.WatchBackend {
	case "auto", "inotify", "fsnotify":
	default:
		return fmt.Errorf("watch_backend must be auto, inotify or fsnotify, got %q", s.WatchBackend)
	}
	if s.EchoWindow < 0 || s.NotifyPollInterval < 0 {
		return fmt.Errorf("echo_window and notify_poll_interval must not be negative")
	}
	return nil
}

// ValidateSession checks what a sync session needs beyond Validate.
func (s *Settings) ValidateSession() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if s.WorkspaceID <= 0 {
		return fmt.Errorf("workspace_id must be positive")
	}
	if s.WorkingDir == "" {
		return fmt.Errorf("working_dir is required")
	}
	return nil
}

// ControlSocket returns the control socket path of the session.
func (s *Settings) ControlSocket() string {
	if s.SocketPath != "" {
		return s.SocketPath
	}
	return filepath.Join(ConfigDir(), fmt.Sprintf("rc2sync-%d.sock", s.WorkspaceID))
}

// PidPath returns the pid file of a detached session.
func (s *Settings) PidPath() string {
	return filepath.Join(ConfigDir(), fmt.Sprintf("rc2sync-%d.pid", s.WorkspaceID))
}

// Render returns the effective settings as YAML.
func Render(v *viper.Viper) ([]byte, error) {
	return yaml.Marshal(v.AllSettings())
}

// Save writes the effective settings to path, creating its directory.
func Save(v *viper.Viper, path string) error {
	data, err := Render(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	header := []byte("# rc2sync settings\n\n")
	return os.WriteFile(path, append(header, data...), 0o600)
}

// InitConfigDir creates the config directory and writes the settings
// template unless a settings file exists. It returns the settings path.
func InitConfigDir() (string, error) {
	if err := os.MkdirAll(ConfigDir(), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := SettingsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.DefaultSettings, 0o600); err != nil {
			return "", fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return path, nil
}
