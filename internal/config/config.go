// Package config loads the bridge's settings through a layered
// koanf.Koanf stack: built-in defaults, then an optional TOML file,
// then MCPLSP_-prefixed environment variables, with CLI flags applied
// last by the caller as explicit overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix environment-variable overrides must carry.
const EnvPrefix = "MCPLSP_"

const configFileName = "mcplsp.toml"
const dotConfigFileName = ".mcplsp.toml"

// Config holds every setting the bridge needs to start: the child
// language-server command, the restart bound, and the policy gate's
// command-tool flag and trusted binaries.
type Config struct {
	WorkspaceRoot         string        `koanf:"workspace_root"`
	LanguageServerCommand []string      `koanf:"language_server_command"`
	MaxRestarts           int           `koanf:"max_restarts"`
	RequestTimeout        time.Duration `koanf:"request_timeout"`
	CommandToolsEnabled   bool          `koanf:"command_tools_enabled"`
	TrustedBinaries       []string      `koanf:"trusted_binaries"`
}

// Default returns the built-in defaults layered under everything else.
func Default() Config {
	return Config{
		MaxRestarts:         5,
		RequestTimeout:      30 * time.Second,
		CommandToolsEnabled: false,
	}
}

// Load builds a Config by layering defaults, a discovered config file,
// and environment variables, in that order.
func Load(workspaceRoot string) (Config, error) {
	path := Discover(workspaceRoot)
	return LoadFromFile(workspaceRoot, path)
}

// LoadFromFile is Load with an explicit (possibly empty) config file
// path, skipping discovery.
func LoadFromFile(workspaceRoot, path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			return envKeyTransform(k), v
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = workspaceRoot
	}
	return cfg, nil
}

// ApplyOverrides layers every entry of overrides (the CLI-flag values
// the caller chose to pass) on top of cfg, matching the precedence
// order defaults < file < env < flags.
func ApplyOverrides(cfg Config, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: reload base: %w", err)
	}
	if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: apply overrides: %w", err)
	}
	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal overrides: %w", err)
	}
	return out, nil
}

// Discover walks up from workspaceRoot looking for mcplsp.toml or
// .mcplsp.toml, returning the first match or "" if none is found.
func Discover(workspaceRoot string) string {
	dir, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return ""
	}
	for {
		for _, name := range []string{dotConfigFileName, configFileName} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// envKeyTransform strips the MCPLSP_ prefix and lowercases the rest;
// every Config field's koanf tag is already underscore-separated, so
// no further nesting translation is needed.
func envKeyTransform(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}
