// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mbeema/vpatch/pkg/signature"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for vpatch. The keys match the
// existing VPatch.json files; YAML is accepted too.
type Config struct {
	TargetExe       string                `yaml:"target_exe" env:"VPATCH_TARGET_EXE"`
	TargetExe2      string                `yaml:"target_exe2" env:"VPATCH_TARGET_EXE2"`
	StartupArgument *string               `yaml:"startup_argument"`
	InjectTimeout   int                   `yaml:"inject_timeout"` // milliseconds
	TranslationFile string                `yaml:"translation_file" env:"VPATCH_TRANSLATION_FILE"`
	EmbedSettings   EmbedSettingsConfig   `yaml:"embedsettings"`
	EmbedHook       []signature.Signature `yaml:"embedhook"`

	LogLevel     string        `yaml:"log_level" env:"VPATCH_LOG_LEVEL"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	Hook         HookConfig    `yaml:"hook"`
	Health       HealthConfig  `yaml:"health"`
}

// EmbedSettingsConfig is applied to every process when it connects.
type EmbedSettingsConfig struct {
	TimeoutTranslate float64 `yaml:"timeout_translate"` // seconds
	ChangeFont       bool    `yaml:"changefont"`
	ChangeFontFont   string  `yaml:"changefont_font"`
	DisplayMode      int32   `yaml:"displaymode"`
}

// HookConfig selects and configures the injection engine.
type HookConfig struct {
	Engine      string `yaml:"engine"`       // auto, vhost, socket or stub
	VHostDir    string `yaml:"vhost_dir"`    // default: directory of the vpatch binary
	SocketPath  string `yaml:"socket_path"`  // socket engine only
	LibraryPath string `yaml:"library_path"` // socket engine only
	BasePath    string `yaml:"base_path"`    // passed with every injection request
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Engine names accepted in hook.engine.
const (
	EngineAuto   = "auto"
	EngineVHost  = "vhost"
	EngineSocket = "socket"
	EngineStub   = "stub"
)

// File names searched for when no config path is given.
const (
	JSONFileName = "VPatch.json"
	YAMLFileName = "vpatch.yaml"
)

// InjectDelay returns inject_timeout as a duration.
func (c *Config) InjectDelay() time.Duration {
	return time.Duration(c.InjectTimeout) * time.Millisecond
}

// TargetNames returns the executable names scanned for injection: the base
// names of target_exe and target_exe2.
func (c *Config) TargetNames() []string {
	var names []string
	for _, exe := range []string{c.TargetExe, c.TargetExe2} {
		if exe == "" {
			continue
		}
		if i := strings.LastIndexAny(exe, `\/`); i >= 0 {
			exe = exe[i+1:]
		}
		names = append(names, exe)
	}
	return names
}

// Load reads and parses a configuration file. A relative translation_file
// is resolved against the directory holding the config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data, path)
}

// parse decodes a config read from path; path anchors a relative
// translation_file.
func parse(data []byte, path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(normalizeJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if cfg.TranslationFile != "" && !filepath.IsAbs(cfg.TranslationFile) {
		cfg.TranslationFile = filepath.Join(filepath.Dir(path), cfg.TranslationFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// normalizeJSON turns tab indentation of a JSON document into spaces so the
// YAML parser accepts it. JSON strings cannot hold raw tabs, so no value
// changes.
func normalizeJSON(data []byte) []byte {
	trimmed := bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data
	}
	return bytes.ReplaceAll(trimmed, []byte("\t"), []byte(" "))
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "info",
		ReapInterval: 5 * time.Second,
		EmbedSettings: EmbedSettingsConfig{
			TimeoutTranslate: 1,
		},
		Hook: HookConfig{
			Engine:     EngineAuto,
			SocketPath: filepath.Join(os.TempDir(), "vpatch", "hook.sock"),
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    "127.0.0.1:8686",
		},
	}
}

// FindConfig resolves the config file to load. An explicit path wins; then
// VPatch.json next to the executable; then vpatch.yaml or VPatch.json in
// the working directory.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config %s: %w", explicit, err)
		}
		return explicit, nil
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), JSONFileName))
	}
	candidates = append(candidates, YAMLFileName, JSONFileName)

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (tried %s): %w", strings.Join(candidates, ", "), os.ErrNotExist)
}

// ApplyEnvOverrides reads VPATCH_* environment variables and applies them
// to the config, overriding file values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"VPATCH_LOG_LEVEL":        func(v string) { c.LogLevel = v },
		"VPATCH_TARGET_EXE":       func(v string) { c.TargetExe = v },
		"VPATCH_TARGET_EXE2":      func(v string) { c.TargetExe2 = v },
		"VPATCH_TRANSLATION_FILE": func(v string) { c.TranslationFile = v },
		"VPATCH_HOOK_ENGINE":      func(v string) { c.Hook.Engine = v },
		"VPATCH_HEALTH_PORT":      func(v string) { c.Health.Port = v },
	}

	boolOverrides := map[string]*bool{
		"VPATCH_HEALTH_ENABLED": &c.Health.Enabled,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.TargetExe == "" {
		errs = append(errs, fmt.Errorf("target_exe is required"))
	}
	if c.TranslationFile == "" {
		errs = append(errs, fmt.Errorf("translation_file is required"))
	}
	if c.InjectTimeout < 0 {
		errs = append(errs, fmt.Errorf("inject_timeout must not be negative"))
	}
	if c.EmbedSettings.TimeoutTranslate < 0 {
		errs = append(errs, fmt.Errorf("embedsettings.timeout_translate must not be negative"))
	}
	if c.ReapInterval < 0 {
		errs = append(errs, fmt.Errorf("reap_interval must not be negative"))
	}

	switch c.Hook.Engine {
	case EngineAuto, EngineVHost, EngineSocket, EngineStub:
	default:
		errs = append(errs, fmt.Errorf("hook.engine must be one of auto, vhost, socket, stub (got %q)", c.Hook.Engine))
	}

	for i, sig := range c.EmbedHook {
		if sig.Code == "" {
			errs = append(errs, fmt.Errorf("embedhook[%d]: empty hook code", i))
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		errs = append(errs, fmt.Errorf("health.port is required when health is enabled"))
	}

	return errors.Join(errs...)
}
