// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
	"gopkg.in/yaml.v2"
)

// AgentConfig describes how to launch one agent CLI kind.
type AgentConfig struct {
	Binary string   `json:"binary" yaml:"binary"`
	Args   []string `json:"args" yaml:"args"`
	Max    int      `json:"max" yaml:"max"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// AdmissionConfig holds concurrency ceilings consumed at startup.
type AdmissionConfig struct {
	AggregateMax int `json:"aggregate_max" yaml:"aggregate_max"`
}

// StopConfig holds termination timing.
type StopConfig struct {
	GracefulTimeout Duration `json:"graceful_timeout" yaml:"graceful_timeout"`
}

// HistoryConfig holds session-history persistence settings.
type HistoryConfig struct {
	Dir      string   `json:"dir" yaml:"dir"`
	Debounce Duration `json:"debounce" yaml:"debounce"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	RingCapacity int `json:"ring_capacity" yaml:"ring_capacity"`
}

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig                       `json:"server" yaml:"server"`
	Agents    map[models.ProcessKind]AgentConfig `json:"agents" yaml:"agents"`
	Admission AdmissionConfig                    `json:"admission" yaml:"admission"`
	Stop      StopConfig                         `json:"stop" yaml:"stop"`
	History   HistoryConfig                      `json:"history" yaml:"history"`
	Events    EventsConfig                       `json:"events" yaml:"events"`
	LogDir    string                             `json:"log_dir" yaml:"log_dir"`
}

// Duration is a wrapper around time.Duration that marshals as a string
// ("4s", "800ms") in both YAML and JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	return d.parse(string(b[1 : len(b)-1]))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	deckDir := filepath.Join(home, ".agentdeck")

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8876,
		},
		Agents: map[models.ProcessKind]AgentConfig{
			models.KindOrchestrator: {
				Binary: "claude",
				Args:   []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose"},
				Max:    2,
			},
			models.KindWorker: {
				Binary: "codex",
				Args:   []string{"exec", "--quiet"},
				Max:    4,
			},
		},
		Admission: AdmissionConfig{
			AggregateMax: 5,
		},
		Stop: StopConfig{
			GracefulTimeout: Duration(4 * time.Second),
		},
		History: HistoryConfig{
			Dir:      filepath.Join(deckDir, "history"),
			Debounce: Duration(800 * time.Millisecond),
		},
		Events: EventsConfig{
			RingCapacity: 1000,
		},
		LogDir: filepath.Join(deckDir, "logs"),
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		yamlPath := filepath.Join(home, ".agentdeck", "config.yaml")
		jsonPath := filepath.Join(home, ".agentdeck", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			// No config file found, return defaults
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Detect format by extension
	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.History.Dir = resolvePath(cfg.History.Dir, baseDir)
	cfg.LogDir = resolvePath(cfg.LogDir, baseDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	for kind, agent := range c.Agents {
		if !models.ValidKind(kind) {
			return fmt.Errorf("unknown agent kind %q", kind)
		}
		if agent.Binary == "" {
			return fmt.Errorf("agent %s: binary is required", kind)
		}
		if agent.Max < 0 {
			return fmt.Errorf("agent %s: max must not be negative", kind)
		}
	}
	if c.Admission.AggregateMax < 0 {
		return fmt.Errorf("admission: aggregate_max must not be negative")
	}
	if c.Events.RingCapacity <= 0 {
		c.Events.RingCapacity = DefaultConfig().Events.RingCapacity
	}
	if c.Stop.GracefulTimeout <= 0 {
		c.Stop.GracefulTimeout = DefaultConfig().Stop.GracefulTimeout
	}
	if c.History.Debounce <= 0 {
		c.History.Debounce = DefaultConfig().History.Debounce
	}
	return nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".agentdeck", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// KindMax returns the concurrency ceiling for a kind (0 when unknown).
func (c *Config) KindMax(kind models.ProcessKind) int {
	return c.Agents[kind].Max
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	// Support "~/..." (and Windows separators just in case)
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
