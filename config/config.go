// Package config provides YAML configuration parsing for cardwatch.
//
// This package enables running cardwatch as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Card readers
//	port: 5001
//
//	probe:
//	  command: ${NFC_POLL:-nfc-poll}
//	  args: ["-l"]
//
//	poll:
//	  command: ${NFC_POLL:-nfc-poll}
//	  signal: SIGINT
//	  shutdown_timeout: 5s
//
//	filter: "acr122_usb:"
//
//	log:
//	  level: info
//	  format: console
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/cardwatch/internal/reader"
)

const (
	defaultPort          = 5001
	defaultCommand       = "nfc-poll"
	defaultQueueSize     = 64
	maxQueueSize         = 4096
	minShutdownTimeout   = 100 * time.Millisecond
	maxShutdownTimeout   = time.Minute
	defaultShutdownDelay = 5 * time.Second
)

// Config is the root configuration structure for cardwatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the page title. Defaults to "Card readers" at render time.
	Title string `yaml:"title"`

	// Host is the interface to bind. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port is the HTTP server port. Defaults to 5001.
	Port int `yaml:"port"`

	// ServeScript controls whether /nfc.js is served. Defaults to true.
	ServeScript *bool `yaml:"serve_script"`

	// SubscriberQueue is the per-subscriber buffer size. Defaults to 64.
	SubscriberQueue int `yaml:"subscriber_queue"`

	// Probe is the command that lists reader devices.
	Probe CommandConfig `yaml:"probe"`

	// Poll is the per-device command whose output lines are card ids.
	Poll PollConfig `yaml:"poll"`

	// Filter keeps only device ids that contain it.
	// Supports environment variable substitution.
	Filter string `yaml:"filter"`

	// Log configures the CLI logger.
	Log LogConfig `yaml:"log"`
}

// CommandConfig is an executable and its leading arguments.
//
// Command and each argument support environment variable substitution:
// ${VAR} or ${VAR:-default}
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// PollConfig defines how the per-device poll process runs and stops.
type PollConfig struct {
	CommandConfig `yaml:",inline"`

	// PTY runs the process on a pseudo-terminal.
	PTY bool `yaml:"pty"`

	// Signal is sent to the process group on shutdown: "SIGINT", "term", "15".
	// Defaults to SIGINT.
	Signal string `yaml:"signal"`

	// ShutdownTimeout is how long the process may take to exit before it is
	// killed. Must be between 100ms and 1m. Defaults to 5s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the CLI log level and output format.
type LogConfig struct {
	// Level is a zerolog level name. Defaults to "info".
	Level string `yaml:"level"`

	// Format is "json" or "console". Defaults to "json".
	Format string `yaml:"format"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in command paths, arguments and the
// device filter. An empty document yields the default configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.ServeScript == nil {
		serve := true
		c.ServeScript = &serve
	}
	if c.SubscriberQueue == 0 {
		c.SubscriberQueue = defaultQueueSize
	}
	if c.Probe.Command == "" {
		c.Probe.Command = defaultCommand
	}
	if c.Poll.Command == "" {
		c.Poll.Command = c.Probe.Command
	}
	if c.Poll.Signal == "" {
		c.Poll.Signal = "SIGINT"
	}
	if c.Poll.ShutdownTimeout == 0 {
		c.Poll.ShutdownTimeout = Duration(defaultShutdownDelay)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks a configuration that was built or modified in code.
// [Parse] already validates what it returns.
func (c *Config) Validate() error {
	return c.validate()
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if err := c.Probe.expand("probe"); err != nil {
		return err
	}
	if err := c.Poll.expand("poll"); err != nil {
		return err
	}

	filter, err := expandEnvVars(c.Filter)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	c.Filter = filter

	return c.validate()
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.SubscriberQueue < 1 || c.SubscriberQueue > maxQueueSize {
		return fmt.Errorf("subscriber_queue must be between 1 and %d, got %d", maxQueueSize, c.SubscriberQueue)
	}

	if strings.TrimSpace(c.Probe.Command) == "" {
		return fmt.Errorf("probe: command is required")
	}
	if strings.TrimSpace(c.Poll.Command) == "" {
		return fmt.Errorf("poll: command is required")
	}

	if _, err := reader.ParseSignal(c.Poll.Signal); err != nil {
		return fmt.Errorf("poll: signal: %w", err)
	}

	timeout := c.Poll.ShutdownTimeout.Duration()
	if timeout < minShutdownTimeout {
		return fmt.Errorf("poll: shutdown_timeout must be at least %s, got %s", minShutdownTimeout, timeout)
	}
	if timeout > maxShutdownTimeout {
		return fmt.Errorf("poll: shutdown_timeout must not exceed %s, got %s", maxShutdownTimeout, timeout)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log: level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: format must be json or console, got %q", c.Log.Format)
	}

	return nil
}

func (cc *CommandConfig) expand(section string) error {
	command, err := expandEnvVars(cc.Command)
	if err != nil {
		return fmt.Errorf("%s: command: %w", section, err)
	}
	cc.Command = command

	for i, arg := range cc.Args {
		expanded, err := expandEnvVars(arg)
		if err != nil {
			return fmt.Errorf("%s: args[%d]: %w", section, i, err)
		}
		cc.Args[i] = expanded
	}
	return nil
}
