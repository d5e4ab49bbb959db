package main

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jpalmerr/cardwatch/config"
)

// envPrefix namespaces environment overrides, e.g. CARDWATCH_PORT.
const envPrefix = "CARDWATCH"

// envFiles are loaded in order. Variables already set are never replaced.
var envFiles = []string{".env", ".env.local"}

// addSettingsFlags registers the flags every config-driven command shares.
func addSettingsFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "path to config file")
	f.Int("port", 0, "HTTP port (overrides config)")
	f.String("host", "", "interface to bind (overrides config)")
	f.String("title", "", "page title (overrides config)")
	f.String("filter", "", "only use devices whose id contains this (overrides config)")
	f.String("poll-command", "", "probe and poll binary (overrides config)")
	f.Bool("pty", false, "run poll processes on a pseudo-terminal")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: json or console")
}

// loadEnvFiles loads environment variables from .env files.
func loadEnvFiles() {
	for _, envFile := range envFiles {
		_ = godotenv.Load(envFile)
	}
}

// loadSettings resolves the effective configuration for cmd.
//
// Precedence: flags, CARDWATCH_* environment, .env files, config file,
// defaults.
func loadSettings(cmd *cobra.Command) (*config.Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if v.IsSet("host") {
		cfg.Host = v.GetString("host")
	}
	if v.IsSet("title") {
		cfg.Title = v.GetString("title")
	}
	if v.IsSet("filter") {
		cfg.Filter = v.GetString("filter")
	}
	if v.IsSet("poll-command") {
		command := v.GetString("poll-command")
		cfg.Probe.Command = command
		cfg.Poll.Command = command
	}
	if v.IsSet("pty") {
		cfg.Poll.PTY = v.GetBool("pty")
	}
	if v.IsSet("log-level") {
		cfg.Log.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Log.Format = v.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
