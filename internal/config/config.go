// Package config loads the daemon configuration. Priority, highest to
// lowest: command-line flags, .env file, environment variables,
// defaults.
package config

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/monitor"
)

// Config holds the application configuration.
type Config struct {
	DataDir      string
	ListenAddr   string
	APIAuthToken string
	MCPAuthToken string
	PollInterval time.Duration
	EnrichGrace  time.Duration
	UpdateCheck  bool
	ConfigFile   string // path to the .env file, if one was loaded
}

// GetFlags returns the server command's flags.
func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Data directory path",
			DefaultValue: "",
			EnvVars:      []string{"UT_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:         "addr",
			Usage:        "Server listen address (e.g. :8087)",
			DefaultValue: "",
			EnvVars:      []string{"UT_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:         "api-token",
			Usage:        "API bearer token (plain or bcrypt hash)",
			DefaultValue: "",
			EnvVars:      []string{"UT_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:         "mcp-token",
			Usage:        "MCP bearer token",
			DefaultValue: "",
			EnvVars:      []string{"UT_MCP_TOKEN"},
		},
		&cli.StringFlag{
			Name:         "poll-interval",
			Usage:        "Inventory poll interval (e.g. 500ms)",
			DefaultValue: "",
			EnvVars:      []string{"UT_POLL_INTERVAL"},
		},
		&cli.StringFlag{
			Name:         "enrich-grace",
			Usage:        "Delay before storage enrichment lookups (e.g. 2s)",
			DefaultValue: "",
			EnvVars:      []string{"UT_ENRICH_GRACE"},
		},
		&cli.BoolFlag{
			Name:  "no-update-check",
			Usage: "Disable the daily update check",
		},
	}
}

// Load builds the configuration. cmd may be nil (env and defaults only).
func Load(cmd *cli.Command) *Config {
	cfg := &Config{
		DataDir:      "./data",
		ListenAddr:   ":8087",
		PollInterval: monitor.DefaultPollInterval,
		EnrichGrace:  monitor.DefaultEnrichGrace,
		UpdateCheck:  true,
	}

	env := map[string]string{}
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if loaded, err := loadEnvFile(envFile); err != nil {
			log.Warn("Failed to load .env file", "error", err)
		} else {
			env = loaded
			cfg.ConfigFile = envFile
		}
	}

	get := func(key string) string {
		if v, ok := env[key]; ok && v != "" {
			return v
		}
		return os.Getenv(key)
	}

	cfg.DataDir = coalesce(get("UT_DATA_DIR"), cfg.DataDir)
	cfg.ListenAddr = coalesce(get("UT_LISTEN_ADDR"), cfg.ListenAddr)
	cfg.APIAuthToken = coalesce(get("UT_API_TOKEN"), cfg.APIAuthToken)
	cfg.MCPAuthToken = coalesce(get("UT_MCP_TOKEN"), cfg.MCPAuthToken)
	cfg.PollInterval = duration(get("UT_POLL_INTERVAL"), cfg.PollInterval)
	cfg.EnrichGrace = duration(get("UT_ENRICH_GRACE"), cfg.EnrichGrace)
	if v := get("UT_UPDATE_CHECK"); v != "" {
		cfg.UpdateCheck = v != "false" && v != "0"
	}

	// CLI flags win over everything.
	if cmd != nil {
		cfg.DataDir = coalesce(cmd.GetString("data-dir"), cfg.DataDir)
		cfg.ListenAddr = coalesce(cmd.GetString("addr"), cfg.ListenAddr)
		cfg.APIAuthToken = coalesce(cmd.GetString("api-token"), cfg.APIAuthToken)
		cfg.MCPAuthToken = coalesce(cmd.GetString("mcp-token"), cfg.MCPAuthToken)
		cfg.PollInterval = duration(cmd.GetString("poll-interval"), cfg.PollInterval)
		cfg.EnrichGrace = duration(cmd.GetString("enrich-grace"), cfg.EnrichGrace)
		if cmd.GetBool("no-update-check") {
			cfg.UpdateCheck = false
		}
	}

	return cfg
}

// IsAPIAuthEnabled reports whether API requests require a bearer token.
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

// IsMCPAuthEnabled reports whether MCP requests require a bearer token.
func (c *Config) IsMCPAuthEnabled() bool {
	return c.MCPAuthToken != ""
}

// String describes where the configuration came from.
func (c *Config) String() string {
	if c.ConfigFile != "" {
		return ".env file (" + c.ConfigFile + ")"
	}
	return "environment variables"
}

func loadEnvFile(filename string) (map[string]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	env := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"")
		env[key] = value
	}
	return env, scanner.Err()
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn("Invalid duration, using default", "value", value, "default", fallback)
		return fallback
	}
	return d
}
