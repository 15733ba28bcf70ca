package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	maxPollLimit = 500
)

// MQTT holds the optional snapshot mirror settings.
type MQTT struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Enabled reports whether a broker is configured.
func (m MQTT) Enabled() bool {
	return strings.TrimSpace(m.Broker) != ""
}

// Config is the agent configuration.
type Config struct {
	AppEnv       string        `yaml:"app_env"`
	LogLevelName string        `yaml:"log_level"`
	APIURL       string        `yaml:"api_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollLimit    int           `yaml:"poll_limit"`
	RecentN      int           `yaml:"recent_n"`
	TableRows    int           `yaml:"table_rows"`
	HTTPAddr     string        `yaml:"http_addr"`
	TokenDB      string        `yaml:"token_db"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	ArchiveDSN   string        `yaml:"archive_dsn"`
	MQTT         MQTT          `yaml:"mqtt"`

	LogLevel slog.Level `yaml:"-"`
}

// Load reads the environment, then overlays the YAML file named by
// HUB_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:       strings.TrimSpace(getenvDefault("APP_ENV", EnvDev)),
		LogLevelName: getenvDefault("LOG_LEVEL", "info"),
		APIURL:       getenvDefault("HUB_API_URL", "http://localhost:8000/api"),
		HTTPTimeout:  getenvDuration("HUB_HTTP_TIMEOUT", 10*time.Second),
		PollInterval: getenvDuration("HUB_POLL_INTERVAL", 30*time.Second),
		PollLimit:    getenvIntDefault("HUB_POLL_LIMIT", 50),
		RecentN:      getenvIntDefault("HUB_RECENT_N", 10),
		TableRows:    getenvIntDefault("HUB_TABLE_ROWS", 20),
		HTTPAddr:     getenvDefault("HTTP_ADDR", "127.0.0.1:8090"),
		TokenDB:      getenvDefault("HUB_TOKEN_DB", filepath.FromSlash("var/hub/session.db")),
		Username:     os.Getenv("HUB_USERNAME"),
		Password:     os.Getenv("HUB_PASSWORD"),
		ArchiveDSN:   getenvDefault("ARCHIVE_DSN", ""),
		MQTT: MQTT{
			Broker:      getenvDefault("MQTT_BROKER", ""),
			Port:        getenvIntDefault("MQTT_PORT", 1883),
			ClientID:    getenvDefault("MQTT_CLIENT_ID", "mobility-hub"),
			TopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "mobility-hub"),
		},
	}

	if path := strings.TrimSpace(os.Getenv("HUB_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AppEnv {
	case EnvDev, EnvProd:
	default:
		return fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", c.AppEnv)
	}

	level, err := parseLogLevel(c.LogLevelName)
	if err != nil {
		return err
	}
	c.LogLevel = level

	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		return errors.New("HUB_API_URL is required")
	}
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("invalid HUB_API_URL %q: %w", c.APIURL, err)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HUB_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("HUB_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.PollLimit < 1 || c.PollLimit > maxPollLimit {
		return fmt.Errorf("HUB_POLL_LIMIT must be within 1..%d, got %d", maxPollLimit, c.PollLimit)
	}
	if c.RecentN <= 0 {
		return fmt.Errorf("HUB_RECENT_N must be positive, got %d", c.RecentN)
	}
	if c.TableRows <= 0 {
		return fmt.Errorf("HUB_TABLE_ROWS must be positive, got %d", c.TableRows)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.MQTT.Enabled() && (c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
		return fmt.Errorf("invalid MQTT_PORT %d", c.MQTT.Port)
	}
	return nil
}

// AutoLogin reports whether credentials for an unattended login are set.
func (c Config) AutoLogin() bool {
	return c.Username != "" && c.Password != ""
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}
