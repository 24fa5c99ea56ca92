// Package config loads the chat client settings from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johndosdos/ticketchat/internal/chat"
)

// Config holds everything a room needs besides the ticket and the
// participant.
type Config struct {
	// WSURL is the persistent-channel address, APIURL the request-API
	// base address.
	WSURL  string `yaml:"ws_url"`
	APIURL string `yaml:"api_url"`

	// Token is the session token sent as a bearer credential.
	Token string `yaml:"token"`

	// MetricsAddr, when set, serves Prometheus metrics (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	PingInterval time.Duration `yaml:"ping_interval"`

	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	MaxAttempts    int           `yaml:"max_attempts"`
	TypingDebounce time.Duration `yaml:"typing_debounce"`
	TypingExpiry   time.Duration `yaml:"typing_expiry"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the built-in settings. Endpoints have no default.
func Default() Config {
	o := chat.DefaultOptions()
	return Config{
		PingInterval:   30 * time.Second,
		BackoffBase:    o.BackoffBase,
		BackoffCap:     o.BackoffCap,
		MaxAttempts:    o.MaxAttempts,
		TypingDebounce: o.TypingDebounce,
		TypingExpiry:   o.TypingExpiry,
		RequestTimeout: o.RequestTimeout,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CHAT_CONFIG, then environment variables. envFiles are loaded into the
// environment first (".env" when none are given); variables that are
// already set win over the files.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env file: %+v", err)
	}

	cfg := Default()

	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.WSURL, "CHAT_WS_URL")
	setString(&c.APIURL, "CHAT_API_URL")
	setString(&c.Token, "CHAT_TOKEN")
	setString(&c.MetricsAddr, "CHAT_METRICS_ADDR")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHAT_PING_INTERVAL", &c.PingInterval},
		{"CHAT_BACKOFF_BASE", &c.BackoffBase},
		{"CHAT_BACKOFF_CAP", &c.BackoffCap},
		{"CHAT_TYPING_DEBOUNCE", &c.TypingDebounce},
		{"CHAT_TYPING_EXPIRY", &c.TypingExpiry},
		{"CHAT_REQUEST_TIMEOUT", &c.RequestTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("CHAT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_MAX_ATTEMPTS: %w", err)
		}
		c.MaxAttempts = n
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that both endpoints are usable and the tunables are
// in range.
func (c Config) Validate() error {
	if err := checkURL("CHAT_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff base %s and cap %s must be positive with cap >= base", c.BackoffBase, c.BackoffCap)
	}
	for name, d := range map[string]time.Duration{
		"typing debounce": c.TypingDebounce,
		"typing expiry":   c.TypingExpiry,
		"request timeout": c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping interval must not be negative, got %s", c.PingInterval)
	}

	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s environment variable is not set", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: %q must be an absolute %v url", key, raw, schemes)
}

// Options converts the tunables into room options.
func (c Config) Options() chat.Options {
	o := chat.DefaultOptions()
	o.BackoffBase = c.BackoffBase
	o.BackoffCap = c.BackoffCap
	o.MaxAttempts = c.MaxAttempts
	o.TypingDebounce = c.TypingDebounce
	o.TypingExpiry = c.TypingExpiry
	o.RequestTimeout = c.RequestTimeout
	return o
}
