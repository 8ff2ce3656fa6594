// Package config loads proxy settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/AliZeynalov/heyhi-proxy/internal/models"
	"github.com/AliZeynalov/heyhi-proxy/internal/version"
)

// EnvPrefix prefixes every automatically bound environment variable,
// e.g. HEYHI_SERVER_ADDR for server.addr.
const EnvPrefix = "HEYHI"

// Config is the full proxy configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Reporter  ReporterConfig  `mapstructure:"reporter"`
	Log       LogConfig       `mapstructure:"log"`
}

// AppConfig names the service in /healthz and /__version.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	Mode              string        `mapstructure:"mode"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// UpstreamConfig configures the chat-completions upstream.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxResponseBytes caps how much of an upstream response is read.
	MaxResponseBytes int64 `mapstructure:"max_response_bytes"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// RateLimitConfig configures per-client rate limiting on /api/chat.
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// MetricsConfig configures the Prometheus exposition.
type MetricsConfig struct {
	Prometheus bool   `mapstructure:"prometheus"`
	Namespace  string `mapstructure:"namespace"`
}

// ReporterConfig configures the periodic stats log line. An empty schedule
// disables it.
type ReporterConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envAliases are the unprefixed variable names the service has always
// honoured. The prefixed form is tried first.
var envAliases = map[string]string{
	"app.name":                 "APP_NAME",
	"app.version":              "APP_VERSION",
	"upstream.api_key":         "OPENAI_API_KEY",
	"upstream.model":           "OPENAI_MODEL",
	"upstream.base_url":        "OPENAI_BASE_URL",
	"upstream.connect_timeout": "LLM_TIMEOUT_CONNECT",
	"upstream.read_timeout":    "LLM_TIMEOUT_READ",
	"server.allowed_origins":   "ALLOWED_ORIGINS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "heyhi-proxy")
	v.SetDefault("app.version", version.Version)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_body_bytes", models.MaxBodyBytes)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("upstream.base_url", "https://api.openai.com")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.model", "gpt-4o-mini")
	v.SetDefault("upstream.connect_timeout", 10*time.Second)
	v.SetDefault("upstream.read_timeout", 70*time.Second)
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.initial_backoff", time.Second)
	v.SetDefault("upstream.max_response_bytes", 10<<20)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 60*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.window", 60*time.Second)

	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.namespace", "heyhi_proxy")

	v.SetDefault("reporter.schedule", "@every 5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Loader reads the configuration and can watch its file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. An empty path searches for config.yaml in
// ./configs and the working directory; a missing file is not an error then.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return &Loader{v: v}, nil
}

// Load is NewLoader followed by Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// File returns the config file in use, or "" when running on defaults and
// environment only.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Config decodes and validates the current settings.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsOrDurationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with the new configuration every time the config file
// changes. Invalid edits are logged and skipped. Watch is a no-op when no
// file is in use.
func (l *Loader) Watch(fn func(*Config)) {
	if l.File() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.Config()
		if err != nil {
			log.WithFields(log.Fields{
				"file":  e.Name,
				"error": err.Error(),
				"event": "config_reload_failed",
			}).Error("Ignoring invalid configuration change")
			return
		}

		log.WithFields(log.Fields{
			"file":  e.Name,
			"op":    e.Op.String(),
			"event": "config_reloaded",
		}).Info("Configuration reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

// secondsOrDurationHook accepts "70s", "1m30s" as well as plain numbers of
// seconds ("70", 70, 2.5) for duration fields.
func secondsOrDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) || from == to {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func (c *Config) normalize() {
	origins := c.Server.AllowedOrigins[:0]
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.Server.AllowedOrigins = origins

	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	c.Log.Level = strings.ToLower(c.Log.Level)
}

// Validate checks the configuration for values the proxy cannot run with.
// A missing API key is allowed: requests then fail with missing_api_key.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" && c.Server.Mode != "test" {
		return fmt.Errorf("invalid server mode: %s, must be 'debug', 'release' or 'test'", c.Server.Mode)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url: %q", c.Upstream.BaseURL)
	}
	if c.Upstream.ConnectTimeout <= 0 || c.Upstream.ReadTimeout <= 0 {
		return fmt.Errorf("upstream timeouts must be positive (connect %s, read %s)",
			c.Upstream.ConnectTimeout, c.Upstream.ReadTimeout)
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("upstream.max_attempts must be at least 1, got %d", c.Upstream.MaxAttempts)
	}
	if c.Upstream.InitialBackoff <= 0 {
		return fmt.Errorf("upstream.initial_backoff must be positive, got %s", c.Upstream.InitialBackoff)
	}
	if c.Upstream.MaxResponseBytes <= 0 {
		return fmt.Errorf("upstream.max_response_bytes must be positive, got %d", c.Upstream.MaxResponseBytes)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive, got %s", c.Breaker.Cooldown)
	}

	if c.RateLimit.Enabled && (c.RateLimit.MaxRequests < 1 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("invalid rate limit: %d requests per %s", c.RateLimit.MaxRequests, c.RateLimit.Window)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s, must be 'json' or 'text'", c.Log.Format)
	}
	return nil
}
