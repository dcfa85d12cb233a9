package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "STUDYBUDDY_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the full service configuration.
type Config struct {
	Store     *StoreConfig     `json:"store"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Redis     *RedisConfig     `json:"redis"`
	Engine    *EngineConfig    `json:"engine"`
}

// StoreConfig selects the document store. The memory driver keeps nothing
// across restarts.
type StoreConfig struct {
	Driver  string        `json:"driver"`
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	Host           string        `json:"host"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// RedisConfig enables presence tracking and the cross-process change feed.
type RedisConfig struct {
	Enabled     bool          `json:"enabled"`
	URL         string        `json:"url"`
	PresenceTTL time.Duration `json:"presence_ttl"`
	Channel     string        `json:"channel"`
}

type EngineConfig struct {
	RetryAttempts     int           `json:"retry_attempts"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	HubBuffer         int           `json:"hub_buffer"`
	// MessageRateLimit is messages per user per minute; zero disables limiting.
	MessageRateLimit int `json:"message_rate_limit"`
}

// DefaultConfig runs a single process on an in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Store: &StoreConfig{
			Driver:  DriverMemory,
			Path:    "./data/studybuddy.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Redis: &RedisConfig{
			Enabled:     false,
			URL:         "redis://localhost:6379/0",
			PresenceTTL: 2 * time.Minute,
			Channel:     "studybuddy:changes",
		},
		Engine: &EngineConfig{
			RetryAttempts:     3,
			RetryBackoff:      50 * time.Millisecond,
			ReconcileInterval: time.Minute,
			HubBuffer:         256,
			MessageRateLimit:  60,
		},
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store configuration is required")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store path cannot be empty for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store timeout must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	// Port 0 binds any free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}

	if c.Redis == nil {
		return errors.New("redis configuration is required")
	}
	if c.Redis.Enabled {
		if c.Redis.URL == "" {
			return errors.New("redis URL cannot be empty when redis is enabled")
		}
		if c.Redis.PresenceTTL <= 0 {
			return errors.New("presence TTL must be positive")
		}
		if c.Redis.Channel == "" {
			return errors.New("redis channel cannot be empty")
		}
	}

	if c.Engine == nil {
		return errors.New("engine configuration is required")
	}
	if c.Engine.RetryAttempts <= 0 {
		return errors.New("retry attempts must be positive")
	}
	if c.Engine.RetryBackoff < 0 {
		return errors.New("retry backoff cannot be negative")
	}
	if c.Engine.ReconcileInterval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	if c.Engine.HubBuffer <= 0 {
		return errors.New("hub buffer must be positive")
	}
	if c.Engine.MessageRateLimit < 0 {
		return errors.New("message rate limit cannot be negative")
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given). Variables already set in the environment win. A missing file is
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("Ignoring %s%s=%q: %v", EnvPrefix, name, v, err)
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Printf("Ignoring %s%s=%q: %v", EnvPrefix, name, v, err)
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Printf("Ignoring %s%s=%q: %v", EnvPrefix, name, v, err)
		}
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

// LoadFromEnv overlays STUDYBUDDY_* variables on the defaults. Unparseable
// values are logged and ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("STORE_DRIVER", &config.Store.Driver)
	envString("STORE_PATH", &config.Store.Path)
	envDuration("STORE_TIMEOUT", &config.Store.Timeout)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &config.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envBool("REDIS_ENABLED", &config.Redis.Enabled)
	envString("REDIS_URL", &config.Redis.URL)
	envDuration("REDIS_PRESENCE_TTL", &config.Redis.PresenceTTL)
	envString("REDIS_CHANNEL", &config.Redis.Channel)

	envInt("ENGINE_RETRY_ATTEMPTS", &config.Engine.RetryAttempts)
	envDuration("ENGINE_RETRY_BACKOFF", &config.Engine.RetryBackoff)
	envDuration("ENGINE_RECONCILE_INTERVAL", &config.Engine.ReconcileInterval)
	envInt("ENGINE_HUB_BUFFER", &config.Engine.HubBuffer)
	envInt("ENGINE_MESSAGE_RATE_LIMIT", &config.Engine.MessageRateLimit)
}

// ConfigFile mirrors Config with durations as strings ("30s", "5m").
type ConfigFile struct {
	Store     *StoreConfigFile     `json:"store"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Redis     *RedisConfigFile     `json:"redis"`
	Engine    *EngineConfigFile    `json:"engine"`
}

type StoreConfigFile struct {
	Driver  string `json:"driver"`
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port           int      `json:"port"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type RedisConfigFile struct {
	Enabled     *bool  `json:"enabled"`
	URL         string `json:"url"`
	PresenceTTL string `json:"presence_ttl"`
	Channel     string `json:"channel"`
}

type EngineConfigFile struct {
	RetryAttempts     int    `json:"retry_attempts"`
	RetryBackoff      string `json:"retry_backoff"`
	ReconcileInterval string `json:"reconcile_interval"`
	HubBuffer         int    `json:"hub_buffer"`
	MessageRateLimit  *int   `json:"message_rate_limit"`
}

func parseDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// LoadFromFile reads a JSON config file over the defaults and validates it.
// Unlike environment variables, a malformed duration is an error.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var errs []error
	if s := file.Store; s != nil {
		if s.Driver != "" {
			config.Store.Driver = s.Driver
		}
		if s.Path != "" {
			config.Store.Path = s.Path
		}
		errs = append(errs, parseDuration("store.timeout", s.Timeout, &config.Store.Timeout))
	}
	if h := file.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if len(h.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = h.AllowedOrigins
		}
		errs = append(errs,
			parseDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout),
			parseDuration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout))
	}
	if w := file.WebSocket; w != nil {
		if w.BufferSize > 0 {
			config.WebSocket.BufferSize = w.BufferSize
		}
		errs = append(errs,
			parseDuration("websocket.ping_interval", w.PingInterval, &config.WebSocket.PingInterval),
			parseDuration("websocket.read_timeout", w.ReadTimeout, &config.WebSocket.ReadTimeout),
			parseDuration("websocket.write_timeout", w.WriteTimeout, &config.WebSocket.WriteTimeout))
	}
	if r := file.Redis; r != nil {
		if r.Enabled != nil {
			config.Redis.Enabled = *r.Enabled
		}
		if r.URL != "" {
			config.Redis.URL = r.URL
		}
		if r.Channel != "" {
			config.Redis.Channel = r.Channel
		}
		errs = append(errs, parseDuration("redis.presence_ttl", r.PresenceTTL, &config.Redis.PresenceTTL))
	}
	if e := file.Engine; e != nil {
		if e.RetryAttempts > 0 {
			config.Engine.RetryAttempts = e.RetryAttempts
		}
		if e.HubBuffer > 0 {
			config.Engine.HubBuffer = e.HubBuffer
		}
		if e.MessageRateLimit != nil {
			config.Engine.MessageRateLimit = *e.MessageRateLimit
		}
		errs = append(errs,
			parseDuration("engine.retry_backoff", e.RetryBackoff, &config.Engine.RetryBackoff),
			parseDuration("engine.reconcile_interval", e.ReconcileInterval, &config.Engine.ReconcileInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid durations in %s: %w", filepath, err)
	}
	return nil
}

// LoadConfigWithPrecedence builds the config as defaults, then the file (if
// any), then environment variables. An unreadable or invalid file is logged
// and skipped.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := DefaultConfig()
	if filepath != "" {
		candidate := DefaultConfig()
		if err := applyFile(candidate, filepath); err != nil {
			log.Printf("Ignoring config file: %v", err)
		} else {
			config = candidate
		}
	}
	applyEnv(config)
	return config
}
