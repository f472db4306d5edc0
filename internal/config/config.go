package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPasscode is used when SECRET_CODE is unset. It is not a safe
// production value.
const DefaultPasscode = "default_password"

// ARCHITECTURAL DISCOVERY: one struct carries every runtime setting so the
// application wires components from a single validated value.
type Config struct {
	Auth      *AuthConfig      `json:"auth"`
	Store     *StoreConfig     `json:"store"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Redis     *RedisConfig     `json:"redis"`
	Kafka     *KafkaConfig     `json:"kafka"`
	Limits    *LimitsConfig    `json:"limits"`
	Log       *LogConfig       `json:"log"`
}

type AuthConfig struct {
	Passcode string `json:"-"`
	// PasscodeDefaulted is true when no passcode was configured.
	PasscodeDefaulted bool `json:"-"`
}

// StoreConfig selects the backend by URI scheme.
type StoreConfig struct {
	URI           string        `json:"uri"`
	Database      string        `json:"database"`
	Timeout       time.Duration `json:"timeout"`
	HistoryLimit  int           `json:"history_limit"`
	Retention     time.Duration `json:"retention"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// HTTPConfig port 0 binds a free port.
type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr string `json:"addr"`
	Key  string `json:"key"`
}

// KafkaConfig enables the event journal when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type LimitsConfig struct {
	EventsPerSecond float64 `json:"messages_per_second"`
	Burst           int     `json:"burst"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Auth: &AuthConfig{
			Passcode:          DefaultPasscode,
			PasscodeDefaulted: true,
		},
		Store: &StoreConfig{
			Database:      "huddle",
			Timeout:       10 * time.Second,
			HistoryLimit:  50,
			Retention:     24 * time.Hour,
			SweepInterval: time.Minute,
		},
		HTTP: &HTTPConfig{
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      1024,
			MaxMessageBytes: 1 << 20,
		},
		Redis: &RedisConfig{Key: "huddle:online"},
		Kafka: &KafkaConfig{Topic: "huddle.messages"},
		Limits: &LimitsConfig{
			EventsPerSecond: 10,
			Burst:           20,
		},
		Log: &LogConfig{Level: "info"},
	}
}

func (c *Config) Validate() error {
	if c.Store == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Limits == nil {
		return fmt.Errorf("%w: auth, store, http, websocket and limits sections are required", ErrInvalidConfig)
	}
	if c.Store.URI == "" {
		return ErrMissingStoreURI
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("%w: store timeout must be positive", ErrInvalidConfig)
	}
	if c.Store.HistoryLimit <= 0 {
		return fmt.Errorf("%w: history limit must be positive", ErrInvalidConfig)
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("%w: retention must be positive", ErrInvalidConfig)
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: HTTP port must be between 0 and 65535", ErrInvalidConfig)
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("%w: HTTP timeouts must be positive", ErrInvalidConfig)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("%w: HTTP host cannot be empty", ErrInvalidConfig)
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("%w: WebSocket timeouts must be positive", ErrInvalidConfig)
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("%w: WebSocket ping interval must be shorter than the read timeout", ErrInvalidConfig)
	}
	if c.WebSocket.BufferSize <= 0 || c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: WebSocket buffer size and message limit must be positive", ErrInvalidConfig)
	}
	if c.Limits.EventsPerSecond <= 0 || c.Limits.Burst <= 0 {
		return fmt.Errorf("%w: rate limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadFromEnv applies environment variables over the defaults. It does not
// validate.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	if secret, ok := os.LookupEnv("SECRET_CODE"); ok {
		config.Auth.Passcode = secret
		config.Auth.PasscodeDefaulted = false
	}

	if uri := firstEnv("HUDDLE_STORE_URI", "MONGO_URI"); uri != "" {
		config.Store.URI = uri
	}
	setString(&config.Store.Database, "HUDDLE_STORE_DATABASE")
	setDuration(&config.Store.Timeout, "HUDDLE_STORE_TIMEOUT")
	setInt(&config.Store.HistoryLimit, "HUDDLE_HISTORY_LIMIT")
	setDuration(&config.Store.Retention, "HUDDLE_RETENTION")
	setDuration(&config.Store.SweepInterval, "HUDDLE_SWEEP_INTERVAL")

	if port := firstEnv("HUDDLE_HTTP_PORT", "PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	setString(&config.HTTP.Host, "HUDDLE_HTTP_HOST")
	setDuration(&config.HTTP.ReadTimeout, "HUDDLE_HTTP_READ_TIMEOUT")
	setDuration(&config.HTTP.WriteTimeout, "HUDDLE_HTTP_WRITE_TIMEOUT")

	setDuration(&config.WebSocket.PingInterval, "HUDDLE_WEBSOCKET_PING_INTERVAL")
	setDuration(&config.WebSocket.ReadTimeout, "HUDDLE_WEBSOCKET_READ_TIMEOUT")
	setDuration(&config.WebSocket.WriteTimeout, "HUDDLE_WEBSOCKET_WRITE_TIMEOUT")
	setInt(&config.WebSocket.BufferSize, "HUDDLE_WEBSOCKET_BUFFER_SIZE")
	if v := os.Getenv("HUDDLE_WEBSOCKET_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.WebSocket.MaxMessageBytes = n
		}
	}

	setString(&config.Redis.Addr, "HUDDLE_REDIS_ADDR")
	setString(&config.Redis.Key, "HUDDLE_REDIS_KEY")

	if brokers := os.Getenv("HUDDLE_KAFKA_BROKERS"); brokers != "" {
		config.Kafka.Brokers = splitList(brokers)
	}
	setString(&config.Kafka.Topic, "HUDDLE_KAFKA_TOPIC")

	if v := os.Getenv("HUDDLE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Limits.EventsPerSecond = f
		}
	}
	setInt(&config.Limits.Burst, "HUDDLE_RATE_BURST")

	setString(&config.Log.Level, "HUDDLE_LOG_LEVEL")
}

// ConfigFile mirrors Config with durations as strings ("30s", "24h").
type ConfigFile struct {
	Store *struct {
		URI           string `json:"uri"`
		Database      string `json:"database"`
		Timeout       string `json:"timeout"`
		HistoryLimit  int    `json:"history_limit"`
		Retention     string `json:"retention"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"store"`
	HTTP *struct {
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		Host         string `json:"host"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval    string `json:"ping_interval"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		BufferSize      int    `json:"buffer_size"`
		MaxMessageBytes int64  `json:"max_message_bytes"`
	} `json:"websocket"`
	Redis  *RedisConfig  `json:"redis"`
	Kafka  *KafkaConfig  `json:"kafka"`
	Limits *LimitsConfig `json:"limits"`
	Log    *LogConfig    `json:"log"`
}

// LoadFromFile reads a JSON file over the defaults and validates the result.
// The passcode is never read from a file.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []string
	parse := func(dst *time.Duration, name, value string) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		*dst = d
	}

	if s := file.Store; s != nil {
		if s.URI != "" {
			config.Store.URI = s.URI
		}
		if s.Database != "" {
			config.Store.Database = s.Database
		}
		if s.HistoryLimit > 0 {
			config.Store.HistoryLimit = s.HistoryLimit
		}
		parse(&config.Store.Timeout, "store.timeout", s.Timeout)
		parse(&config.Store.Retention, "store.retention", s.Retention)
		parse(&config.Store.SweepInterval, "store.sweep_interval", s.SweepInterval)
	}

	if h := file.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		parse(&config.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout)
		parse(&config.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout)
	}

	if w := file.WebSocket; w != nil {
		if w.BufferSize > 0 {
			config.WebSocket.BufferSize = w.BufferSize
		}
		if w.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = w.MaxMessageBytes
		}
		parse(&config.WebSocket.PingInterval, "websocket.ping_interval", w.PingInterval)
		parse(&config.WebSocket.ReadTimeout, "websocket.read_timeout", w.ReadTimeout)
		parse(&config.WebSocket.WriteTimeout, "websocket.write_timeout", w.WriteTimeout)
	}

	if file.Redis != nil {
		if file.Redis.Addr != "" {
			config.Redis.Addr = file.Redis.Addr
		}
		if file.Redis.Key != "" {
			config.Redis.Key = file.Redis.Key
		}
	}
	if file.Kafka != nil {
		if len(file.Kafka.Brokers) > 0 {
			config.Kafka.Brokers = file.Kafka.Brokers
		}
		if file.Kafka.Topic != "" {
			config.Kafka.Topic = file.Kafka.Topic
		}
	}
	if file.Limits != nil {
		if file.Limits.EventsPerSecond > 0 {
			config.Limits.EventsPerSecond = file.Limits.EventsPerSecond
		}
		if file.Limits.Burst > 0 {
			config.Limits.Burst = file.Limits.Burst
		}
	}
	if file.Log != nil && file.Log.Level != "" {
		config.Log.Level = file.Log.Level
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w in %s: %s", ErrInvalidConfig, path, strings.Join(errs, "; "))
	}
	return nil
}

// LoadConfigWithPrecedence layers defaults < file < .env < environment and
// validates the result. A missing file path is skipped; an unreadable or
// malformed file is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	// godotenv never overrides variables already set in the environment.
	_ = godotenv.Load()

	config := DefaultConfig()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
