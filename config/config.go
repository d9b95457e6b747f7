// Package config loads syncd settings from YAML with SYNCD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr      string          `yaml:"listen_addr"`
	MountPath       string          `yaml:"mount_path"`
	StreamAddr      string          `yaml:"stream_addr"` // optional raw framed TCP listener
	CallTimeout     time.Duration   `yaml:"call_timeout"`
	SendQueueSize   int             `yaml:"send_queue_size"`
	MaxMessageBytes int64           `yaml:"max_message_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"` // 0 = unbounded
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// RateLimitConfig limits incoming procedure calls per client. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type ClientConfig struct {
	URL             string          `yaml:"url"`
	CallTimeout     time.Duration   `yaml:"call_timeout"`
	MaxMessageBytes int64           `yaml:"max_message_bytes"`
	Balancer        string          `yaml:"balancer"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	MaxAttempts     uint64        `yaml:"max_attempts"` // 0 = retry forever
}

type RegistryConfig struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"` // empty = no registry
	Service       string        `yaml:"service"`
	AdvertiseURL  string        `yaml:"advertise_url"`
	TTLSeconds    int64         `yaml:"ttl_seconds"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// Defaults returns a Config with every field set to a usable value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MountPath:       "/sync",
			CallTimeout:     30 * time.Second,
			SendQueueSize:   256,
			MaxMessageBytes: 16 << 20,
			RateLimit:       RateLimitConfig{PerSecond: 0, Burst: 20},
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			URL:             "ws://localhost:8080/sync",
			CallTimeout:     30 * time.Second,
			MaxMessageBytes: 16 << 20,
			Balancer:        "consistent_hash",
			Reconnect: ReconnectConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
				Jitter:          0.2,
			},
		},
		Registry: RegistryConfig{
			Service:     "mini-sync",
			TTLSeconds:  10,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and validates. A
// missing file or an empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides copies SYNCD_* variables over cfg.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SYNCD_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("SYNCD_MOUNT_PATH"); v != "" {
		cfg.Server.MountPath = v
	}
	if v := os.Getenv("SYNCD_STREAM_ADDR"); v != "" {
		cfg.Server.StreamAddr = v
	}
	if v := os.Getenv("SYNCD_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SYNCD_CALL_TIMEOUT: %w", err)
		}
		cfg.Server.CallTimeout = d
		cfg.Client.CallTimeout = d
	}
	if v := os.Getenv("SYNCD_SEND_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SYNCD_SEND_QUEUE_SIZE: %w", err)
		}
		cfg.Server.SendQueueSize = n
	}
	if v := os.Getenv("SYNCD_URL"); v != "" {
		cfg.Client.URL = v
	}
	if v := os.Getenv("SYNCD_ETCD_ENDPOINTS"); v != "" {
		cfg.Registry.EtcdEndpoints = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SYNCD_SERVICE"); v != "" {
		cfg.Registry.Service = v
	}
	if v := os.Getenv("SYNCD_ADVERTISE_URL"); v != "" {
		cfg.Registry.AdvertiseURL = v
	}
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
