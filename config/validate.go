package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid matches every *ValidationError.
var ErrInvalid = errors.New("invalid config")

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) Unwrap() error { return ErrInvalid }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate returns a *ValidationError listing every problem in cfg, or nil.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateClient(cfg, ve)
	validateRegistry(cfg, ve)
	validateLog(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.ListenAddr == "" {
		ve.Add("server.listen_addr is required")
	}
	if !strings.HasPrefix(s.MountPath, "/") {
		ve.Add("server.mount_path must start with /")
	}
	if s.CallTimeout <= 0 {
		ve.Add("server.call_timeout must be > 0")
	}
	if s.SendQueueSize <= 0 {
		ve.Add("server.send_queue_size must be > 0")
	}
	if s.MaxMessageBytes <= 0 {
		ve.Add("server.max_message_bytes must be > 0")
	}
	if s.RateLimit.PerSecond < 0 {
		ve.Add("server.rate_limit.per_second must be >= 0")
	}
	if s.RateLimit.PerSecond > 0 && s.RateLimit.Burst <= 0 {
		ve.Add("server.rate_limit.burst must be > 0 when rate limiting is on")
	}
	if s.HandlerTimeout < 0 {
		ve.Add("server.handler_timeout must be >= 0")
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			ve.Add("client.url: %v", err)
		} else if !validScheme(u.Scheme) {
			ve.Add("client.url scheme must be ws, wss or tcp, got %q", u.Scheme)
		}
	}
	if c.CallTimeout <= 0 {
		ve.Add("client.call_timeout must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		ve.Add("client.max_message_bytes must be > 0")
	}
	switch c.Balancer {
	case "", "round_robin", "weighted_random", "consistent_hash":
	default:
		ve.Add("client.balancer must be round_robin, weighted_random or consistent_hash, got %q", c.Balancer)
	}

	r := c.Reconnect
	if r.InitialInterval <= 0 {
		ve.Add("client.reconnect.initial_interval must be > 0")
	}
	if r.MaxInterval < r.InitialInterval {
		ve.Add("client.reconnect.max_interval must be >= initial_interval")
	}
	if r.Multiplier < 1 {
		ve.Add("client.reconnect.multiplier must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		ve.Add("client.reconnect.jitter must be within [0, 1]")
	}
}

func validScheme(s string) bool {
	switch s {
	case "ws", "wss", "tcp":
		return true
	}
	return false
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	r := cfg.Registry
	if len(r.EtcdEndpoints) == 0 {
		return
	}
	if r.Service == "" {
		ve.Add("registry.service is required with etcd_endpoints")
	}
	if r.TTLSeconds <= 0 {
		ve.Add("registry.ttl_seconds must be > 0")
	}
	if r.DialTimeout <= 0 {
		ve.Add("registry.dial_timeout must be > 0")
	}
}

func validateLog(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		ve.Add("log.format must be json or console, got %q", cfg.Log.Format)
	}
}
