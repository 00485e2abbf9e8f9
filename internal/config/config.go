// Package config loads the daemon configuration from a JSON document and
// applies PORT_DADDY_* environment overrides. All durations are expressed in
// milliseconds in the file, matching the timestamp convention used by the
// store, and converted to time.Duration at the edges.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Service configures the two listeners.
type Service struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	SocketPath string `json:"socket_path"`
	NoTCP      bool   `json:"no_tcp"`
}

// Ports configures the assignable port range and the reserved set.
type Ports struct {
	RangeStart int   `json:"range_start"`
	RangeEnd   int   `json:"range_end"`
	Reserved   []int `json:"reserved"`
}

// Cleanup configures the reaper.
type Cleanup struct {
	IntervalMS          int64 `json:"interval_ms"`
	ActivityRetentionMS int64 `json:"activity_retention_ms"`
	ActivityMaxRows     int64 `json:"activity_max_rows"`
	NoteRetentionMS     int64 `json:"note_retention_ms"`
	DeliveryRetentionMS int64 `json:"delivery_retention_ms"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `json:"level"`
	Silent bool   `json:"silent"`
}

// Security configures per-origin rate limiting.
type Security struct {
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
}

// Agents configures liveness thresholds and default quotas.
type Agents struct {
	StaleThresholdMS int64 `json:"stale_threshold_ms"`
	DeadThresholdMS  int64 `json:"dead_threshold_ms"`
	MaxServices      int   `json:"max_services"`
	MaxLocks         int   `json:"max_locks"`
	// AutoRevive lets a heartbeat implicitly re-register an agent that the
	// reaper deleted, instead of requiring an explicit resurrection claim.
	AutoRevive bool `json:"auto_revive"`
	// SingleActiveSession refuses to start a second active session per agent.
	SingleActiveSession bool `json:"single_active_session"`
}

// Messages configures the channel log.
type Messages struct {
	ChannelDepth   int64 `json:"channel_depth"`
	MaxPayloadSize int   `json:"max_payload_size"`
	PollMaxMS      int64 `json:"poll_max_ms"`
	StreamMaxMS    int64 `json:"stream_max_ms"`
}

// Webhooks configures the outbound delivery pipeline.
type Webhooks struct {
	MaxAttempts   int   `json:"max_attempts"`
	TimeoutMS     int64 `json:"timeout_ms"`
	BackoffBaseMS int64 `json:"backoff_base_ms"`
	BackoffMaxMS  int64 `json:"backoff_max_ms"`
}

// Connections configures the connection tracker caps.
type Connections struct {
	MaxLongPoll  int `json:"max_long_poll"`
	MaxStreams   int `json:"max_streams"`
	MaxPerOrigin int `json:"max_per_origin"`
}

// Config is the root configuration document.
type Config struct {
	Service     Service     `json:"service"`
	Ports       Ports       `json:"ports"`
	Cleanup     Cleanup     `json:"cleanup"`
	Logging     Logging     `json:"logging"`
	Security    Security    `json:"security"`
	Agents      Agents      `json:"agents"`
	Messages    Messages    `json:"messages"`
	Webhooks    Webhooks    `json:"webhooks"`
	Connections Connections `json:"connections"`
	DBPath      string      `json:"db_path"`

	// MaxLockTTLMS bounds lock TTLs; defaults to 30 days.
	MaxLockTTLMS int64 `json:"max_lock_ttl_ms"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Service: Service{
			Host:       "127.0.0.1",
			Port:       9876,
			SocketPath: "/tmp/port-daddy.sock",
		},
		Ports: Ports{
			RangeStart: 3100,
			RangeEnd:   3999,
			Reserved:   []int{3306, 5432, 6379, 8080, 9876},
		},
		Cleanup: Cleanup{
			IntervalMS:          5 * 60 * 1000,
			ActivityRetentionMS: 7 * 24 * 60 * 60 * 1000,
			ActivityMaxRows:     50000,
			NoteRetentionMS:     30 * 24 * 60 * 60 * 1000,
			DeliveryRetentionMS: 24 * 60 * 60 * 1000,
		},
		Logging:  Logging{Level: "info"},
		Security: Security{RateLimitPerMinute: 100},
		Agents: Agents{
			StaleThresholdMS:    5 * 60 * 1000,
			DeadThresholdMS:     15 * 60 * 1000,
			MaxServices:         10,
			MaxLocks:            20,
			SingleActiveSession: true,
		},
		Messages: Messages{
			ChannelDepth:   1000,
			MaxPayloadSize: 64 * 1024,
			PollMaxMS:      60 * 1000,
			StreamMaxMS:    5 * 60 * 1000,
		},
		Webhooks: Webhooks{
			MaxAttempts:   5,
			TimeoutMS:     5 * 1000,
			BackoffBaseMS: 1000,
			BackoffMaxMS:  5 * 60 * 1000,
		},
		Connections: Connections{
			MaxLongPoll:  50,
			MaxStreams:   100,
			MaxPerOrigin: 5,
		},
		DBPath:       "./port-daddy.db",
		MaxLockTTLMS: 30 * 24 * 60 * 60 * 1000,
	}
}

// Load reads the config file at path (when non-empty), overlays it on the
// defaults, then applies environment overrides. A missing file is an error;
// pass an empty path to run on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the PORT_DADDY_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT_DADDY_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PORT_DADDY_SOCK"); v != "" {
		cfg.Service.SocketPath = v
	}
	if v := os.Getenv("PORT_DADDY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Service.Port = p
		}
	}
	if isTruthy(os.Getenv("PORT_DADDY_NO_TCP")) {
		cfg.Service.NoTCP = true
	}
	if isTruthy(os.Getenv("PORT_DADDY_SILENT")) {
		cfg.Logging.Silent = true
	}
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) validate() error {
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		return fmt.Errorf("config: invalid port range [%d, %d]", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Cleanup.IntervalMS <= 0 {
		return fmt.Errorf("config: cleanup interval must be positive")
	}
	if c.MaxLockTTLMS <= 0 {
		return fmt.Errorf("config: max lock ttl must be positive")
	}
	return nil
}

// CleanupInterval returns the reaper interval as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMS) * time.Millisecond
}

// WebhookTimeout returns the outbound delivery timeout as a duration.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhooks.TimeoutMS) * time.Millisecond
}

// ReservedPorts returns the reserved set as a lookup map.
func (c *Config) ReservedPorts() map[int]bool {
	m := make(map[int]bool, len(c.Ports.Reserved))
	for _, p := range c.Ports.Reserved {
		m[p] = true
	}
	return m
}
