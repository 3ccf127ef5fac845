package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// ServiceName scopes slot leases, consumer groups, and broadcast routing.
	ServiceName string `json:"serviceName"`
	// InstanceID is an optional stable instance identity. Generated when empty.
	InstanceID    string `json:"instanceId"`
	HTTPAddr      string `json:"httpAddr"`
	AdvertiseAddr string `json:"advertiseAddr"`
	DataDir       string `json:"dataDir"`
	// SystemUsers are non-human participants (bots, audit accounts) that are
	// never delivery targets.
	SystemUsers []string `json:"systemUsers"`
	// AlertWebhookURL, when set, receives alert notifications as JSON POSTs
	// in addition to the log.
	AlertWebhookURL string `json:"alertWebhookUrl"`

	Redis   RedisConfig   `json:"redis"`
	Stream  StreamConfig  `json:"stream"`
	Slots   SlotConfig    `json:"slots"`
	Retry   RetryConfig   `json:"retry"`
	Dedup   DedupConfig   `json:"dedup"`
	Session SessionConfig `json:"session"`
	Log     LogConfig     `json:"log"`
}

// RedisConfig locates the shared atomic store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StreamConfig tunes the broadcast log and its consumer.
type StreamConfig struct {
	Name string `json:"name"`
	// MaxLen caps the log approximately; old entries are evicted by count.
	MaxLen        int64 `json:"maxLen"`
	ReadBatch     int64 `json:"readBatch"`
	ReadBlockMs   int64 `json:"readBlockMs"`
	Workers       int   `json:"workers"`
	WorkerQueue   int   `json:"workerQueue"`
	HealthCheckMs int64 `json:"healthCheckMs"`
}

// SlotConfig tunes slot-lease acquisition and renewal.
type SlotConfig struct {
	Count       int   `json:"count"`
	LeaseTTLMs  int64 `json:"leaseTtlMs"`
	HeartbeatMs int64 `json:"heartbeatMs"`
}

// RetryConfig derives the single-chat push delay schedule.
type RetryConfig struct {
	FirstDelayMs int64   `json:"firstDelayMs"`
	Multiplier   float64 `json:"multiplier"`
	MaxDelayMs   int64   `json:"maxDelayMs"`
	MaxAttempts  int     `json:"maxAttempts"`
	// OverrideMs, when set, is used verbatim and the derivation fields are ignored.
	OverrideMs []int64 `json:"overrideMs"`
}

// DedupConfig tunes the idempotency gate.
type DedupConfig struct {
	PendingTTLMs int64 `json:"pendingTtlMs"`
	DoneTTLMs    int64 `json:"doneTtlMs"`
	SpinStepMs   int64 `json:"spinStepMs"`
	SpinTotalMs  int64 `json:"spinTotalMs"`
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	TTLMs int64 `json:"ttlMs"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		ServiceName: "chat",
		HTTPAddr:    ":8080",
		Redis:       RedisConfig{Addr: "127.0.0.1:6379"},
		Stream: StreamConfig{
			Name:          "relay:broadcast",
			MaxLen:        100000,
			ReadBatch:     64,
			ReadBlockMs:   2000,
			Workers:       8,
			WorkerQueue:   512,
			HealthCheckMs: 30000,
		},
		Slots: SlotConfig{
			Count:       64,
			LeaseTTLMs:  15000,
			HeartbeatMs: 5000,
		},
		Retry: RetryConfig{
			FirstDelayMs: 1000,
			Multiplier:   2,
			MaxDelayMs:   16000,
			MaxAttempts:  5,
		},
		Dedup: DedupConfig{
			PendingTTLMs: 10000,
			DoneTTLMs:    24 * 3600 * 1000,
			SpinStepMs:   20,
			SpinTotalMs:  300,
		},
		Session: SessionConfig{TTLMs: 90000},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("serviceName is required")
	}
	if c.Slots.Count <= 0 {
		return fmt.Errorf("slots.count must be positive")
	}
	if c.Slots.LeaseTTLMs <= c.Slots.HeartbeatMs {
		return fmt.Errorf("slots.leaseTtlMs must exceed slots.heartbeatMs")
	}
	if c.Stream.MaxLen <= 0 {
		return fmt.Errorf("stream.maxLen must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}

// LeaseTTL returns the slot lease TTL as a duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Slots.LeaseTTLMs) * time.Millisecond
}

// LeaseHeartbeat returns the slot renewal interval as a duration.
func (c *Config) LeaseHeartbeat() time.Duration {
	return time.Duration(c.Slots.HeartbeatMs) * time.Millisecond
}

// SessionTTL returns the session sliding TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMs) * time.Millisecond
}
