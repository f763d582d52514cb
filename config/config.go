// Package config defines the coordinator's deployment configuration: NATS
// connection settings, device topic names, scheduler timing, and caller
// limits. Configuration is a JSON file with defaults applied for omitted
// fields and environment overrides for credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/SissiFeng/ot2-piloting/errors"
)

// Config represents the complete coordinator configuration.
type Config struct {
	NATS      NATSConfig      `json:"nats"`
	Topics    TopicsConfig    `json:"topics"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URL           string        `json:"url"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	TLS           TLSConfig     `json:"tls,omitempty"`
}

// TLSConfig for secure NATS connections.
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// TopicsConfig names the pub/sub subjects the coordinator uses. Defaults
// mirror the lab deployment; exact strings are deployment configuration.
type TopicsConfig struct {
	DeviceStatus  string `json:"device_status"`
	SensorData    string `json:"sensor_data"`
	MixCommand    string `json:"mix_command"`
	SensorCommand string `json:"sensor_command"`
}

// SchedulerConfig defines worker loop timing and admission limits.
type SchedulerConfig struct {
	// TickInterval is the worker loop polling interval.
	TickInterval time.Duration `json:"tick_interval,omitempty"`
	// TimeoutBudget is the per-task hardware-response deadline.
	TimeoutBudget time.Duration `json:"timeout_budget,omitempty"`
	// MaxTotalVolume caps r+y+b for one experiment, in microliters.
	MaxTotalVolume float64 `json:"max_total_volume,omitempty"`
	// MaxComponentVolume caps each individual component volume.
	MaxComponentVolume float64 `json:"max_component_volume,omitempty"`
	// MaxConcurrentSubmissions bounds simultaneous submission streams.
	MaxConcurrentSubmissions int `json:"max_concurrent_submissions,omitempty"`
	// DefaultQuota is the experiment allowance granted to new users.
	DefaultQuota int `json:"default_quota,omitempty"`
}

// HTTPConfig defines the caller-facing HTTP gateway.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
}

// StorageConfig defines collaborator storage locations.
type StorageConfig struct {
	// PostgresURL enables result persistence when set.
	PostgresURL string `json:"postgres_url,omitempty"`
	// WellBucket and QuotaBucket are JetStream KV bucket names. Empty
	// buckets select the in-memory implementations.
	WellBucket  string `json:"well_bucket,omitempty"`
	QuotaBucket string `json:"quota_bucket,omitempty"`
	// Project tags well records, matching the lab's shared database.
	Project string `json:"project,omitempty"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON config file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read file")
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "parse file")
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}

	if c.Topics.DeviceStatus == "" {
		c.Topics.DeviceStatus = "status.ot2OT2CEP20240218R0.complete"
	}
	if c.Topics.SensorData == "" {
		c.Topics.SensorData = "color-mixing.picow.e66130100f89513.as7341"
	}
	if c.Topics.MixCommand == "" {
		c.Topics.MixCommand = "command.ot2OT2CEP20240218R0.mix"
	}
	if c.Topics.SensorCommand == "" {
		c.Topics.SensorCommand = "command.picow.e66130100f89513.as7341.read"
	}

	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = time.Second
	}
	if c.Scheduler.TimeoutBudget == 0 {
		c.Scheduler.TimeoutBudget = 165 * time.Second
	}
	if c.Scheduler.MaxTotalVolume == 0 {
		c.Scheduler.MaxTotalVolume = 300
	}
	if c.Scheduler.MaxComponentVolume == 0 {
		c.Scheduler.MaxComponentVolume = 300
	}
	if c.Scheduler.MaxConcurrentSubmissions == 0 {
		c.Scheduler.MaxConcurrentSubmissions = 3
	}
	if c.Scheduler.DefaultQuota == 0 {
		c.Scheduler.DefaultQuota = 10
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Storage.Project == "" {
		c.Storage.Project = "OT2"
	}
}

// applyEnvOverrides pulls credentials from the environment so config files
// can stay secret-free.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OT2_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("OT2_NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("OT2_NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("OT2_POSTGRES_URL"); v != "" {
		c.Storage.PostgresURL = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "nats.url")
	}
	if c.Scheduler.TickInterval < 0 || c.Scheduler.TimeoutBudget < 0 {
		return errors.WrapFatal(
			fmt.Errorf("negative durations: tick=%v budget=%v",
				c.Scheduler.TickInterval, c.Scheduler.TimeoutBudget),
			"Config", "Validate", "scheduler timing")
	}
	if c.Scheduler.TimeoutBudget < c.Scheduler.TickInterval {
		return errors.WrapFatal(
			fmt.Errorf("timeout budget %v below tick interval %v",
				c.Scheduler.TimeoutBudget, c.Scheduler.TickInterval),
			"Config", "Validate", "scheduler timing")
	}
	if c.Scheduler.MaxComponentVolume > c.Scheduler.MaxTotalVolume {
		return errors.WrapFatal(
			fmt.Errorf("component cap %v exceeds total cap %v",
				c.Scheduler.MaxComponentVolume, c.Scheduler.MaxTotalVolume),
			"Config", "Validate", "volume limits")
	}
	if c.Scheduler.MaxConcurrentSubmissions < 1 {
		return errors.WrapFatal(
			fmt.Errorf("max_concurrent_submissions %d", c.Scheduler.MaxConcurrentSubmissions),
			"Config", "Validate", "submission limit")
	}
	if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return errors.WrapFatal(
			fmt.Errorf("tls cert and key must be set together"),
			"Config", "Validate", "nats tls")
	}
	return nil
}
