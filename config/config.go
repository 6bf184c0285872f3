// Package config defines the driver's configuration: buffer and MTU
// sizing, protocol timeouts, threading mode and the ambient metrics,
// logging and control-plane settings. Configuration loads from a YAML
// file layered with environment overrides, then validates into a fully
// resolved record.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/mediadriver/errors"
)

// Threading mode constants. Dedicated runs conductor, sender and receiver
// each on their own goroutine; shared-network combines sender and
// receiver; shared runs all three on one; invoker leaves duty cycles to
// the embedding application.
const (
	ThreadingDedicated     = "dedicated"
	ThreadingSharedNetwork = "shared-network"
	ThreadingShared        = "shared"
	ThreadingInvoker       = "invoker"
)

// Config is the complete driver configuration.
type Config struct {
	Driver     DriverConfig     `yaml:"driver"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Flow       FlowConfig       `yaml:"flow"`
	Retransmit RetransmitConfig `yaml:"retransmit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Control    ControlConfig    `yaml:"control"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DriverConfig sizes the data path.
type DriverConfig struct {
	// TermBufferLength is the length of each of the three term buffers.
	// Must be a power of two between 64 KiB and 1 GiB.
	TermBufferLength int32 `yaml:"term_buffer_length"`
	// MTULength bounds a single datagram; frames larger than this are
	// fragmented. Must be a multiple of 32.
	MTULength int32 `yaml:"mtu_length"`
	// InitialWindowLength seeds the receiver window before congestion
	// feedback. Must not exceed half the term length.
	InitialWindowLength int32 `yaml:"initial_window_length"`
	// ThreadingMode selects how agents map onto goroutines.
	ThreadingMode string `yaml:"threading_mode"`
	// Idle strategy names per agent, from the agent package.
	ConductorIdleStrategy string `yaml:"conductor_idle_strategy"`
	SenderIdleStrategy    string `yaml:"sender_idle_strategy"`
	ReceiverIdleStrategy  string `yaml:"receiver_idle_strategy"`
	// CommandQueueCapacity bounds the conductor command queue. Must be a
	// power of two.
	CommandQueueCapacity int `yaml:"command_queue_capacity"`
	// SendToStatusPollRatio is the number of sender data duties per
	// feedback (status message and NAK) poll.
	SendToStatusPollRatio int `yaml:"send_to_status_poll_ratio"`
}

// TimeoutConfig holds the protocol liveness intervals.
type TimeoutConfig struct {
	// TimerInterval is the conductor's timer-duty cadence.
	TimerInterval time.Duration `yaml:"timer_interval"`
	// ClientLiveness reclaims a client's resources after this long
	// without a keepalive.
	ClientLiveness time.Duration `yaml:"client_liveness"`
	// PublicationLinger keeps a removed publication's buffers alive so
	// late NAKs can still be served.
	PublicationLinger time.Duration `yaml:"publication_linger"`
	// ImageLiveness lingers an end-of-stream image before final cleanup.
	ImageLiveness time.Duration `yaml:"image_liveness"`
	// StatusMessageInterval is the receiver's maximum silence between
	// status messages per image.
	StatusMessageInterval time.Duration `yaml:"status_message_interval"`
	// HeartbeatInterval is the sender's cadence on an idle connected
	// publication.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SetupInterval is the retry cadence for unanswered setup frames.
	SetupInterval time.Duration `yaml:"setup_interval"`
	// ConnectionTimeout declares a publication unconnected after this
	// long without any status message.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// FlowConfig selects the default flow control strategy for publications.
type FlowConfig struct {
	Strategy        string        `yaml:"strategy"`
	ReceiverTimeout time.Duration `yaml:"receiver_timeout"`
	MinGroupSize    int           `yaml:"min_group_size"`
	GroupTag        int64         `yaml:"group_tag"`
}

// RetransmitConfig tunes NAK-driven retransmission.
type RetransmitConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	LingerTimeout time.Duration `yaml:"linger_timeout"`
	MaxPerSecond  float64       `yaml:"max_per_second"`
	MaxBurst      int           `yaml:"max_burst"`
	MaxPending    int           `yaml:"max_pending"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ControlConfig wires the NATS control-plane bridge.
type ControlConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URLs          []string `yaml:"urls"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is given. The
// values follow the conventional driver tuning: 16 MiB terms, 1408-byte
// MTU and a 128 KiB initial window.
func Default() *Config {
	return &Config{
		Driver: DriverConfig{
			TermBufferLength:      16 * 1024 * 1024,
			MTULength:             1408,
			InitialWindowLength:   128 * 1024,
			ThreadingMode:         ThreadingDedicated,
			ConductorIdleStrategy: "backoff",
			SenderIdleStrategy:    "backoff",
			ReceiverIdleStrategy:  "backoff",
			CommandQueueCapacity:  1024,
			SendToStatusPollRatio: 4,
		},
		Timeouts: TimeoutConfig{
			TimerInterval:         time.Second,
			ClientLiveness:        10 * time.Second,
			PublicationLinger:     5 * time.Second,
			ImageLiveness:         10 * time.Second,
			StatusMessageInterval: 200 * time.Millisecond,
			HeartbeatInterval:     100 * time.Millisecond,
			SetupInterval:         100 * time.Millisecond,
			ConnectionTimeout:     5 * time.Second,
		},
		Flow: FlowConfig{
			Strategy:        "unicast",
			ReceiverTimeout: 5 * time.Second,
			MinGroupSize:    1,
		},
		Retransmit: RetransmitConfig{
			InitialDelay:  10 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			LingerTimeout: 40 * time.Millisecond,
			MaxPerSecond:  1000,
			MaxBurst:      64,
			MaxPending:    16,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Control: ControlConfig{
			Enabled:       false,
			SubjectPrefix: "mediadriver",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates. An empty path loads defaults plus environment
// only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides, checked after file loading. Only the settings
// operators commonly flip per deployment are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDIADRIVER_THREADING_MODE"); v != "" {
		cfg.Driver.ThreadingMode = v
	}
	if v := os.Getenv("MEDIADRIVER_TERM_BUFFER_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Driver.TermBufferLength = int32(n)
		}
	}
	if v := os.Getenv("MEDIADRIVER_MTU_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Driver.MTULength = int32(n)
		}
	}
	if v := os.Getenv("MEDIADRIVER_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}
	if v := os.Getenv("MEDIADRIVER_NATS_URL"); v != "" {
		cfg.Control.Enabled = true
		cfg.Control.URLs = []string{v}
	}
	if v := os.Getenv("MEDIADRIVER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// String renders the resolved configuration for startup logging. It never
// includes credentials.
func (c *Config) String() string {
	return fmt.Sprintf(
		"term=%d mtu=%d window=%d mode=%s flow=%s metrics=%v control=%v",
		c.Driver.TermBufferLength, c.Driver.MTULength, c.Driver.InitialWindowLength,
		c.Driver.ThreadingMode, c.Flow.Strategy, c.Metrics.Enabled, c.Control.Enabled,
	)
}
