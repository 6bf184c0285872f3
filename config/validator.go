package config

import (
	"fmt"

	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/logbuffer"
	"github.com/c360/mediadriver/transport"
)

func invalid(field, reason string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
		fmt.Sprintf("%s %s", field, reason))
}

// Validate checks the structural constraints the data path depends on.
// Buffer maths assumes power-of-two term lengths; the rotation safety
// argument assumes the window never exceeds half a term.
func (c *Config) Validate() error {
	d := &c.Driver

	if d.TermBufferLength < logbuffer.MinTermLength || d.TermBufferLength > logbuffer.MaxTermLength {
		return invalid("driver.term_buffer_length",
			fmt.Sprintf("must be between %d and %d", logbuffer.MinTermLength, logbuffer.MaxTermLength))
	}
	if !logbuffer.IsPowerOfTwo(int64(d.TermBufferLength)) {
		return invalid("driver.term_buffer_length", "must be a power of two")
	}

	if d.MTULength < logbuffer.HeaderLength+logbuffer.FrameAlignment {
		return invalid("driver.mtu_length", "too small to carry a frame")
	}
	if d.MTULength%logbuffer.FrameAlignment != 0 {
		return invalid("driver.mtu_length",
			fmt.Sprintf("must be a multiple of %d", logbuffer.FrameAlignment))
	}
	if int(d.MTULength) > transport.MaxUDPPayloadLength {
		return invalid("driver.mtu_length", "exceeds maximum UDP payload")
	}

	if d.InitialWindowLength <= 0 {
		return invalid("driver.initial_window_length", "must be positive")
	}
	if d.InitialWindowLength > d.TermBufferLength/2 {
		return invalid("driver.initial_window_length", "must not exceed half the term length")
	}
	if d.InitialWindowLength < d.MTULength {
		return invalid("driver.initial_window_length", "must hold at least one MTU")
	}

	switch d.ThreadingMode {
	case ThreadingDedicated, ThreadingSharedNetwork, ThreadingShared, ThreadingInvoker:
	default:
		return invalid("driver.threading_mode", "unknown mode "+d.ThreadingMode)
	}

	if d.CommandQueueCapacity <= 0 || !logbuffer.IsPowerOfTwo(int64(d.CommandQueueCapacity)) {
		return invalid("driver.command_queue_capacity", "must be a positive power of two")
	}

	if d.SendToStatusPollRatio < 1 {
		return invalid("driver.send_to_status_poll_ratio", "must be at least 1")
	}

	t := &c.Timeouts
	for _, check := range []struct {
		name  string
		value int64
	}{
		{"timeouts.timer_interval", int64(t.TimerInterval)},
		{"timeouts.client_liveness", int64(t.ClientLiveness)},
		{"timeouts.publication_linger", int64(t.PublicationLinger)},
		{"timeouts.image_liveness", int64(t.ImageLiveness)},
		{"timeouts.status_message_interval", int64(t.StatusMessageInterval)},
		{"timeouts.heartbeat_interval", int64(t.HeartbeatInterval)},
		{"timeouts.setup_interval", int64(t.SetupInterval)},
		{"timeouts.connection_timeout", int64(t.ConnectionTimeout)},
	} {
		if check.value <= 0 {
			return invalid(check.name, "must be positive")
		}
	}

	switch c.Flow.Strategy {
	case "unicast", "multicast-min", "multicast-tagged", "":
	default:
		return invalid("flow.strategy", "unknown strategy "+c.Flow.Strategy)
	}
	if c.Flow.MinGroupSize < 0 {
		return invalid("flow.min_group_size", "must not be negative")
	}

	if c.Retransmit.MaxPerSecond <= 0 {
		return invalid("retransmit.max_per_second", "must be positive")
	}
	if c.Retransmit.InitialDelay <= 0 || c.Retransmit.MaxDelay < c.Retransmit.InitialDelay {
		return invalid("retransmit.initial_delay", "must be positive and not exceed max_delay")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid("metrics.port", "must be a valid port")
	}

	if c.Control.Enabled && len(c.Control.URLs) == 0 {
		return invalid("control.urls", "required when control is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "unknown level "+c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("logging.format", "unknown format "+c.Logging.Format)
	}

	return nil
}
