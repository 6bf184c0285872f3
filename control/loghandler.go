package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Publisher is the narrow publish surface the log handler needs;
// *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// LogHandler fans structured log records out to <prefix>.logs.<level>
// subjects for remote tailing, in addition to the wrapped handler.
// Publish failures are ignored: logging must never block or fail the
// caller.
type LogHandler struct {
	inner     slog.Handler
	publisher Publisher
	prefix    string
	attrs     []slog.Attr
	group     string
}

// NewLogHandler wraps inner with NATS fan-out.
func NewLogHandler(inner slog.Handler, publisher Publisher, prefix string) *LogHandler {
	return &LogHandler{inner: inner, publisher: publisher, prefix: prefix}
}

// Enabled defers to the wrapped handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle publishes the record as JSON, then hands it to the wrapped
// handler.
func (h *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.publisher != nil {
		entry := map[string]any{
			"time":  record.Time.Format(time.RFC3339Nano),
			"level": record.Level.String(),
			"msg":   record.Message,
		}
		for _, attr := range h.attrs {
			entry[attr.Key] = attr.Value.Any()
		}
		record.Attrs(func(attr slog.Attr) bool {
			entry[h.key(attr.Key)] = attr.Value.Any()
			return true
		})
		if data, err := json.Marshal(entry); err == nil {
			subject := h.prefix + ".logs." + strings.ToLower(record.Level.String())
			_ = h.publisher.Publish(subject, data)
		}
	}
	return h.inner.Handle(ctx, record)
}

// WithAttrs implements slog.Handler. Bound attrs are qualified with the
// group open at bind time, matching slog's grouping semantics.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	qualified := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		qualified[i] = slog.Attr{Key: h.key(attr.Key), Value: attr.Value}
	}
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), qualified...)
	return &clone
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}

func (h *LogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}
