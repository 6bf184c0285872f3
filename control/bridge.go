// Package control bridges the driver's command/event surface onto NATS
// so clients in other processes can add publications and subscriptions
// and observe their lifecycle.
//
// Commands arrive as JSON on <prefix>.cmd.<operation>; every conductor
// event is published as JSON on <prefix>.events.<type>.
package control

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/mediadriver/config"
	"github.com/c360/mediadriver/driver"
	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/pkg/retry"
)

// Command operations, the final token of the command subject.
const (
	opAddPublication     = "add_publication"
	opRemovePublication  = "remove_publication"
	opAddSubscription    = "add_subscription"
	opRemoveSubscription = "remove_subscription"
	opKeepalive          = "keepalive"
)

// commandEnvelope is the JSON body of every command. Fields irrelevant
// to an operation are ignored.
type commandEnvelope struct {
	CorrelationID  int64  `json:"correlation_id"`
	ClientID       int64  `json:"client_id"`
	Channel        string `json:"channel,omitempty"`
	StreamID       int32  `json:"stream_id,omitempty"`
	RegistrationID int64  `json:"registration_id,omitempty"`
}

// eventEnvelope is the JSON body of every published event.
type eventEnvelope struct {
	Type           string `json:"type"`
	CorrelationID  int64  `json:"correlation_id,omitempty"`
	RegistrationID int64  `json:"registration_id,omitempty"`
	SessionID      int32  `json:"session_id,omitempty"`
	StreamID       int32  `json:"stream_id,omitempty"`
	Channel        string `json:"channel,omitempty"`
	ClientID       int64  `json:"client_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

// CommandSink receives decoded commands; the conductor implements it.
type CommandSink interface {
	Offer(cmd driver.Command) error
}

// Bridge owns the NATS connection and the command subscription.
type Bridge struct {
	cfg    config.ControlConfig
	sink   CommandSink
	logger *slog.Logger

	conn *nats.Conn
	sub  *nats.Subscription

	offerRetry retry.Config

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// NewBridge creates a bridge bound to the given command sink. The
// connection is opened by Start.
func NewBridge(cfg config.ControlConfig, sink CommandSink, logger *slog.Logger) (*Bridge, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "control", "NewBridge",
			"command sink must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "control"),
		offerRetry: retry.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2.0,
		},
	}, nil
}

// Start connects to NATS and subscribes to the command subjects. The
// initial connect retries with backoff so the driver may come up before
// its broker; reconnects after that are the connection's own.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.started {
		return errors.ErrAlreadyStarted
	}

	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*nats.Conn, error) {
		return nats.Connect(strings.Join(b.cfg.URLs, ","),
			nats.Name("mediadriver-control"),
			nats.MaxReconnects(b.cfg.MaxReconnects),
			nats.ReconnectWait(b.cfg.ReconnectWait),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				b.logger.Warn("control connection lost", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				b.logger.Info("control connection restored", "url", nc.ConnectedUrl())
			}),
		)
	})
	if err != nil {
		return errors.WrapTransient(err, "control", "Start", "connect to NATS")
	}
	b.conn = conn

	sub, err := conn.Subscribe(b.cfg.SubjectPrefix+".cmd.>", b.onMessage)
	if err != nil {
		conn.Close()
		b.conn = nil
		return errors.WrapFatal(err, "control", "Start", "subscribe to command subjects")
	}
	b.sub = sub
	b.started = true

	b.logger.Info("control bridge started",
		"subjects", b.cfg.SubjectPrefix+".cmd.>", "servers", b.cfg.URLs)
	return nil
}

// Conn exposes the live connection for the log fan-out handler. Nil
// until Start succeeds.
func (b *Bridge) Conn() *nats.Conn { return b.conn }

// PublishEvent pushes one conductor event onto the event subject tree.
// Safe to install as the conductor's event listener: publishing only
// appends to the connection's write buffer.
func (b *Bridge) PublishEvent(e driver.Event) {
	if b.conn == nil {
		return
	}
	subject, envelope := encodeEvent(b.cfg.SubjectPrefix, e)
	if subject == "" {
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		b.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// Stop drains the subscription so in-flight commands finish, then closes
// the connection.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.started {
		return errors.ErrNotStarted
	}
	if b.stopped {
		return errors.ErrAlreadyStopped
	}
	b.stopped = true

	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn("subscription drain failed", "error", err)
		}
	}
	if err := b.conn.FlushTimeout(timeout); err != nil {
		b.logger.Warn("flush on shutdown failed", "error", err)
	}
	b.conn.Close()

	b.logger.Info("control bridge stopped")
	return nil
}

// onMessage decodes one command message and feeds the sink.
func (b *Bridge) onMessage(msg *nats.Msg) {
	cmd, err := decodeCommand(msg.Subject, msg.Data)
	if err != nil {
		b.logger.Warn("dropping malformed command", "subject", msg.Subject, "error", err)
		return
	}
	b.offer(cmd)
}

// offer retries briefly when the conductor's queue is full; a full queue
// is back pressure, not failure.
func (b *Bridge) offer(cmd driver.Command) {
	backoff := retry.NewBackoff(b.offerRetry)
	for attempt := 0; attempt < 5; attempt++ {
		err := b.sink.Offer(cmd)
		if err == nil {
			return
		}
		if !stderrors.Is(err, errors.ErrCommandQueueFull) {
			b.logger.Warn("command rejected", "error", err)
			return
		}
		time.Sleep(backoff.Next())
	}
	b.logger.Warn("command dropped: conductor queue full")
}

// decodeCommand maps a subject's operation token plus its JSON body to a
// conductor command.
func decodeCommand(subject string, data []byte) (driver.Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(err, "control", "decodeCommand", "unmarshal command body")
	}

	op := subject[strings.LastIndexByte(subject, '.')+1:]
	switch op {
	case opAddPublication:
		return driver.AddPublicationCommand{
			CorrelationID: env.CorrelationID,
			ClientID:      env.ClientID,
			Channel:       env.Channel,
			StreamID:      env.StreamID,
		}, nil
	case opRemovePublication:
		return driver.RemovePublicationCommand{
			CorrelationID:  env.CorrelationID,
			ClientID:       env.ClientID,
			RegistrationID: env.RegistrationID,
		}, nil
	case opAddSubscription:
		return driver.AddSubscriptionCommand{
			CorrelationID: env.CorrelationID,
			ClientID:      env.ClientID,
			Channel:       env.Channel,
			StreamID:      env.StreamID,
		}, nil
	case opRemoveSubscription:
		return driver.RemoveSubscriptionCommand{
			CorrelationID:  env.CorrelationID,
			ClientID:       env.ClientID,
			RegistrationID: env.RegistrationID,
		}, nil
	case opKeepalive:
		return driver.ClientKeepaliveCommand{ClientID: env.ClientID}, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownCommand, "control", "decodeCommand",
			"operation "+op)
	}
}

// encodeEvent maps a conductor event to its subject and JSON envelope.
func encodeEvent(prefix string, e driver.Event) (string, eventEnvelope) {
	switch e := e.(type) {
	case driver.PublicationReadyEvent:
		return prefix + ".events.publication_ready", eventEnvelope{
			Type:           "publication_ready",
			CorrelationID:  e.CorrelationID,
			RegistrationID: e.RegistrationID,
			SessionID:      e.SessionID,
			StreamID:       e.StreamID,
			Channel:        e.Channel,
		}
	case driver.SubscriptionReadyEvent:
		return prefix + ".events.subscription_ready", eventEnvelope{
			Type:           "subscription_ready",
			CorrelationID:  e.CorrelationID,
			RegistrationID: e.RegistrationID,
		}
	case driver.OperationSucceededEvent:
		return prefix + ".events.operation_succeeded", eventEnvelope{
			Type:          "operation_succeeded",
			CorrelationID: e.CorrelationID,
		}
	case driver.ErrorEvent:
		return prefix + ".events.error", eventEnvelope{
			Type:          "error",
			CorrelationID: e.CorrelationID,
			Message:       e.Message,
		}
	case driver.ClientTimeoutEvent:
		return prefix + ".events.client_timeout", eventEnvelope{
			Type:     "client_timeout",
			ClientID: e.ClientID,
		}
	default:
		return "", eventEnvelope{}
	}
}
