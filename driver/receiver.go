package driver

import (
	"log/slog"
	"net"
	"time"

	"github.com/c360/mediadriver/metric"
	"github.com/c360/mediadriver/pkg/retry"
	"github.com/c360/mediadriver/pkg/ring"
	"github.com/c360/mediadriver/protocol"
	"github.com/c360/mediadriver/transport"
)

// receiverCommand moves subscriptions and image closures between the
// conductor and the receiver duty cycle.
type receiverCommand struct {
	op       int // cmdAdd or cmdRemove
	sub      *subscription
	closeImg *Image
}

// subscription is one registered interest in a (channel, stream-id) pair.
// The endpoint is owned by the receiver once handed over.
type subscription struct {
	registrationID int64
	clientID       int64
	channel        transport.ChannelURI
	streamID       int32
	endpoint       *transport.ReceiveChannelEndpoint
}

type imageKey struct {
	channel   string
	sessionID int32
	streamID  int32
}

// ReceiverConfig holds the receive-side tuning.
type ReceiverConfig struct {
	InitialWindowLength int32
	SMInterval          time.Duration
	NakDelay            retry.Config
	ReceiverID          int64
}

// Receiver is the duty-cycle agent that feeds incoming frames into images
// and drives their status-message and NAK timers.
type Receiver struct {
	commands      *ring.Queue[receiverCommand]
	subscriptions []*subscription
	images        map[imageKey]*Image
	cfg           ReceiverConfig
	metrics       *metric.Metrics
	logger        *slog.Logger
	conductor     conductorNotifier
}

// conductorNotifier is the receiver's narrow channel back to the
// conductor for lifecycle events it must track.
type conductorNotifier interface {
	onImageCreated(img *Image)
	onImageClosed(img *Image)
}

// NewReceiver creates the receiver agent. Commands arrive only from the
// conductor goroutine.
func NewReceiver(cfg ReceiverConfig, metrics *metric.Metrics, notifier conductorNotifier, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		commands:  ring.New[receiverCommand](64),
		images:    make(map[imageKey]*Image),
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("agent", "receiver"),
		conductor: notifier,
	}
}

// Name implements agent.Agent.
func (r *Receiver) Name() string { return "receiver" }

func (r *Receiver) enqueue(cmd receiverCommand) error {
	return r.commands.Offer(cmd)
}

// DoWork implements agent.Agent: drain conductor commands, poll every
// subscribed endpoint, then run each image's timers.
func (r *Receiver) DoWork(now time.Time) (int, error) {
	workCount := r.drainCommands()

	polled := make(map[*transport.ReceiveChannelEndpoint]bool, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		if polled[sub.endpoint] {
			continue
		}
		polled[sub.endpoint] = true
		for i := 0; i < 16; i++ {
			n := sub.endpoint.Poll(func(buf []byte, src *net.UDPAddr) {
				r.onFrame(sub.endpoint, buf, src, now)
			})
			if n == 0 {
				break
			}
			workCount += n
		}
	}

	for _, img := range r.images {
		workCount += img.Poll(now)
	}
	return workCount, nil
}

func (r *Receiver) drainCommands() int {
	return r.commands.Drain(16, func(cmd receiverCommand) {
		switch {
		case cmd.op == cmdAdd && cmd.sub != nil:
			r.subscriptions = append(r.subscriptions, cmd.sub)
		case cmd.op == cmdRemove && cmd.sub != nil:
			r.removeSubscription(cmd.sub)
		case cmd.op == cmdRemove && cmd.closeImg != nil:
			r.closeImage(cmd.closeImg)
		}
	})
}

func (r *Receiver) removeSubscription(sub *subscription) {
	for i, s := range r.subscriptions {
		if s == sub {
			r.subscriptions = append(r.subscriptions[:i], r.subscriptions[i+1:]...)
			break
		}
	}

	// Close images that no remaining subscription covers.
	for key, img := range r.images {
		if key.channel == sub.channel.String() && key.streamID == sub.streamID &&
			!r.isSubscribed(sub.channel.String(), sub.streamID) {
			r.closeImage(img)
		}
	}

	// The endpoint closes only when no subscription still shares it.
	shared := false
	for _, s := range r.subscriptions {
		if s.endpoint == sub.endpoint {
			shared = true
			break
		}
	}
	if !shared {
		_ = sub.endpoint.Close()
	}
}

func (r *Receiver) closeImage(img *Image) {
	for key, candidate := range r.images {
		if candidate == img {
			delete(r.images, key)
			break
		}
	}
	img.close()
	r.conductor.onImageClosed(img)
}

func (r *Receiver) isSubscribed(channel string, streamID int32) bool {
	for _, s := range r.subscriptions {
		if s.channel.String() == channel && s.streamID == streamID {
			return true
		}
	}
	return false
}

func (r *Receiver) findSubscription(endpoint *transport.ReceiveChannelEndpoint, streamID int32) *subscription {
	for _, s := range r.subscriptions {
		if s.endpoint == endpoint && s.streamID == streamID {
			return s
		}
	}
	return nil
}

// onFrame dispatches one received datagram by frame type.
func (r *Receiver) onFrame(endpoint *transport.ReceiveChannelEndpoint, buf []byte, src *net.UDPAddr, now time.Time) {
	if len(buf) < protocol.DataHeaderLength {
		r.metrics.InvalidFrames.Inc()
		return
	}

	switch protocol.FrameType(buf) {
	case protocol.TypeSetup:
		r.onSetupFrame(endpoint, buf, src, now)
	case protocol.TypeData, protocol.TypePad:
		r.onDataFrame(endpoint, buf, src, now)
	default:
		r.metrics.InvalidFrames.Inc()
	}
}

func (r *Receiver) onSetupFrame(endpoint *transport.ReceiveChannelEndpoint, buf []byte, src *net.UDPAddr, now time.Time) {
	setup, err := protocol.DecodeSetupFrame(buf)
	if err != nil {
		r.metrics.InvalidFrames.Inc()
		return
	}

	sub := r.findSubscription(endpoint, setup.StreamID)
	if sub == nil {
		return
	}

	key := imageKey{channel: sub.channel.String(), sessionID: setup.SessionID, streamID: setup.StreamID}
	if _, exists := r.images[key]; exists {
		return
	}

	window := r.cfg.InitialWindowLength
	if max := setup.TermLength / 2; window > max {
		window = max
	}

	img, err := NewImage(ImageOptions{
		CorrelationID: sub.registrationID,
		ReceiverID:    r.cfg.ReceiverID,
		SessionID:     setup.SessionID,
		StreamID:      setup.StreamID,
		InitialTermID: setup.InitialTermID,
		ActiveTermID:  setup.ActiveTermID,
		TermLength:    setup.TermLength,
		Window:        window,
		Endpoint:      endpoint,
		ControlAddr:   src,
		SMInterval:    r.cfg.SMInterval,
		NakDelay:      r.cfg.NakDelay,
	}, now)
	if err != nil {
		r.logger.Warn("image creation failed", "stream", setup.StreamID, "error", err)
		return
	}

	r.images[key] = img
	r.conductor.onImageCreated(img)
	r.logger.Debug("image created",
		"session", setup.SessionID, "stream", setup.StreamID, "term_length", setup.TermLength)

	// Answer immediately so the publisher stops sending setup frames.
	img.Poll(now.Add(r.cfg.SMInterval))
}

func (r *Receiver) onDataFrame(endpoint *transport.ReceiveChannelEndpoint, buf []byte, src *net.UDPAddr, now time.Time) {
	h, err := protocol.DecodeDataHeader(buf)
	if err != nil {
		r.metrics.InvalidFrames.Inc()
		return
	}

	sub := r.findSubscription(endpoint, h.StreamID)
	if sub == nil {
		return
	}

	key := imageKey{channel: sub.channel.String(), sessionID: h.SessionID, streamID: h.StreamID}
	img, ok := r.images[key]
	if !ok {
		// Data before setup: ask the publisher to describe the stream.
		r.sendSetupElicitation(endpoint, h, src)
		return
	}

	img.OnDataFrame(h, buf, now)
	r.metrics.BytesReceived.Add(float64(len(buf)))
}

// sendSetupElicitation sends a zero-position status message with the
// send-setup flag so a publisher already past its setup phase re-announces
// the stream parameters.
func (r *Receiver) sendSetupElicitation(endpoint *transport.ReceiveChannelEndpoint, h protocol.DataHeader, src *net.UDPAddr) {
	sm := protocol.StatusMessage{
		Flags:      protocol.FlagSMSendSetup,
		SessionID:  h.SessionID,
		StreamID:   h.StreamID,
		ReceiverID: r.cfg.ReceiverID,
	}
	buf := make([]byte, protocol.SMFrameLength)
	n := sm.Encode(buf)
	if err := endpoint.SendTo(buf[:n], src); err == nil {
		r.metrics.StatusMessagesSent.Inc()
	}
}

// OnClose implements agent.Agent.
func (r *Receiver) OnClose() {
	for _, img := range r.images {
		img.close()
	}
	closed := make(map[*transport.ReceiveChannelEndpoint]bool)
	for _, sub := range r.subscriptions {
		if !closed[sub.endpoint] {
			closed[sub.endpoint] = true
			_ = sub.endpoint.Close()
		}
	}
}

// imageCount is read by tests and the conductor's metrics duty via the
// command path, never concurrently with DoWork.
func (r *Receiver) imageCount() int { return len(r.images) }
