package driver

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/c360/mediadriver/config"
	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/flow"
	"github.com/c360/mediadriver/metric"
	"github.com/c360/mediadriver/pkg/retry"
	"github.com/c360/mediadriver/pkg/ring"
	"github.com/c360/mediadriver/retransmit"
	"github.com/c360/mediadriver/transport"
)

// Commands accepted by the conductor queue.

// AddPublicationCommand registers a new publication on a channel/stream.
type AddPublicationCommand struct {
	CorrelationID int64
	ClientID      int64
	Channel       string
	StreamID      int32
}

// RemovePublicationCommand starts draining a publication; its resources
// are released after the linger period.
type RemovePublicationCommand struct {
	CorrelationID  int64
	ClientID       int64
	RegistrationID int64
}

// AddSubscriptionCommand registers interest in a channel/stream.
type AddSubscriptionCommand struct {
	CorrelationID int64
	ClientID      int64
	Channel       string
	StreamID      int32
}

// RemoveSubscriptionCommand withdraws a subscription and closes any
// images it alone sustained.
type RemoveSubscriptionCommand struct {
	CorrelationID  int64
	ClientID       int64
	RegistrationID int64
}

// ClientKeepaliveCommand refreshes a client's liveness deadline.
type ClientKeepaliveCommand struct {
	ClientID int64
}

// Command is the closed set of conductor commands.
type Command interface{ isCommand() }

func (AddPublicationCommand) isCommand()     {}
func (RemovePublicationCommand) isCommand()  {}
func (AddSubscriptionCommand) isCommand()    {}
func (RemoveSubscriptionCommand) isCommand() {}
func (ClientKeepaliveCommand) isCommand()    {}

// Events emitted by the conductor. The listener runs on the conductor
// goroutine and must not block.

// PublicationReadyEvent answers AddPublicationCommand.
type PublicationReadyEvent struct {
	CorrelationID  int64
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	Channel        string
}

// SubscriptionReadyEvent answers AddSubscriptionCommand.
type SubscriptionReadyEvent struct {
	CorrelationID  int64
	RegistrationID int64
}

// OperationSucceededEvent answers remove commands.
type OperationSucceededEvent struct {
	CorrelationID int64
}

// ErrorEvent answers any command that failed.
type ErrorEvent struct {
	CorrelationID int64
	Message       string
}

// ClientTimeoutEvent reports a client reclaimed for missing keepalives.
type ClientTimeoutEvent struct {
	ClientID int64
}

// Event is the closed set of conductor events.
type Event interface{ isEvent() }

func (PublicationReadyEvent) isEvent()   {}
func (SubscriptionReadyEvent) isEvent()  {}
func (OperationSucceededEvent) isEvent() {}
func (ErrorEvent) isEvent()              {}
func (ClientTimeoutEvent) isEvent()      {}

type imageNotification struct {
	created bool
	img     *Image
}

type clientState struct {
	clientID      int64
	lastKeepalive time.Time
}

type publicationLink struct {
	pub      *Publication
	clientID int64
}

type recvEndpointRef struct {
	endpoint *transport.ReceiveChannelEndpoint
	refCount int
}

// Conductor owns all control-plane state: clients, publications,
// subscriptions and image bookkeeping. Every mutation happens on its own
// duty cycle; other threads only offer commands.
type Conductor struct {
	cfg     *config.Config
	metrics *metric.Metrics
	logger  *slog.Logger

	commands *ring.Queue[Command]
	offerMu  sync.Mutex // serializes multi-producer command offers

	imageEvents *ring.Queue[imageNotification]

	sender   *Sender
	receiver *Receiver

	listener func(Event)

	clients       map[int64]*clientState
	publications  map[int64]*publicationLink
	subscriptions map[int64]*subscription
	lingering     []*Publication
	images        map[*Image]struct{}
	recvEndpoints map[string]*recvEndpointRef

	nextSessionID      int32
	nextRegistrationID int64
	lastTimerRun       time.Time
}

// NewConductor wires the conductor against the sender and receiver
// agents it feeds.
func NewConductor(cfg *config.Config, metrics *metric.Metrics, sender *Sender, receiver *Receiver, logger *slog.Logger) *Conductor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conductor{
		cfg:           cfg,
		metrics:       metrics,
		logger:        logger.With("agent", "conductor"),
		commands:      ring.New[Command](cfg.Driver.CommandQueueCapacity),
		imageEvents:   ring.New[imageNotification](256),
		sender:        sender,
		receiver:      receiver,
		listener:      func(Event) {},
		clients:       make(map[int64]*clientState),
		publications:  make(map[int64]*publicationLink),
		subscriptions: make(map[int64]*subscription),
		images:        make(map[*Image]struct{}),
		recvEndpoints: make(map[string]*recvEndpointRef),
		nextSessionID: rand.Int31(),
	}
}

// SetEventListener registers the event sink. Must be called before the
// conductor starts; the listener runs on the conductor goroutine.
func (c *Conductor) SetEventListener(listener func(Event)) {
	if listener != nil {
		c.listener = listener
	}
}

// Offer enqueues a command from any goroutine. Returns
// ErrCommandQueueFull when the conductor is not keeping up; the caller
// retries after backoff.
func (c *Conductor) Offer(cmd Command) error {
	c.offerMu.Lock()
	defer c.offerMu.Unlock()
	return c.commands.Offer(cmd)
}

// Name implements agent.Agent.
func (c *Conductor) Name() string { return "conductor" }

// onImageCreated implements conductorNotifier; called on the receiver
// goroutine, delivered through the notification queue.
func (c *Conductor) onImageCreated(img *Image) {
	_ = c.imageEvents.Offer(imageNotification{created: true, img: img})
}

func (c *Conductor) onImageClosed(img *Image) {
	_ = c.imageEvents.Offer(imageNotification{created: false, img: img})
}

// DoWork implements agent.Agent: drain the command queue, fold in image
// lifecycle notifications, then run the timer duties on their interval.
func (c *Conductor) DoWork(now time.Time) (int, error) {
	workCount := c.commands.Drain(10, func(cmd Command) {
		c.dispatch(cmd, now)
	})

	workCount += c.imageEvents.Drain(16, func(n imageNotification) {
		if n.created {
			c.images[n.img] = struct{}{}
		} else {
			delete(c.images, n.img)
		}
		c.metrics.ActiveImages.Set(float64(len(c.images)))
	})

	if now.Sub(c.lastTimerRun) >= c.cfg.Timeouts.TimerInterval {
		c.lastTimerRun = now
		workCount += c.onTimer(now)
	}
	return workCount, nil
}

func (c *Conductor) dispatch(cmd Command, now time.Time) {
	switch cmd := cmd.(type) {
	case AddPublicationCommand:
		c.onAddPublication(cmd, now)
	case RemovePublicationCommand:
		c.onRemovePublication(cmd, now)
	case AddSubscriptionCommand:
		c.onAddSubscription(cmd, now)
	case RemoveSubscriptionCommand:
		c.onRemoveSubscription(cmd, now)
	case ClientKeepaliveCommand:
		c.touchClient(cmd.ClientID, now)
	default:
		c.listener(ErrorEvent{Message: errors.ErrUnknownCommand.Error()})
	}
}

func (c *Conductor) touchClient(clientID int64, now time.Time) {
	client, ok := c.clients[clientID]
	if !ok {
		client = &clientState{clientID: clientID}
		c.clients[clientID] = client
		c.metrics.ActiveClients.Set(float64(len(c.clients)))
	}
	client.lastKeepalive = now
}

func (c *Conductor) onAddPublication(cmd AddPublicationCommand, now time.Time) {
	c.touchClient(cmd.ClientID, now)

	channel, err := transport.ParseChannelURI(cmd.Channel)
	if err != nil {
		c.fail(cmd.CorrelationID, err)
		return
	}

	endpoint, err := transport.NewSendChannelEndpoint(channel)
	if err != nil {
		c.fail(cmd.CorrelationID, err)
		return
	}

	strategy := flow.StrategyUnicast
	if channel.IsMulticast() {
		strategy = c.cfg.Flow.Strategy
		if strategy == flow.StrategyUnicast || strategy == "" {
			strategy = flow.StrategyMulticastMin
		}
	}
	fc, err := flow.NewStrategy(flow.Options{
		Strategy:        strategy,
		ReceiverTimeout: c.cfg.Flow.ReceiverTimeout,
		MinGroupSize:    c.cfg.Flow.MinGroupSize,
		GroupTag:        c.cfg.Flow.GroupTag,
	})
	if err != nil {
		_ = endpoint.Close()
		c.fail(cmd.CorrelationID, err)
		return
	}

	c.nextRegistrationID++
	c.nextSessionID++
	registrationID := c.nextRegistrationID

	pub, err := NewPublication(PublicationOptions{
		RegistrationID: registrationID,
		ClientID:       cmd.ClientID,
		Channel:        channel,
		StreamID:       cmd.StreamID,
		SessionID:      c.nextSessionID,
		InitialTermID:  rand.Int31(),
		TermLength:     c.cfg.Driver.TermBufferLength,
		MTU:            c.cfg.Driver.MTULength,
		Endpoint:       endpoint,
		FlowControl:    fc,
		Retransmits: retransmit.NewHandler(retransmit.Options{
			DelayPolicy: retry.Config{
				InitialDelay: c.cfg.Retransmit.InitialDelay,
				MaxDelay:     c.cfg.Retransmit.MaxDelay,
				Multiplier:   2.0,
				AddJitter:    true,
			},
			LingerTimeout:           c.cfg.Retransmit.LingerTimeout,
			MaxRetransmitsPerSecond: c.cfg.Retransmit.MaxPerSecond,
			MaxBurst:                c.cfg.Retransmit.MaxBurst,
			MaxPending:              c.cfg.Retransmit.MaxPending,
		}),
	})
	if err != nil {
		_ = endpoint.Close()
		c.fail(cmd.CorrelationID, err)
		return
	}

	if err := c.sender.enqueue(senderCommand{op: cmdAdd, pub: pub}); err != nil {
		pub.close()
		_ = endpoint.Close()
		c.fail(cmd.CorrelationID, err)
		return
	}

	c.publications[registrationID] = &publicationLink{pub: pub, clientID: cmd.ClientID}
	c.metrics.ActivePublications.Set(float64(len(c.publications)))
	c.logger.Info("publication added",
		"registration", registrationID, "channel", cmd.Channel,
		"stream", cmd.StreamID, "session", pub.SessionID())

	c.listener(PublicationReadyEvent{
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: registrationID,
		SessionID:      pub.SessionID(),
		StreamID:       cmd.StreamID,
		Channel:        channel.String(),
	})
}

func (c *Conductor) onRemovePublication(cmd RemovePublicationCommand, now time.Time) {
	c.touchClient(cmd.ClientID, now)

	link, ok := c.publications[cmd.RegistrationID]
	if !ok || link.clientID != cmd.ClientID {
		c.fail(cmd.CorrelationID, errors.ErrUnknownChannel)
		return
	}
	c.drainPublication(link.pub, cmd.RegistrationID, now)
	c.listener(OperationSucceededEvent{CorrelationID: cmd.CorrelationID})
}

// drainPublication moves a publication into DRAINING and parks it on the
// linger list; the sender keeps flushing until the linger expires.
func (c *Conductor) drainPublication(pub *Publication, registrationID int64, now time.Time) {
	pub.Drain(now)
	delete(c.publications, registrationID)
	c.lingering = append(c.lingering, pub)
	c.metrics.ActivePublications.Set(float64(len(c.publications)))
	c.logger.Info("publication draining", "registration", registrationID)
}

func (c *Conductor) onAddSubscription(cmd AddSubscriptionCommand, now time.Time) {
	c.touchClient(cmd.ClientID, now)

	channel, err := transport.ParseChannelURI(cmd.Channel)
	if err != nil {
		c.fail(cmd.CorrelationID, err)
		return
	}

	key := channel.String()
	ref, ok := c.recvEndpoints[key]
	if !ok {
		endpoint, err := transport.NewReceiveChannelEndpoint(channel)
		if err != nil {
			c.fail(cmd.CorrelationID, err)
			return
		}
		ref = &recvEndpointRef{endpoint: endpoint}
		c.recvEndpoints[key] = ref
	}

	c.nextRegistrationID++
	sub := &subscription{
		registrationID: c.nextRegistrationID,
		clientID:       cmd.ClientID,
		channel:        channel,
		streamID:       cmd.StreamID,
		endpoint:       ref.endpoint,
	}

	if err := c.receiver.enqueue(receiverCommand{op: cmdAdd, sub: sub}); err != nil {
		if ref.refCount == 0 {
			_ = ref.endpoint.Close()
			delete(c.recvEndpoints, key)
		}
		c.fail(cmd.CorrelationID, err)
		return
	}

	ref.refCount++
	c.subscriptions[sub.registrationID] = sub
	c.logger.Info("subscription added",
		"registration", sub.registrationID, "channel", cmd.Channel, "stream", cmd.StreamID)

	c.listener(SubscriptionReadyEvent{
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: sub.registrationID,
	})
}

func (c *Conductor) onRemoveSubscription(cmd RemoveSubscriptionCommand, now time.Time) {
	c.touchClient(cmd.ClientID, now)

	sub, ok := c.subscriptions[cmd.RegistrationID]
	if !ok || sub.clientID != cmd.ClientID {
		c.fail(cmd.CorrelationID, errors.ErrUnknownChannel)
		return
	}
	c.removeSubscription(sub)
	c.listener(OperationSucceededEvent{CorrelationID: cmd.CorrelationID})
}

func (c *Conductor) removeSubscription(sub *subscription) {
	delete(c.subscriptions, sub.registrationID)

	key := sub.channel.String()
	if ref, ok := c.recvEndpoints[key]; ok {
		ref.refCount--
		if ref.refCount <= 0 {
			delete(c.recvEndpoints, key)
		}
	}

	// The receiver closes images and, once unshared, the endpoint.
	if err := c.receiver.enqueue(receiverCommand{op: cmdRemove, sub: sub}); err != nil {
		c.logger.Warn("receiver queue full during subscription removal",
			"registration", sub.registrationID)
	}
}

// onTimer runs the liveness and linger duties.
func (c *Conductor) onTimer(now time.Time) int {
	workCount := 0
	workCount += c.checkClientLiveness(now)
	workCount += c.checkLingeringPublications(now)
	workCount += c.checkImageLiveness(now)
	c.metrics.CommandQueueDepth.Set(float64(c.commands.Size()))
	return workCount
}

// checkClientLiveness reclaims every resource of clients that stopped
// sending keepalives.
func (c *Conductor) checkClientLiveness(now time.Time) int {
	workCount := 0
	for clientID, client := range c.clients {
		if now.Sub(client.lastKeepalive) <= c.cfg.Timeouts.ClientLiveness {
			continue
		}

		for registrationID, link := range c.publications {
			if link.clientID == clientID {
				c.drainPublication(link.pub, registrationID, now)
				workCount++
			}
		}
		for _, sub := range c.subscriptions {
			if sub.clientID == clientID {
				c.removeSubscription(sub)
				workCount++
			}
		}

		delete(c.clients, clientID)
		c.metrics.ActiveClients.Set(float64(len(c.clients)))
		c.metrics.ClientTimeouts.Inc()
		c.logger.Warn("client timed out", "client", clientID)
		c.listener(ClientTimeoutEvent{ClientID: clientID})
		workCount++
	}
	return workCount
}

// checkLingeringPublications hands fully lingered publications to the
// sender for final closure.
func (c *Conductor) checkLingeringPublications(now time.Time) int {
	workCount := 0
	remaining := c.lingering[:0]
	for _, pub := range c.lingering {
		if now.Sub(pub.drainStart) > c.cfg.Timeouts.PublicationLinger {
			if err := c.sender.enqueue(senderCommand{op: cmdRemove, pub: pub}); err != nil {
				remaining = append(remaining, pub) // retry next tick
				continue
			}
			workCount++
			continue
		}
		remaining = append(remaining, pub)
	}
	for i := len(remaining); i < len(c.lingering); i++ {
		c.lingering[i] = nil
	}
	c.lingering = remaining
	return workCount
}

// checkImageLiveness closes images whose publisher has gone silent, and
// expires post-end-of-stream lingers.
func (c *Conductor) checkImageLiveness(now time.Time) int {
	workCount := 0
	// A lingering image stops refreshing its packet time, so the same
	// staleness check retires both dead publishers and expired lingers.
	for img := range c.images {
		if now.Sub(img.LastPacketTime()) > c.cfg.Timeouts.ImageLiveness {
			if err := c.receiver.enqueue(receiverCommand{op: cmdRemove, closeImg: img}); err == nil {
				delete(c.images, img)
				workCount++
			}
		}
	}
	c.metrics.ActiveImages.Set(float64(len(c.images)))
	return workCount
}

func (c *Conductor) fail(correlationID int64, err error) {
	c.metrics.RecordError("conductor", errors.Classify(err).String())
	c.logger.Warn("command failed", "correlation", correlationID, "error", err)
	c.listener(ErrorEvent{CorrelationID: correlationID, Message: err.Error()})
}

// OnClose implements agent.Agent: everything still registered is torn
// down through the agent queues' owners, which close after the conductor.
func (c *Conductor) OnClose() {
	for _, link := range c.publications {
		link.pub.Drain(time.Now())
	}
}
