package driver

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediadriver/config"
	"github.com/c360/mediadriver/metric"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type conductorFixture struct {
	conductor *Conductor
	sender    *Sender
	receiver  *Receiver
	events    []Event
}

func newConductorFixture(t *testing.T) *conductorFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Driver.TermBufferLength = 64 * 1024
	cfg.Driver.InitialWindowLength = 16 * 1024
	cfg.Timeouts.TimerInterval = 10 * time.Millisecond
	cfg.Timeouts.ClientLiveness = 100 * time.Millisecond
	cfg.Timeouts.PublicationLinger = 50 * time.Millisecond

	logger := testLogger()
	metrics := metric.NewMetricsRegistry().CoreMetrics()

	f := &conductorFixture{
		sender: NewSender(SenderConfig{
			SetupInterval:     cfg.Timeouts.SetupInterval,
			HeartbeatInterval: cfg.Timeouts.HeartbeatInterval,
			ConnectionTimeout: cfg.Timeouts.ConnectionTimeout,
		}, metrics, logger),
		receiver: NewReceiver(ReceiverConfig{
			InitialWindowLength: cfg.Driver.InitialWindowLength,
			SMInterval:          cfg.Timeouts.StatusMessageInterval,
			ReceiverID:          1,
		}, metrics, noopNotifier{}, logger),
	}
	f.conductor = NewConductor(cfg, metrics, f.sender, f.receiver, logger)
	f.conductor.SetEventListener(func(e Event) { f.events = append(f.events, e) })

	t.Cleanup(func() {
		f.sender.OnClose()
		f.receiver.OnClose()
	})
	return f
}

type noopNotifier struct{}

func (noopNotifier) onImageCreated(*Image) {}
func (noopNotifier) onImageClosed(*Image)  {}

// lastEvent pops the most recent event for assertions.
func (f *conductorFixture) lastEvent(t *testing.T) Event {
	t.Helper()
	require.NotEmpty(t, f.events)
	return f.events[len(f.events)-1]
}

func TestConductor_AddPublication(t *testing.T) {
	f := newConductorFixture(t)
	now := time.Now()

	require.NoError(t, f.conductor.Offer(AddPublicationCommand{
		CorrelationID: 1,
		ClientID:      10,
		Channel:       "aeron:udp?endpoint=127.0.0.1:45001",
		StreamID:      1001,
	}))
	_, err := f.conductor.DoWork(now)
	require.NoError(t, err)

	ready, ok := f.lastEvent(t).(PublicationReadyEvent)
	require.True(t, ok, "expected PublicationReadyEvent, got %T", f.lastEvent(t))
	assert.Equal(t, int64(1), ready.CorrelationID)
	assert.NotZero(t, ready.RegistrationID)
	assert.Equal(t, int32(1001), ready.StreamID)

	// The publication is live on the sender after its next duty cycle.
	f.sender.drainCommands()
	assert.Len(t, f.sender.publications, 1)
}

func TestConductor_AddPublicationInvalidChannel(t *testing.T) {
	f := newConductorFixture(t)

	require.NoError(t, f.conductor.Offer(AddPublicationCommand{
		CorrelationID: 2,
		ClientID:      10,
		Channel:       "aeron:udp?endpoint=127.0.0.1:45001|bogus=1",
		StreamID:      1001,
	}))
	_, err := f.conductor.DoWork(time.Now())
	require.NoError(t, err)

	errEvent, ok := f.lastEvent(t).(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, int64(2), errEvent.CorrelationID)
	assert.NotEmpty(t, errEvent.Message)
}

func TestConductor_RemovePublicationUnknownRegistration(t *testing.T) {
	f := newConductorFixture(t)

	require.NoError(t, f.conductor.Offer(RemovePublicationCommand{
		CorrelationID:  3,
		ClientID:       10,
		RegistrationID: 999,
	}))
	_, err := f.conductor.DoWork(time.Now())
	require.NoError(t, err)

	_, ok := f.lastEvent(t).(ErrorEvent)
	assert.True(t, ok)
}

func TestConductor_RemovePublicationWrongClient(t *testing.T) {
	f := newConductorFixture(t)
	now := time.Now()

	require.NoError(t, f.conductor.Offer(AddPublicationCommand{
		CorrelationID: 1, ClientID: 10,
		Channel: "aeron:udp?endpoint=127.0.0.1:45002", StreamID: 1001,
	}))
	_, err := f.conductor.DoWork(now)
	require.NoError(t, err)
	ready := f.lastEvent(t).(PublicationReadyEvent)

	// A different client must not be able to remove the publication.
	require.NoError(t, f.conductor.Offer(RemovePublicationCommand{
		CorrelationID: 2, ClientID: 11, RegistrationID: ready.RegistrationID,
	}))
	_, err = f.conductor.DoWork(now)
	require.NoError(t, err)

	_, ok := f.lastEvent(t).(ErrorEvent)
	assert.True(t, ok)
	assert.Len(t, f.conductor.publications, 1)
}

func TestConductor_RemovePublicationLingersThenCloses(t *testing.T) {
	f := newConductorFixture(t)
	now := time.Now()

	require.NoError(t, f.conductor.Offer(AddPublicationCommand{
		CorrelationID: 1, ClientID: 10,
		Channel: "aeron:udp?endpoint=127.0.0.1:45003", StreamID: 1001,
	}))
	_, err := f.conductor.DoWork(now)
	require.NoError(t, err)
	f.sender.drainCommands()
	require.Len(t, f.sender.publications, 1)
	pub := f.sender.publications[0]

	require.NoError(t, f.conductor.Offer(RemovePublicationCommand{
		CorrelationID:  2,
		ClientID:       10,
		RegistrationID: f.events[0].(PublicationReadyEvent).RegistrationID,
	}))
	_, err = f.conductor.DoWork(now)
	require.NoError(t, err)

	_, ok := f.lastEvent(t).(OperationSucceededEvent)
	require.True(t, ok)
	assert.True(t, pub.IsDraining())
	assert.Empty(t, f.conductor.publications)

	// The sender keeps the publication through the linger, then the timer
	// hands it back for closure.
	later := now.Add(f.conductor.cfg.Timeouts.PublicationLinger + 2*f.conductor.cfg.Timeouts.TimerInterval)
	_, err = f.conductor.DoWork(later)
	require.NoError(t, err)
	f.sender.drainCommands()

	assert.Empty(t, f.sender.publications)
	assert.True(t, pub.log.IsClosed())
}

func TestConductor_AddRemoveSubscription(t *testing.T) {
	f := newConductorFixture(t)
	now := time.Now()

	require.NoError(t, f.conductor.Offer(AddSubscriptionCommand{
		CorrelationID: 1, ClientID: 10,
		Channel: "aeron:udp?endpoint=127.0.0.1:0", StreamID: 1001,
	}))
	_, err := f.conductor.DoWork(now)
	require.NoError(t, err)

	ready, ok := f.lastEvent(t).(SubscriptionReadyEvent)
	require.True(t, ok)
	f.receiver.drainCommands()
	assert.Len(t, f.receiver.subscriptions, 1)
	assert.Len(t, f.conductor.recvEndpoints, 1)

	require.NoError(t, f.conductor.Offer(RemoveSubscriptionCommand{
		CorrelationID: 2, ClientID: 10, RegistrationID: ready.RegistrationID,
	}))
	_, err = f.conductor.DoWork(now)
	require.NoError(t, err)

	_, ok = f.lastEvent(t).(OperationSucceededEvent)
	assert.True(t, ok)
	f.receiver.drainCommands()
	assert.Empty(t, f.receiver.subscriptions)
	assert.Empty(t, f.conductor.recvEndpoints)
}

func TestConductor_SubscriptionsShareEndpoint(t *testing.T) {
	f := newConductorFixture(t)
	now := time.Now()

	// Both subscriptions use the same fixed port, so they must share one
	// bound socket.
	for i, streamID := range []int32{1001, 1002} {
		require.NoError(t, f.conductor.Offer(AddSubscriptionCommand{
			CorrelationID: int64(i + 1), ClientID: 10,
			Channel: "aeron:udp?endpoint=127.0.0.1:45004", StreamID: streamID,
		}))
	}
	_, err := f.conductor.DoWork(now)
	require.NoError(t, err)

	f.receiver.drainCommands()
	require.Len(t, f.receiver.subscriptions, 2)
	assert.Same(t, f.receiver.subscriptions[0].endpoint, f.receiver.subscriptions[1].endpoint)
	assert.Len(t, f.conductor.recvEndpoints, 1)
}

func TestConductor_ClientTimeoutReclaimsResources(t *testing.T) {
	f := newConductorFixture(t)
	now := time.Now()

	require.NoError(t, f.conductor.Offer(AddPublicationCommand{
		CorrelationID: 1, ClientID: 10,
		Channel: "aeron:udp?endpoint=127.0.0.1:45005", StreamID: 1001,
	}))
	require.NoError(t, f.conductor.Offer(AddSubscriptionCommand{
		CorrelationID: 2, ClientID: 10,
		Channel: "aeron:udp?endpoint=127.0.0.1:0", StreamID: 1001,
	}))
	_, err := f.conductor.DoWork(now)
	require.NoError(t, err)
	require.Len(t, f.conductor.publications, 1)
	require.Len(t, f.conductor.subscriptions, 1)

	// One keepalive inside the liveness window keeps everything alive.
	halfway := now.Add(f.conductor.cfg.Timeouts.ClientLiveness / 2)
	require.NoError(t, f.conductor.Offer(ClientKeepaliveCommand{ClientID: 10}))
	_, err = f.conductor.DoWork(halfway)
	require.NoError(t, err)
	assert.Len(t, f.conductor.publications, 1)

	// Silence past the liveness timeout reclaims the client's
	// publications and subscriptions on the next timer tick.
	expired := halfway.Add(f.conductor.cfg.Timeouts.ClientLiveness + f.conductor.cfg.Timeouts.TimerInterval)
	_, err = f.conductor.DoWork(expired)
	require.NoError(t, err)

	assert.Empty(t, f.conductor.publications)
	assert.Empty(t, f.conductor.subscriptions)
	assert.Empty(t, f.conductor.clients)

	var timedOut bool
	for _, e := range f.events {
		if timeout, ok := e.(ClientTimeoutEvent); ok {
			timedOut = true
			assert.Equal(t, int64(10), timeout.ClientID)
		}
	}
	assert.True(t, timedOut, "expected a ClientTimeoutEvent")

	f.receiver.drainCommands()
	assert.Empty(t, f.receiver.subscriptions)
}
