package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediadriver/config"
	"github.com/c360/mediadriver/driver"
	"github.com/c360/mediadriver/errors"
)

type fakeSink struct {
	commands []driver.Command
	failures int // queue-full rejections before accepting
}

func (s *fakeSink) Offer(cmd driver.Command) error {
	if s.failures > 0 {
		s.failures--
		return errors.ErrCommandQueueFull
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func TestNewBridge_RequiresSink(t *testing.T) {
	_, err := NewBridge(config.ControlConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	body := func(v any) []byte {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name    string
		subject string
		data    []byte
		want    driver.Command
	}{
		{
			name:    "add publication",
			subject: "mediadriver.cmd.add_publication",
			data: body(commandEnvelope{
				CorrelationID: 1, ClientID: 10,
				Channel: "aeron:udp?endpoint=127.0.0.1:40123", StreamID: 1001,
			}),
			want: driver.AddPublicationCommand{
				CorrelationID: 1, ClientID: 10,
				Channel: "aeron:udp?endpoint=127.0.0.1:40123", StreamID: 1001,
			},
		},
		{
			name:    "remove publication",
			subject: "mediadriver.cmd.remove_publication",
			data:    body(commandEnvelope{CorrelationID: 2, ClientID: 10, RegistrationID: 7}),
			want:    driver.RemovePublicationCommand{CorrelationID: 2, ClientID: 10, RegistrationID: 7},
		},
		{
			name:    "add subscription",
			subject: "mediadriver.cmd.add_subscription",
			data: body(commandEnvelope{
				CorrelationID: 3, ClientID: 11,
				Channel: "aeron:udp?endpoint=224.0.1.1:40456", StreamID: 2002,
			}),
			want: driver.AddSubscriptionCommand{
				CorrelationID: 3, ClientID: 11,
				Channel: "aeron:udp?endpoint=224.0.1.1:40456", StreamID: 2002,
			},
		},
		{
			name:    "remove subscription",
			subject: "mediadriver.cmd.remove_subscription",
			data:    body(commandEnvelope{CorrelationID: 4, ClientID: 11, RegistrationID: 8}),
			want:    driver.RemoveSubscriptionCommand{CorrelationID: 4, ClientID: 11, RegistrationID: 8},
		},
		{
			name:    "keepalive",
			subject: "mediadriver.cmd.keepalive",
			data:    body(commandEnvelope{ClientID: 12}),
			want:    driver.ClientKeepaliveCommand{ClientID: 12},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeCommand(tt.subject, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCommand_Rejects(t *testing.T) {
	_, err := decodeCommand("mediadriver.cmd.add_publication", []byte("{not json"))
	assert.Error(t, err)

	_, err = decodeCommand("mediadriver.cmd.frobnicate", []byte("{}"))
	assert.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	subject, env := encodeEvent("mediadriver", driver.PublicationReadyEvent{
		CorrelationID:  1,
		RegistrationID: 5,
		SessionID:      9,
		StreamID:       1001,
		Channel:        "aeron:udp?endpoint=127.0.0.1:40123",
	})
	assert.Equal(t, "mediadriver.events.publication_ready", subject)
	assert.Equal(t, "publication_ready", env.Type)
	assert.Equal(t, int64(5), env.RegistrationID)
	assert.Equal(t, int32(9), env.SessionID)

	subject, env = encodeEvent("mediadriver", driver.ErrorEvent{CorrelationID: 2, Message: "boom"})
	assert.Equal(t, "mediadriver.events.error", subject)
	assert.Equal(t, "boom", env.Message)

	subject, env = encodeEvent("mediadriver", driver.ClientTimeoutEvent{ClientID: 12})
	assert.Equal(t, "mediadriver.events.client_timeout", subject)
	assert.Equal(t, int64(12), env.ClientID)

	subject, _ = encodeEvent("mediadriver", driver.OperationSucceededEvent{CorrelationID: 3})
	assert.Equal(t, "mediadriver.events.operation_succeeded", subject)

	subject, _ = encodeEvent("mediadriver", driver.SubscriptionReadyEvent{CorrelationID: 4, RegistrationID: 6})
	assert.Equal(t, "mediadriver.events.subscription_ready", subject)
}

func TestBridge_OfferRetriesOnFullQueue(t *testing.T) {
	sink := &fakeSink{failures: 2}
	b, err := NewBridge(config.ControlConfig{SubjectPrefix: "mediadriver"}, sink, nil)
	require.NoError(t, err)

	b.offer(driver.ClientKeepaliveCommand{ClientID: 1})
	require.Len(t, sink.commands, 1)
	assert.Equal(t, driver.ClientKeepaliveCommand{ClientID: 1}, sink.commands[0])
}

func TestBridge_OfferDropsAfterExhaustedRetries(t *testing.T) {
	sink := &fakeSink{failures: 100}
	b, err := NewBridge(config.ControlConfig{SubjectPrefix: "mediadriver"}, sink, nil)
	require.NoError(t, err)

	b.offer(driver.ClientKeepaliveCommand{ClientID: 1})
	assert.Empty(t, sink.commands)
}
