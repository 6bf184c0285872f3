package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_HeartbeatStaleness(t *testing.T) {
	m := NewMonitor()
	now := time.Now()

	m.Beat("sender", now)
	m.Beat("receiver", now.Add(-3*time.Second))
	m.Beat("conductor", now.Add(-10*time.Second))

	m.CheckHeartbeats(4*time.Second, now)

	sender, ok := m.Get("sender")
	require.True(t, ok)
	assert.True(t, sender.IsHealthy())

	receiver, ok := m.Get("receiver")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, receiver.Status)

	conductor, ok := m.Get("conductor")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, conductor.Status)
}

func TestMonitor_AggregateWorstWins(t *testing.T) {
	m := NewMonitor()
	m.Update("sender", NewHealthy("sender", ""))
	m.Update("receiver", NewDegraded("receiver", "behind"))

	agg := m.AggregateHealth("driver")
	assert.Equal(t, StatusDegraded, agg.Status)
	assert.False(t, agg.Healthy)

	m.Update("conductor", NewUnhealthy("conductor", "stalled"))
	agg = m.AggregateHealth("driver")
	assert.Equal(t, StatusUnhealthy, agg.Status)
	assert.Contains(t, agg.Message, "conductor")
	assert.Len(t, agg.SubStatuses, 3)
}

func TestMonitor_Remove(t *testing.T) {
	m := NewMonitor()
	m.Beat("sender", time.Now())
	m.CheckHeartbeats(time.Second, time.Now())
	require.Equal(t, 1, m.Count())

	m.Remove("sender")
	assert.Equal(t, 0, m.Count())
	_, ok := m.Get("sender")
	assert.False(t, ok)
}
