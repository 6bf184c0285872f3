package health

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks agent heartbeats and derived statuses. Agents call
// Beat from their duty cycles; anyone may read the aggregated state.
type Monitor struct {
	mu         sync.RWMutex
	statuses   map[string]Status
	heartbeats map[string]time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses:   make(map[string]Status),
		heartbeats: make(map[string]time.Time),
	}
}

// Beat records that the named agent completed a duty cycle.
func (m *Monitor) Beat(name string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[name] = now
}

// Update sets an explicit status for a component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get retrieves the status for a component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// Remove drops a component from monitoring.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.heartbeats, name)
}

// CheckHeartbeats derives per-agent statuses from heartbeat staleness: an
// agent silent beyond maxAge is unhealthy, beyond maxAge/2 degraded.
func (m *Monitor) CheckHeartbeats(maxAge time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, last := range m.heartbeats {
		silence := now.Sub(last)
		var status Status
		switch {
		case silence > maxAge:
			status = NewUnhealthy(name, fmt.Sprintf("no duty cycle for %s", silence.Round(time.Millisecond)))
		case silence > maxAge/2:
			status = NewDegraded(name, fmt.Sprintf("slow duty cycle: %s", silence.Round(time.Millisecond)))
		default:
			status = NewHealthy(name, "")
		}
		status.Component = name
		m.statuses[name] = status
	}
}

// AggregateHealth returns the driver-wide status.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	return Aggregate(systemName, subStatuses)
}

// Count returns the number of monitored components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
