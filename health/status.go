// Package health tracks the liveness of the driver's duty-cycle agents
// and aggregates their states into a single driver status.
package health

import (
	"time"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the health state of one agent or of the whole driver.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status: alive but behind.
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StatusHealthy }

// Aggregate folds component statuses into one: any unhealthy component
// makes the whole unhealthy; any degraded one degrades it.
func Aggregate(component string, subStatuses []Status) Status {
	agg := Status{
		Component:   component,
		Healthy:     true,
		Status:      StatusHealthy,
		Timestamp:   time.Now(),
		SubStatuses: subStatuses,
	}

	for _, s := range subStatuses {
		switch s.Status {
		case StatusUnhealthy:
			agg.Healthy = false
			agg.Status = StatusUnhealthy
			agg.Message = s.Component + ": " + s.Message
			return agg
		case StatusDegraded:
			agg.Healthy = false
			agg.Status = StatusDegraded
			agg.Message = s.Component + ": " + s.Message
		}
	}
	return agg
}
