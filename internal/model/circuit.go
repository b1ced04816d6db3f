package model

import "time"

// CircuitSnapshot is the persisted state of one source's circuit breaker.
type CircuitSnapshot struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}
