package model

import "time"

// AttemptStatus is the outcome of one adapter call for an entity.
type AttemptStatus string

const (
	AttemptOK       AttemptStatus = "ok"
	AttemptFailed   AttemptStatus = "failed"
	AttemptNotFound AttemptStatus = "not_found"
)

// EnrichmentAttempt is an append-only log row of one entity/source call.
type EnrichmentAttempt struct {
	EntityID    int64         `json:"entity_id"`
	Source      SourceID      `json:"source"`
	JobName     string        `json:"job_name"`
	Status      AttemptStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	DurationMS  int64         `json:"duration_ms"`
	AttemptedAt time.Time     `json:"attempted_at"`
}
