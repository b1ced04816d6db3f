package model

import (
	"encoding/json"
	"time"
)

// DLQStatus is the lifecycle state of a dead letter entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQRetrying  DLQStatus = "retrying"
	DLQResolved  DLQStatus = "resolved"
	DLQAbandoned DLQStatus = "abandoned"
)

// ErrorCategory classifies why an item failed.
type ErrorCategory string

const (
	ErrorTransient   ErrorCategory = "transient"
	ErrorRateLimited ErrorCategory = "rate_limited"
	ErrorBadData     ErrorCategory = "bad_data"
	ErrorNotFound    ErrorCategory = "not_found"
	ErrorPermanent   ErrorCategory = "permanent"
)

// DLQEntry is an item-level failure awaiting retry or review.
type DLQEntry struct {
	ID            string          `json:"id"`
	EntityID      int64           `json:"entity_id"`
	Source        SourceID        `json:"source"`
	JobName       string          `json:"job_name"`
	ErrorCategory ErrorCategory   `json:"error_category"`
	Error         string          `json:"error"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        DLQStatus       `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// CanRetry returns true if this entry hasn't exhausted its retries.
func (e *DLQEntry) CanRetry() bool {
	return e.Status == DLQPending && e.RetryCount < e.MaxRetries
}

// DLQFilter specifies criteria for listing dead letter entries.
type DLQFilter struct {
	Status   DLQStatus `json:"status,omitempty"`
	Source   SourceID  `json:"source,omitempty"`
	EntityID int64     `json:"entity_id,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}
