package model

import "time"

// ChangeReason records which rule produced a field change.
type ChangeReason string

const (
	ChangeAgreement    ChangeReason = "agreement"
	ChangePriority     ChangeReason = "priority"
	ChangeSingleSource ChangeReason = "single_source"
	ChangeManual       ChangeReason = "manual"
	ChangeAutoResolved ChangeReason = "auto_resolved"
	ChangeDLQRetry     ChangeReason = "dlq_retry"
)

// FieldChange is an immutable audit record of one field value change.
type FieldChange struct {
	ID        int64        `json:"id"`
	EntityID  int64        `json:"entity_id"`
	Field     Field        `json:"field"`
	OldValue  string       `json:"old_value"`
	NewValue  string       `json:"new_value"`
	Source    SourceID     `json:"source"`
	Reason    ChangeReason `json:"reason"`
	JobName   string       `json:"job_name,omitempty"`
	SyncCycle int64        `json:"sync_cycle"`
	CreatedAt time.Time    `json:"created_at"`
}
