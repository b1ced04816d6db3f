package model

import "time"

// QuarantineReason explains why values were held for review.
type QuarantineReason string

const (
	ReasonConflictingSources QuarantineReason = "conflicting_sources"
	ReasonLowConfidence      QuarantineReason = "low_confidence"
	ReasonOutOfRange         QuarantineReason = "out_of_range"
	ReasonMatchReview        QuarantineReason = "match_review"
)

// QuarantineStatus is the review state of a quarantine entry.
type QuarantineStatus string

const (
	QuarantinePending      QuarantineStatus = "pending"
	QuarantineResolved     QuarantineStatus = "resolved"
	QuarantineAutoResolved QuarantineStatus = "auto_resolved"
)

// Candidate is one source's proposed value for a field.
type Candidate struct {
	Value      string     `json:"value"`
	Provenance Provenance `json:"provenance"`
}

// QuarantineEntry holds competing or suspicious values for manual review.
// Candidates are ordered best first.
type QuarantineEntry struct {
	ID          string           `json:"id"`
	EntityID    int64            `json:"entity_id"`
	Field       Field            `json:"field"`
	Candidates  []Candidate      `json:"candidates"`
	Reason      QuarantineReason `json:"reason"`
	Score       float64          `json:"score"`
	Status      QuarantineStatus `json:"status"`
	ChosenValue string           `json:"chosen_value,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// QuarantineFilter specifies criteria for listing quarantine entries.
type QuarantineFilter struct {
	Status        QuarantineStatus `json:"status,omitempty"`
	Reason        QuarantineReason `json:"reason,omitempty"`
	EntityID      int64            `json:"entity_id,omitempty"`
	CreatedBefore time.Time        `json:"created_before,omitempty"`
	MinScore      float64          `json:"min_score,omitempty"`
	Limit         int              `json:"limit,omitempty"`
}
