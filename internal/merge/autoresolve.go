package merge

import (
	"time"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// AutoResolver decides which aged quarantine entries can be closed without
// an operator.
type AutoResolver struct {
	After    time.Duration
	MinScore float64
}

// Eligible reports whether e is pending, older than After and scored at
// least MinScore. Out-of-range entries are never auto-resolved.
func (a AutoResolver) Eligible(e model.QuarantineEntry, now time.Time) bool {
	if e.Status != model.QuarantinePending || e.Reason == model.ReasonOutOfRange {
		return false
	}
	if len(e.Candidates) == 0 {
		return false
	}
	return now.Sub(e.CreatedAt) >= a.After && e.Score >= a.MinScore
}

// Resolution closes e as auto_resolved, applying its top-ranked candidate
// with the candidate's own fetch time, so newer or manual values stay.
// Match review entries are not field values: the caller links the chosen
// external id instead.
func (a AutoResolver) Resolution(e model.QuarantineEntry, now time.Time) store.QuarantineResolution {
	top := e.Candidates[0]
	return store.QuarantineResolution{
		ID:          e.ID,
		Status:      model.QuarantineAutoResolved,
		ChosenValue: top.Value,
		Source:      top.Provenance.Source,
		Confidence:  top.Provenance.Confidence,
		ResolvedBy:  "auto",
		Reason:      model.ChangeAutoResolved,
		Apply:       e.Reason != model.ReasonMatchReview,
		FetchedAt:   top.Provenance.FetchedAt,
		Now:         now,
	}
}
