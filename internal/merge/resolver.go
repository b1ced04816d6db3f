package merge

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Resolver applies Rules to the candidates gathered for one entity.
type Resolver struct {
	rules   Rules
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(rules Rules) *Resolver {
	return &Resolver{
		rules:   rules,
		log:     zap.L().With(zap.String("component", "merge")),
		nowFunc: time.Now,
	}
}

// Rules returns the rules in effect.
func (r *Resolver) Rules() Rules { return r.rules }

// FieldDecision is the outcome for one field.
type FieldDecision struct {
	Field  model.Field
	Winner *model.Candidate
	Reason model.ChangeReason
	// Write is nil when the stored value stays as it is.
	Write      *store.FieldWrite
	Quarantine []model.QuarantineEntry
}

// Outcome is everything a merge produced for one entity.
type Outcome struct {
	Writes     []store.FieldWrite
	Quarantine []model.QuarantineEntry
}

// Merge resolves every canonical field reported by at least one source.
func (r *Resolver) Merge(e *model.Entity, results []source.Canonical) Outcome {
	byField := make(map[model.Field][]model.Candidate)
	for _, c := range results {
		for _, f := range model.CanonicalFields() {
			if cand, ok := c.Candidate(f); ok {
				byField[f] = append(byField[f], cand)
			}
		}
	}

	var out Outcome
	for _, f := range model.CanonicalFields() {
		cands := byField[f]
		if len(cands) == 0 {
			continue
		}
		d := r.ResolveField(e, f, cands)
		if d.Write != nil {
			out.Writes = append(out.Writes, *d.Write)
		}
		out.Quarantine = append(out.Quarantine, d.Quarantine...)
	}
	return out
}

// ResolveField picks the accepted value for f. The best candidate is always
// accepted unless the stored value is operator-pinned or newer; conflicts and
// low confidence are flagged for review alongside.
func (r *Resolver) ResolveField(e *model.Entity, f model.Field, cands []model.Candidate) FieldDecision {
	now := r.nowFunc().UTC()
	fr := r.rules.field(f)
	d := FieldDecision{Field: f}

	stored, hasStored := e.Stored(f)
	if hasStored && stored.Provenance.Source == model.SourceManual {
		return d
	}

	valid := make([]model.Candidate, 0, len(cands))
	for _, c := range cands {
		if msg := r.rules.Bounds.Check(f, c.Value, now); msg != "" {
			r.log.Debug("merge: value out of range",
				zap.Int64("entity_id", e.ID),
				zap.String("field", string(f)),
				zap.String("source", string(c.Provenance.Source)),
				zap.String("problem", msg),
			)
			d.Quarantine = append(d.Quarantine, newEntry(e.ID, f, []model.Candidate{c}, model.ReasonOutOfRange, 0, now))
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return d
	}

	ranked := Rank(valid, fr.SourcePriority)
	winner := ranked[0]
	d.Winner = &winner

	var agreeConf, totalConf float64
	losers := 0
	for _, c := range ranked {
		totalConf += c.Provenance.Confidence
		if Agree(f, winner.Value, c.Value, fr.Tolerance) {
			agreeConf += c.Provenance.Confidence
		} else {
			losers++
		}
	}

	switch {
	case len(ranked) == 1:
		d.Reason = model.ChangeSingleSource
	case losers == 0:
		d.Reason = model.ChangeAgreement
	default:
		d.Reason = model.ChangePriority
		score := 0.0
		if totalConf > 0 {
			score = agreeConf / totalConf
		}
		d.Quarantine = append(d.Quarantine, newEntry(e.ID, f, ranked, model.ReasonConflictingSources, score, now))
	}

	for _, c := range ranked {
		if c.Provenance.Confidence < fr.ConfidenceThreshold {
			d.Quarantine = append(d.Quarantine, newEntry(e.ID, f, ranked, model.ReasonLowConfidence, winner.Provenance.Confidence, now))
			break
		}
	}

	if hasStored {
		if stored.Provenance.FetchedAt.After(winner.Provenance.FetchedAt) {
			return d
		}
		if stored.Value == winner.Value {
			return d
		}
	}

	d.Write = &store.FieldWrite{
		Field: f,
		Value: model.FieldValue{Value: winner.Value, Provenance: winner.Provenance},
		Change: &model.FieldChange{
			EntityID: e.ID,
			Field:    f,
			OldValue: stored.Value,
			NewValue: winner.Value,
			Source:   winner.Provenance.Source,
			Reason:   d.Reason,
		},
	}
	return d
}

// Rank orders candidates best first: by position in priority (unlisted
// sources last), then most recent fetch, then source id.
func Rank(cands []model.Candidate, priority []model.SourceID) []model.Candidate {
	pos := make(map[model.SourceID]int, len(priority))
	for i, s := range priority {
		pos[s] = i
	}
	rankOf := func(s model.SourceID) int {
		if p, ok := pos[s]; ok {
			return p
		}
		return len(priority)
	}

	out := make([]model.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Provenance, out[j].Provenance
		if ra, rb := rankOf(a.Source), rankOf(b.Source); ra != rb {
			return ra < rb
		}
		if !a.FetchedAt.Equal(b.FetchedAt) {
			return a.FetchedAt.After(b.FetchedAt)
		}
		return a.Source < b.Source
	})
	return out
}

func newEntry(entityID int64, f model.Field, cands []model.Candidate, reason model.QuarantineReason, score float64, now time.Time) model.QuarantineEntry {
	cs := make([]model.Candidate, len(cands))
	copy(cs, cands)
	return model.QuarantineEntry{
		EntityID:   entityID,
		Field:      f,
		Candidates: cs,
		Reason:     reason,
		Score:      score,
		Status:     model.QuarantinePending,
		CreatedAt:  now,
	}
}
