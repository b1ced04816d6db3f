package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/merge"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// CleanupJobName is the lock name of the quarantine cleanup.
const CleanupJobName = "quarantine_cleanup"

// ErrNoSuchCandidate is returned when a match review is resolved with an
// external id that none of its candidates carry.
var ErrNoSuchCandidate = eris.New("enrich: value is not one of the candidates")

// CleanupStats summarizes one AutoResolve pass.
type CleanupStats struct {
	Scanned  int `json:"scanned"`
	Resolved int `json:"resolved"`
	Linked   int `json:"linked"`
}

// Cleaner closes quarantine entries, automatically once they age out or on
// an operator's decision.
type Cleaner struct {
	store store.Store
	auto  merge.AutoResolver
	batch int
	log   *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCleaner creates a Cleaner from the merge settings.
func NewCleaner(st store.Store, cfg config.MergeConfig) *Cleaner {
	days := cfg.AutoResolveAfterDays
	if days <= 0 {
		days = 30
	}
	batch := cfg.CleanupBatch
	if batch <= 0 {
		batch = 500
	}
	return &Cleaner{
		store: st,
		auto: merge.AutoResolver{
			After:    time.Duration(days) * 24 * time.Hour,
			MinScore: cfg.BulkApproveScore,
		},
		batch:   batch,
		log:     zap.L().With(zap.String("component", "quarantine")),
		nowFunc: time.Now,
	}
}

// AutoResolve closes aged pending entries whose score clears the bulk
// approval bar, applying the top-ranked candidate.
func (c *Cleaner) AutoResolve(ctx context.Context) (CleanupStats, error) {
	now := c.nowFunc().UTC()
	entries, err := c.store.ListQuarantine(ctx, model.QuarantineFilter{
		Status:        model.QuarantinePending,
		CreatedBefore: now.Add(-c.auto.After),
		MinScore:      c.auto.MinScore,
		Limit:         c.batch,
	})
	if err != nil {
		return CleanupStats{}, eris.Wrap(err, "enrich: list aged quarantine")
	}

	stats := CleanupStats{Scanned: len(entries)}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !c.auto.Eligible(e, now) {
			continue
		}
		res := c.auto.Resolution(e, now)
		linked, err := c.close(ctx, e, res)
		if errors.Is(err, store.ErrNotPending) {
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.Resolved++
		if linked {
			stats.Linked++
		}
	}

	c.log.Info("quarantine auto-resolve complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("resolved", stats.Resolved),
		zap.Int("linked", stats.Linked),
	)
	return stats, nil
}

// Resolve closes a pending entry with an operator's chosen value. Field
// values are written with manual provenance so enrichment leaves them alone;
// match reviews link the chosen candidate's external id.
func (c *Cleaner) Resolve(ctx context.Context, id, value, by string) (*model.QuarantineEntry, error) {
	e, err := c.store.GetQuarantine(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: get quarantine %s", id)
	}
	if e.Status != model.QuarantinePending {
		return nil, eris.Wrapf(store.ErrNotPending, "enrich: resolve quarantine %s", id)
	}

	res := store.QuarantineResolution{
		ID:          id,
		Status:      model.QuarantineResolved,
		ChosenValue: value,
		Source:      model.SourceManual,
		Confidence:  1,
		ResolvedBy:  by,
		Reason:      model.ChangeManual,
		Apply:       e.Reason != model.ReasonMatchReview,
		Now:         c.nowFunc().UTC(),
	}
	if e.Reason == model.ReasonMatchReview {
		cand, ok := candidateWith(e.Candidates, value)
		if !ok {
			return nil, eris.Wrapf(ErrNoSuchCandidate, "enrich: resolve quarantine %s", id)
		}
		res.Source = cand.Provenance.Source
	}

	if _, err := c.close(ctx, *e, res); err != nil {
		return nil, err
	}
	return c.store.GetQuarantine(ctx, id)
}

// close resolves the entry and, for match reviews, links the chosen id.
func (c *Cleaner) close(ctx context.Context, e model.QuarantineEntry, res store.QuarantineResolution) (bool, error) {
	if err := c.store.ResolveQuarantine(ctx, res); err != nil {
		return false, eris.Wrapf(err, "enrich: resolve quarantine %s", e.ID)
	}
	metrics.QuarantineEvents.WithLabelValues(string(e.Reason), string(res.Status)).Inc()

	if e.Reason != model.ReasonMatchReview {
		return false, nil
	}
	if _, err := c.store.CommitResults(ctx, store.CommitBatch{
		JobName: CleanupJobName,
		Results: []store.EntityResult{{
			EntityID:    e.EntityID,
			ExternalIDs: map[model.SourceID]string{res.Source: res.ChosenValue},
		}},
	}); err != nil {
		return false, eris.Wrapf(err, "enrich: link entity %d", e.EntityID)
	}
	c.log.Info("linked entity from match review",
		zap.Int64("entity_id", e.EntityID),
		zap.String("source", string(res.Source)),
		zap.String("external_id", res.ChosenValue),
	)
	return true, nil
}

func candidateWith(cands []model.Candidate, value string) (model.Candidate, bool) {
	for _, c := range cands {
		if c.Value == value {
			return c, true
		}
	}
	return model.Candidate{}, false
}
