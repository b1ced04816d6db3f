package enrich

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Deferral reasons. A deferred source is skipped without an attempt or a
// dead letter entry and is picked up again on a later run.
const (
	deferIdempotent  = "idempotent"
	deferCircuitOpen = "circuit_open"
	deferQuota       = "quota"
	deferRateLimited = "rate_limited"
	deferDisabled    = "disabled"
)

const (
	searchLimit     = 10
	reviewCandidate = 3
)

// deferrals remembers sources that asked to be left alone for the rest of a
// batch.
type deferrals struct {
	mu  sync.Mutex
	set map[model.SourceID]bool
}

func newDeferrals() *deferrals {
	return &deferrals{set: make(map[model.SourceID]bool)}
}

func (d *deferrals) add(src model.SourceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set[src] = true
}

func (d *deferrals) has(src model.SourceID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set[src]
}

// outcome is what one source produced for one entity.
type outcome struct {
	Source    model.SourceID
	Canonical *source.Canonical
	// LinkedID is set when a search matched a record above the threshold.
	LinkedID string
	Review   *model.QuarantineEntry
	Deferred string
	Err      error
	Duration time.Duration
}

func (o outcome) attempted() bool {
	return o.Deferred == ""
}

// worker runs single entity/source lookups for both the enrichment job and
// the dead letter retry.
type worker struct {
	deps Deps
	log  *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

func newWorker(deps Deps, component string) *worker {
	return &worker{
		deps:    deps,
		log:     zap.L().With(zap.String("component", component)),
		nowFunc: time.Now,
	}
}

// fetch queries one source for e behind the breaker and the daily quota.
// Per-item failures are reported in the outcome; the returned error is fatal
// (store unreachable or ctx cancelled).
func (w *worker) fetch(ctx context.Context, e *model.Entity, src model.SourceID, def *deferrals) (outcome, error) {
	out := outcome{Source: src}

	adapter, ok := w.deps.Sources.Get(src)
	if !ok {
		out.Deferred = deferDisabled
		return out, nil
	}
	if def != nil && def.has(src) {
		return w.skip(out, deferRateLimited), nil
	}

	cb := w.deps.Breakers.Get(src)
	if !cb.CanExecute(ctx) {
		return w.skip(out, deferCircuitOpen), nil
	}
	if w.deps.Quota != nil {
		allowed, err := w.deps.Quota.Reserve(ctx, src)
		if err != nil {
			cb.Release()
			return out, err
		}
		if !allowed {
			cb.Release()
			return w.skip(out, deferQuota), nil
		}
	}

	start := time.Now()
	err := w.lookup(ctx, adapter, e, &out)
	out.Duration = time.Since(start)

	switch {
	case err == nil:
		cb.RecordSuccess(ctx)
	case ctx.Err() != nil:
		cb.Release()
		return out, ctx.Err()
	case resilience.IsRateLimited(err):
		cb.Release()
		if def != nil {
			def.add(src)
		}
		w.log.Info("source rate limited, deferring for the rest of the batch",
			zap.String("source", string(src)), zap.Error(err))
		return w.skip(out, deferRateLimited), nil
	case resilience.TripsBreaker(err):
		cb.RecordFailure(ctx)
	default:
		// The source answered; the payload was the problem.
		cb.RecordSuccess(ctx)
	}

	if err != nil {
		out.Err = err
		category := resilience.Classify(err)
		metrics.SourceErrors.WithLabelValues(string(src), string(category)).Inc()
		w.log.Warn("source lookup failed",
			zap.Int64("entity_id", e.ID),
			zap.String("source", string(src)),
			zap.String("category", string(category)),
			zap.Error(err),
		)
	}
	return out, nil
}

func (w *worker) skip(out outcome, reason string) outcome {
	out.Deferred = reason
	metrics.RecordDeferral(string(out.Source), reason)
	return out
}

// lookup fetches by linked external id, or searches and scores the results
// when the entity is not linked to src yet.
func (w *worker) lookup(ctx context.Context, a source.Adapter, e *model.Entity, out *outcome) error {
	if ext := e.ExternalIDs[a.ID()]; ext != "" {
		rec, err := a.FetchByID(ctx, ext)
		if err != nil || rec == nil {
			return err
		}
		c := w.normalize(a, rec)
		out.Canonical = &c
		return nil
	}

	res, err := a.FetchPage(ctx, "", filtersFor(e))
	if err != nil {
		return err
	}
	cands := make([]source.Canonical, 0, len(res.Records))
	for i := range res.Records {
		cands = append(cands, w.normalize(a, &res.Records[i]))
	}

	best, ok := w.deps.Matcher.Best(e, cands)
	if !ok || best.Score <= 0 {
		return nil
	}
	if w.deps.Matcher.Accepted(best.Score) {
		c := best.Canonical
		out.Canonical = &c
		out.LinkedID = c.ExternalID
		return nil
	}
	out.Review = w.matchReview(e, cands)
	return nil
}

func (w *worker) normalize(a source.Adapter, rec *source.Record) source.Canonical {
	c := a.Normalize(rec)
	if c.FetchedAt.IsZero() {
		c.FetchedAt = w.nowFunc().UTC()
	}
	return c
}

// matchReview queues the best scoring search results for an operator to link.
func (w *worker) matchReview(e *model.Entity, cands []source.Canonical) *model.QuarantineEntry {
	type scored struct {
		c     source.Canonical
		score float64
	}
	ranked := make([]scored, 0, len(cands))
	for _, c := range cands {
		ranked = append(ranked, scored{c: c, score: w.deps.Matcher.Score(e, c)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > reviewCandidate {
		ranked = ranked[:reviewCandidate]
	}

	entry := &model.QuarantineEntry{
		EntityID:  e.ID,
		Field:     model.FieldExternalID,
		Reason:    model.ReasonMatchReview,
		Score:     ranked[0].score,
		Status:    model.QuarantinePending,
		CreatedAt: w.nowFunc().UTC(),
	}
	for _, r := range ranked {
		entry.Candidates = append(entry.Candidates, model.Candidate{
			Value: r.c.ExternalID,
			Provenance: model.Provenance{
				Source:     r.c.Source,
				FetchedAt:  r.c.FetchedAt,
				Confidence: r.score,
			},
		})
	}
	return entry
}

// assemble merges the per-source outcomes of e into one result. Failed
// sources contribute a failed attempt; dead lettering is up to the caller.
func (w *worker) assemble(e *model.Entity, outs []outcome, jobName string) store.EntityResult {
	res := store.EntityResult{EntityID: e.ID}
	now := w.nowFunc().UTC()

	var found []source.Canonical
	for _, o := range outs {
		if !o.attempted() {
			continue
		}
		attempt := model.EnrichmentAttempt{
			EntityID:    e.ID,
			Source:      o.Source,
			JobName:     jobName,
			DurationMS:  o.Duration.Milliseconds(),
			AttemptedAt: now,
		}
		switch {
		case o.Err != nil:
			attempt.Status = model.AttemptFailed
			attempt.Error = o.Err.Error()
		case o.Canonical != nil:
			attempt.Status = model.AttemptOK
			found = append(found, *o.Canonical)
			if res.Synced == nil {
				res.Synced = make(map[model.SourceID]time.Time)
			}
			res.Synced[o.Source] = o.Canonical.FetchedAt
		default:
			attempt.Status = model.AttemptNotFound
			if o.Review != nil {
				attempt.Error = fmt.Sprintf("match below threshold (%.2f)", o.Review.Score)
			}
		}
		res.Attempts = append(res.Attempts, attempt)

		if o.LinkedID != "" {
			if res.ExternalIDs == nil {
				res.ExternalIDs = make(map[model.SourceID]string)
			}
			res.ExternalIDs[o.Source] = o.LinkedID
		}
		if o.Review != nil {
			res.Quarantine = append(res.Quarantine, *o.Review)
		}
	}

	if len(found) > 0 {
		merged := w.deps.Resolver.Merge(e, found)
		res.Fields = merged.Writes
		res.Quarantine = append(res.Quarantine, merged.Quarantine...)
	}
	for _, q := range res.Quarantine {
		metrics.QuarantineEvents.WithLabelValues(string(q.Reason), "created").Inc()
	}
	return res
}

// catch turns a panic in a worker goroutine into an error for the group.
func catch(what string, err *error) {
	if r := recover(); r != nil {
		*err = eris.Errorf("enrich: %s panicked: %v", what, r)
	}
}

func filtersFor(e *model.Entity) source.Filters {
	year, _ := strconv.Atoi(e.Value(model.FieldReleaseYear))
	return source.Filters{
		Title:       e.Value(model.FieldTitle),
		Series:      e.Value(model.FieldSeries),
		IssueNumber: e.Value(model.FieldIssueNumber),
		Publisher:   e.Value(model.FieldPublisher),
		ReleaseYear: year,
		UPC:         e.UPC,
		Limit:       searchLimit,
	}
}
