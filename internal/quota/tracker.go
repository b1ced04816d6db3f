// Package quota tracks per-source daily request budgets on top of the store's
// single-row conditional updates.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Tracker reserves requests against each source's daily limit. It is shared
// by every job; all state lives in the store.
type Tracker struct {
	store  store.QuotaStore
	limits map[model.SourceID]int
	log    *zap.Logger

	mu      sync.Mutex
	lastDay map[model.SourceID]string

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Tracker for the given daily limits.
func New(st store.QuotaStore, limits map[model.SourceID]int) *Tracker {
	return &Tracker{
		store:   st,
		limits:  limits,
		log:     zap.L().With(zap.String("component", "quota")),
		lastDay: make(map[model.SourceID]string),
		nowFunc: time.Now,
	}
}

// Init writes the configured limits so reservations have a row to update.
func (t *Tracker) Init(ctx context.Context) error {
	for src, limit := range t.limits {
		if err := t.store.EnsureQuota(ctx, src, limit); err != nil {
			return eris.Wrapf(err, "quota: init %s", src)
		}
	}
	return nil
}

// Reserve consumes one request for source. It returns false when today's
// budget is spent or the source has no quota row.
func (t *Tracker) Reserve(ctx context.Context, source model.SourceID) (bool, error) {
	now := t.nowFunc().UTC()
	ok, err := t.store.ReserveQuota(ctx, source, now)
	if err != nil {
		return false, eris.Wrapf(err, "quota: reserve %s", source)
	}
	t.noteDay(source, now)
	if !ok {
		t.log.Debug("quota exhausted", zap.String("source", string(source)), zap.String("day", model.UTCDay(now)))
	}
	return ok, nil
}

// ResetIfNewDay zeroes the counter when the stored day is not today (UTC).
func (t *Tracker) ResetIfNewDay(ctx context.Context, source model.SourceID) (bool, error) {
	now := t.nowFunc().UTC()
	reset, err := t.store.ResetQuotaIfNewDay(ctx, source, now)
	if err != nil {
		return false, eris.Wrapf(err, "quota: reset %s", source)
	}
	if reset {
		t.log.Info("quota reset for new day", zap.String("source", string(source)), zap.String("day", model.UTCDay(now)))
	}
	t.noteDay(source, now)
	return reset, nil
}

// ResetAll runs ResetIfNewDay for every configured source.
func (t *Tracker) ResetAll(ctx context.Context) error {
	for src := range t.limits {
		if _, err := t.ResetIfNewDay(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the stored quota rows.
func (t *Tracker) Snapshot(ctx context.Context) ([]model.SourceQuota, error) {
	quotas, err := t.store.ListQuotas(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "quota: snapshot")
	}
	return quotas, nil
}

// Remaining returns how many requests source has left today.
func (t *Tracker) Remaining(ctx context.Context, source model.SourceID) (int, error) {
	q, err := t.store.GetQuota(ctx, source)
	if err != nil {
		return 0, eris.Wrapf(err, "quota: remaining %s", source)
	}
	return q.Remaining(model.UTCDay(t.nowFunc())), nil
}

func (t *Tracker) noteDay(source model.SourceID, now time.Time) {
	day := model.UTCDay(now)
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.lastDay[source]; ok && prev != day {
		t.log.Info("quota day rolled over",
			zap.String("source", string(source)),
			zap.String("from", prev),
			zap.String("to", day),
		)
	}
	t.lastDay[source] = day
}
