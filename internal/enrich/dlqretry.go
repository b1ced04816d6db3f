package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// DLQJobName is the checkpoint and lock name of the retry job.
const DLQJobName = "dlq_retry"

// RetryStats summarizes one RetryPending pass.
type RetryStats struct {
	Claimed   int `json:"claimed"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Deferred  int `json:"deferred"`
}

// Retrier re-runs dead lettered entity/source lookups.
type Retrier struct {
	w           *worker
	batch       int
	baseBackoff time.Duration
	workers     int
	log         *zap.Logger
}

// NewRetrier creates a Retrier.
func NewRetrier(deps Deps, cfg config.DLQConfig) *Retrier {
	r := &Retrier{
		w:           newWorker(deps, "dlq"),
		batch:       cfg.RetryBatch,
		baseBackoff: time.Duration(cfg.BaseBackoffSecs) * time.Second,
		workers:     5,
		log:         zap.L().With(zap.String("component", "dlq")),
	}
	if r.batch <= 0 {
		r.batch = 100
	}
	if r.baseBackoff <= 0 {
		r.baseBackoff = 5 * time.Minute
	}
	return r
}

type retryResult int

const (
	retryResolved retryResult = iota
	retryFailed
	retryAbandoned
	retryDeferred
)

// RetryPending claims up to limit due entries (the configured retry batch
// when limit is 0) and retries each one. A retry deferred by an open circuit,
// exhausted quota or rate limit does not count against the entry.
func (r *Retrier) RetryPending(ctx context.Context, limit int) (RetryStats, error) {
	if limit <= 0 {
		limit = r.batch
	}
	st := r.w.deps.Store

	entries, err := st.ClaimDLQ(ctx, r.w.nowFunc(), limit)
	if err != nil {
		return RetryStats{}, eris.Wrap(err, "enrich: claim dlq")
	}
	stats := RetryStats{Claimed: len(entries)}
	if len(entries) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	def := newDeferrals()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range entries {
		g.Go(func() (err error) {
			defer catch("dlq entry "+entries[i].ID, &err)
			res, err := r.retryOne(gctx, &entries[i], def)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case retryResolved:
				stats.Resolved++
			case retryFailed:
				stats.Failed++
			case retryAbandoned:
				stats.Abandoned++
			case retryDeferred:
				stats.Deferred++
			}
			return nil
		})
	}
	runErr := g.Wait()

	// Deferred and interrupted entries are still marked retrying.
	if stats.Deferred > 0 || runErr != nil {
		resetCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		if _, err := st.ResetRetryingDLQ(resetCtx); err != nil {
			r.log.Error("failed to return deferred entries to pending", zap.Error(err))
		}
	}
	if runErr != nil {
		return stats, eris.Wrap(runErr, "enrich: retry dlq")
	}

	r.log.Info("dlq retry pass complete",
		zap.Int("claimed", stats.Claimed),
		zap.Int("resolved", stats.Resolved),
		zap.Int("failed", stats.Failed),
		zap.Int("abandoned", stats.Abandoned),
		zap.Int("deferred", stats.Deferred),
	)
	return stats, nil
}

func (r *Retrier) retryOne(ctx context.Context, entry *model.DLQEntry, def *deferrals) (retryResult, error) {
	st := r.w.deps.Store
	log := r.log.With(zap.String("dlq_id", entry.ID), zap.Int64("entity_id", entry.EntityID), zap.String("source", string(entry.Source)))

	e, err := st.GetEntity(ctx, entry.EntityID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && e.DeletedAt != nil) {
		log.Info("entity no longer in catalog, resolving")
		return r.resolve(ctx, entry)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "enrich: load entity %d", entry.EntityID)
	}

	out, err := r.w.fetch(ctx, e, entry.Source, def)
	if err != nil {
		return 0, err
	}
	if !out.attempted() {
		return retryDeferred, nil
	}

	if out.Err != nil {
		status, err := st.FailDLQ(ctx, entry.ID, out.Err.Error(), r.baseBackoff, r.w.nowFunc())
		if err != nil {
			return 0, eris.Wrapf(err, "enrich: fail dlq %s", entry.ID)
		}
		if status == model.DLQAbandoned {
			metrics.DLQEvents.WithLabelValues("abandoned").Inc()
			log.Warn("dlq entry abandoned", zap.Int("retries", entry.RetryCount+1), zap.Error(out.Err))
			return retryAbandoned, nil
		}
		metrics.DLQEvents.WithLabelValues("retry_failed").Inc()
		log.Info("dlq retry failed", zap.Int("retries", entry.RetryCount+1), zap.Error(out.Err))
		return retryFailed, nil
	}

	res := r.w.assemble(e, []outcome{out}, entry.JobName)
	for i := range res.Fields {
		if res.Fields[i].Change != nil {
			res.Fields[i].Change.Reason = model.ChangeDLQRetry
		}
	}
	cycle, err := r.cycleOf(ctx, entry.JobName)
	if err != nil {
		return 0, err
	}
	if _, err := st.CommitResults(ctx, store.CommitBatch{
		JobName: entry.JobName,
		Cycle:   cycle,
		Results: []store.EntityResult{res},
	}); err != nil {
		return 0, eris.Wrapf(err, "enrich: commit dlq retry %s", entry.ID)
	}
	return r.resolve(ctx, entry)
}

func (r *Retrier) resolve(ctx context.Context, entry *model.DLQEntry) (retryResult, error) {
	if err := r.w.deps.Store.ResolveDLQ(ctx, entry.ID, r.w.nowFunc()); err != nil {
		return 0, eris.Wrapf(err, "enrich: resolve dlq %s", entry.ID)
	}
	metrics.DLQEvents.WithLabelValues("resolved").Inc()
	return retryResolved, nil
}

// cycleOf returns the job's current sync cycle so changelog rows written by
// a retry line up with the run that failed.
func (r *Retrier) cycleOf(ctx context.Context, job string) (int64, error) {
	cp, err := r.w.deps.Store.GetCheckpoint(ctx, job)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "enrich: read checkpoint %s", job)
	}
	return cp.SyncCycle, nil
}
