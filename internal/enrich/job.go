// Package enrich runs the enrichment jobs: batches of catalog entities are
// looked up against external sources, merged and committed together with the
// job checkpoint. It also holds the dead letter retry and the quarantine
// cleanup.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/merge"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/quota"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// ErrJobRunning is returned when another run holds the job.
var ErrJobRunning = eris.New("enrich: job is already running")

// finishTimeout bounds the bookkeeping done after a run ends, which must
// happen even when the run's context was cancelled.
const finishTimeout = 30 * time.Second

// Deps are the services shared by every job.
type Deps struct {
	Store    store.Store
	Sources  *source.Registry
	Breakers *resilience.Breakers
	Quota    *quota.Tracker
	Resolver *merge.Resolver
	Matcher  *merge.Matcher
}

// Spec describes one enrichment job.
type Spec struct {
	Name              string
	Kind              model.EntityKind
	Sources           []model.SourceID
	BatchSize         int
	FlushEvery        int
	Workers           int
	IdempotencyWindow time.Duration
	BatchPause        time.Duration
	PauseHeartbeat    time.Duration
	MaxRetries        int
	BaseBackoff       time.Duration
}

// SpecFromConfig builds the Spec for job name. A job without a source list
// queries every enabled source.
func SpecFromConfig(name string, cfg *config.Config) (Spec, error) {
	jc, ok := cfg.Jobs[name]
	if !ok {
		return Spec{}, eris.Errorf("enrich: unknown job %q", name)
	}
	s := Spec{
		Name:              name,
		Kind:              model.EntityKind(jc.Kind),
		BatchSize:         jc.BatchSize,
		FlushEvery:        jc.FlushEvery,
		Workers:           jc.Workers,
		IdempotencyWindow: time.Duration(jc.IdempotencyWindowHours) * time.Hour,
		BatchPause:        time.Duration(jc.BatchPauseMs) * time.Millisecond,
		PauseHeartbeat:    time.Duration(cfg.Scheduler.PauseHeartbeatSecs) * time.Second,
		MaxRetries:        cfg.DLQ.MaxRetries,
		BaseBackoff:       time.Duration(cfg.DLQ.BaseBackoffSecs) * time.Second,
	}
	for _, src := range jc.Sources {
		id, err := model.ParseSource(src)
		if err != nil {
			return Spec{}, eris.Wrapf(err, "enrich: job %s", s.Name)
		}
		s.Sources = append(s.Sources, id)
	}
	if len(s.Sources) == 0 {
		s.Sources = cfg.SourceIDs()
	}
	return s.withDefaults(), nil
}

func (s Spec) withDefaults() Spec {
	if s.BatchSize <= 0 {
		s.BatchSize = 200
	}
	if s.FlushEvery <= 0 {
		s.FlushEvery = 50
	}
	if s.Workers <= 0 {
		s.Workers = 5
	}
	if s.PauseHeartbeat <= 0 {
		s.PauseHeartbeat = 30 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = 5 * time.Minute
	}
	return s
}

// Resource is the exclusivity key shared by every job over the same catalog.
func (s Spec) Resource() string {
	return "catalog:" + string(s.Kind)
}

// Job is one enrichment job bound to its dependencies.
type Job struct {
	spec Spec
	deps Deps
	w    *worker
	log  *zap.Logger
}

// NewJob creates a Job.
func NewJob(spec Spec, deps Deps) *Job {
	spec = spec.withDefaults()
	return &Job{
		spec: spec,
		deps: deps,
		w:    newWorker(deps, "enrich"),
		log:  zap.L().With(zap.String("component", "enrich"), zap.String("job", spec.Name)),
	}
}

// Spec returns the job's configuration.
func (j *Job) Spec() Spec { return j.spec }

// Run processes batches from the checkpoint cursor until the cycle is
// complete, a stop signal is observed or ctx is cancelled. Every exit path
// reconciles the offset against the processed marks and clears is_running.
func (j *Job) Run(ctx context.Context) (err error) {
	st := j.deps.Store
	if _, err := st.EnsureCheckpoint(ctx, j.spec.Name); err != nil {
		return eris.Wrapf(err, "enrich: ensure checkpoint %s", j.spec.Name)
	}
	started, err := st.TryStartJob(ctx, j.spec.Name, j.w.nowFunc())
	if err != nil {
		return eris.Wrapf(err, "enrich: start %s", j.spec.Name)
	}
	if !started {
		return ErrJobRunning
	}
	j.log.Info("job started", zap.Strings("sources", sourceNames(j.spec.Sources)))

	var complete bool
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("enrich: job %s panicked: %v", j.spec.Name, r)
			complete = false
		}
		j.finish(err, complete)
	}()

	complete, err = j.loop(ctx)
	return err
}

func (j *Job) loop(ctx context.Context) (bool, error) {
	st := j.deps.Store
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		cp, err := st.GetCheckpoint(ctx, j.spec.Name)
		if err != nil {
			return false, eris.Wrapf(err, "enrich: read checkpoint %s", j.spec.Name)
		}

		switch cp.ControlSignal {
		case model.SignalStop:
			j.log.Info("stop signal observed", zap.Int64("offset", cp.CurrentOffset))
			return false, nil
		case model.SignalPause:
			sig, err := j.waitWhilePaused(ctx)
			if err != nil {
				return false, err
			}
			if sig == model.SignalStop {
				j.log.Info("stopped while paused")
				return false, nil
			}
			continue
		}

		batch, err := st.NextBatch(ctx, store.BatchQuery{
			JobName: j.spec.Name,
			Kind:    j.spec.Kind,
			Cycle:   cp.SyncCycle,
			AfterID: cp.CurrentOffset,
			Limit:   j.spec.BatchSize,
		})
		if err != nil {
			return false, eris.Wrapf(err, "enrich: next batch %s", j.spec.Name)
		}
		if len(batch) == 0 {
			j.log.Info("cycle complete", zap.Int64("cycle", cp.SyncCycle))
			return true, nil
		}

		if err := j.processBatch(ctx, cp.SyncCycle, batch); err != nil {
			return false, err
		}

		if j.spec.BatchPause > 0 {
			if err := resilience.Sleep(ctx, j.spec.BatchPause); err != nil {
				return false, err
			}
		}
	}
}

// waitWhilePaused heartbeats until the signal leaves pause and returns it.
func (j *Job) waitWhilePaused(ctx context.Context) (model.ControlSignal, error) {
	j.log.Info("job paused")
	for {
		if err := j.deps.Store.Heartbeat(ctx, j.spec.Name, j.w.nowFunc()); err != nil {
			return "", eris.Wrapf(err, "enrich: heartbeat %s", j.spec.Name)
		}
		if err := resilience.Sleep(ctx, j.spec.PauseHeartbeat); err != nil {
			return "", err
		}
		cp, err := j.deps.Store.GetCheckpoint(ctx, j.spec.Name)
		if err != nil {
			return "", eris.Wrapf(err, "enrich: read checkpoint %s", j.spec.Name)
		}
		if cp.ControlSignal != model.SignalPause {
			j.log.Info("job resumed", zap.String("signal", string(cp.ControlSignal)))
			return cp.ControlSignal, nil
		}
	}
}

// processBatch fans the batch out to the workers one flush at a time so the
// committed offset never runs ahead of an unprocessed entity.
func (j *Job) processBatch(ctx context.Context, cycle int64, batch []model.Entity) error {
	ids := make([]int64, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	var recent map[int64]map[model.SourceID]model.AttemptStatus
	if j.spec.IdempotencyWindow > 0 {
		var err error
		recent, err = j.deps.Store.RecentAttempts(ctx, ids, j.w.nowFunc().Add(-j.spec.IdempotencyWindow))
		if err != nil {
			return eris.Wrapf(err, "enrich: recent attempts %s", j.spec.Name)
		}
	}

	def := newDeferrals()
	for start := 0; start < len(batch); start += j.spec.FlushEvery {
		chunk := batch[start:min(start+j.spec.FlushEvery, len(batch))]
		results := make([]store.EntityResult, len(chunk))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.spec.Workers)
		for i := range chunk {
			g.Go(func() (err error) {
				defer catch(fmt.Sprintf("entity %d", chunk[i].ID), &err)
				res, err := j.processEntity(gctx, &chunk[i], recent[chunk[i].ID], def)
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrapf(err, "enrich: process batch %s", j.spec.Name)
		}

		if err := j.flush(ctx, cycle, results, chunk[len(chunk)-1].ID); err != nil {
			return err
		}
	}
	return nil
}

// processEntity queries the job's sources for e concurrently and merges what
// came back. The entity is marked processed even when a source failed; the
// failure goes to the dead letter queue.
func (j *Job) processEntity(ctx context.Context, e *model.Entity, recent map[model.SourceID]model.AttemptStatus, def *deferrals) (store.EntityResult, error) {
	outs := make([]outcome, len(j.spec.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range j.spec.Sources {
		g.Go(func() (err error) {
			defer catch(fmt.Sprintf("entity %d source %s", e.ID, src), &err)
			if st := recent[src]; st == model.AttemptOK || st == model.AttemptNotFound {
				outs[i] = j.w.skip(outcome{Source: src}, deferIdempotent)
				return nil
			}
			out, err := j.w.fetch(gctx, e, src, def)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return store.EntityResult{}, err
	}

	res := j.w.assemble(e, outs, j.spec.Name)
	for _, o := range outs {
		if o.Err != nil {
			res.DLQ = append(res.DLQ, j.deadLetter(e, o))
		}
	}
	res.Mark = true
	return res, nil
}

type dlqPayload struct {
	SKU        string           `json:"sku"`
	Kind       model.EntityKind `json:"kind"`
	ExternalID string           `json:"external_id,omitempty"`
}

func (j *Job) deadLetter(e *model.Entity, o outcome) model.DLQEntry {
	now := j.w.nowFunc().UTC()
	payload, _ := json.Marshal(dlqPayload{SKU: e.SKU, Kind: e.Kind, ExternalID: e.ExternalIDs[o.Source]})
	return model.DLQEntry{
		EntityID:      e.ID,
		Source:        o.Source,
		JobName:       j.spec.Name,
		ErrorCategory: resilience.Classify(o.Err),
		Error:         o.Err.Error(),
		Payload:       payload,
		Status:        model.DLQPending,
		MaxRetries:    j.spec.MaxRetries,
		NextRetryAt:   resilience.NextRetryAt(now, 0, j.spec.BaseBackoff),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// flush commits one chunk and advances the checkpoint to its last entity.
func (j *Job) flush(ctx context.Context, cycle int64, results []store.EntityResult, lastID int64) error {
	var errCount int64
	for _, r := range results {
		errCount += int64(len(r.DLQ))
	}

	start := time.Now()
	stats, err := j.deps.Store.CommitResults(ctx, store.CommitBatch{
		JobName: j.spec.Name,
		Cycle:   cycle,
		Results: results,
		Progress: &store.Progress{
			Offset:         lastID,
			ProcessedDelta: int64(len(results)),
			ErrorDelta:     errCount,
			Heartbeat:      j.w.nowFunc(),
		},
	})
	metrics.BatchFlushDuration.WithLabelValues(j.spec.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return eris.Wrapf(err, "enrich: flush %s", j.spec.Name)
	}

	metrics.EntitiesProcessed.WithLabelValues(j.spec.Name).Add(float64(len(results)))
	metrics.DLQEvents.WithLabelValues("enqueued").Add(float64(stats.DeadLettered))
	j.log.Debug("flushed",
		zap.Int64("offset", lastID),
		zap.Int("entities", len(results)),
		zap.Int("fields", stats.FieldsWritten),
		zap.Int("changes", stats.Changes),
		zap.Int("quarantined", stats.Quarantined),
		zap.Int("dead_lettered", stats.DeadLettered),
	)
	return nil
}

func (j *Job) finish(runErr error, complete bool) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	st := j.deps.Store

	offset, err := st.ReconcileOffset(ctx, j.spec.Name, j.spec.Kind)
	if err != nil {
		j.log.Error("offset reconcile failed", zap.Error(err))
	}

	opts := store.FinishOptions{CycleComplete: complete && runErr == nil}
	if runErr != nil {
		opts.LastError = runErr.Error()
	}
	if err := st.FinishJob(ctx, j.spec.Name, opts, j.w.nowFunc()); err != nil {
		j.log.Error("failed to clear running flag", zap.Error(err))
	}
	metrics.RecordJobRun(j.spec.Name, runErr)

	if runErr != nil {
		j.log.Error("job failed", zap.Int64("offset", offset), zap.Error(runErr))
		return
	}
	j.log.Info("job finished", zap.Int64("offset", offset), zap.Bool("cycle_complete", opts.CycleComplete))
}

func sourceNames(ids []model.SourceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
