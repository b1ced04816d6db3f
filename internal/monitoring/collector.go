package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Dead letter queue.
	DLQPending   int `json:"dlq_pending"`
	DLQAbandoned int `json:"dlq_abandoned"`

	// Quarantine awaiting review.
	QuarantinePending int `json:"quarantine_pending"`

	// Stalls detected within the lookback window.
	Stalls          int `json:"stalls"`
	StallsRestarted int `json:"stalls_restarted"`

	// Jobs whose last run ended with an error, keyed by job name.
	FailedJobs map[string]string `json:"failed_jobs,omitempty"`

	OpenCircuits []model.SourceID `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsStore is the subset of the store the collector reads.
type StatsStore interface {
	CountDLQ(ctx context.Context, status model.DLQStatus) (int, error)
	CountQuarantine(ctx context.Context, status model.QuarantineStatus) (int, error)
	CountStallsSince(ctx context.Context, job string, since time.Time, restartedOnly bool) (int, error)
	ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error)
}

// CircuitStates reports each source breaker's state.
type CircuitStates interface {
	States() map[model.SourceID]resilience.CircuitState
}

// Collector gathers metrics from the store and the circuit breakers.
type Collector struct {
	store    StatsStore
	circuits CircuitStates

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector. circuits may be nil.
func NewCollector(st StatsStore, circuits CircuitStates) *Collector {
	return &Collector{store: st, circuits: circuits, nowFunc: time.Now}
}

// Collect gathers a snapshot of pipeline health over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var err error
	if snap.DLQPending, err = c.store.CountDLQ(ctx, model.DLQPending); err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending dlq")
	}
	if snap.DLQAbandoned, err = c.store.CountDLQ(ctx, model.DLQAbandoned); err != nil {
		return nil, eris.Wrap(err, "monitoring: count abandoned dlq")
	}
	if snap.QuarantinePending, err = c.store.CountQuarantine(ctx, model.QuarantinePending); err != nil {
		return nil, eris.Wrap(err, "monitoring: count quarantine")
	}
	if snap.Stalls, err = c.store.CountStallsSince(ctx, "", cutoff, false); err != nil {
		return nil, eris.Wrap(err, "monitoring: count stalls")
	}
	if snap.StallsRestarted, err = c.store.CountStallsSince(ctx, "", cutoff, true); err != nil {
		return nil, eris.Wrap(err, "monitoring: count restarted stalls")
	}

	cps, err := c.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list checkpoints")
	}
	for _, cp := range cps {
		if cp.IsRunning || cp.LastError == "" {
			continue
		}
		if cp.FinishedAt != nil && cp.FinishedAt.Before(cutoff) {
			continue
		}
		if snap.FailedJobs == nil {
			snap.FailedJobs = make(map[string]string)
		}
		snap.FailedJobs[cp.JobName] = cp.LastError
	}

	if c.circuits != nil {
		for src, st := range c.circuits.States() {
			if st == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, src)
			}
		}
		sort.Slice(snap.OpenCircuits, func(i, j int) bool { return snap.OpenCircuits[i] < snap.OpenCircuits[j] })
	}

	return snap, nil
}
