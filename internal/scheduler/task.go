package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/quota"
)

// Resource keys of the built-in tasks. Catalog jobs use enrich.Spec.Resource.
const (
	ResourceDLQ        = "dlq"
	ResourceQuarantine = "quarantine"
	ResourceQuota      = "quota"
)

// QuotaResetJobName is the name of the daily quota rollover task.
const QuotaResetJobName = "quota_reset"

// Task is a named unit of work the scheduler runs.
type Task struct {
	Name     string
	Resource string
	// Schedule is a five field cron expression, evaluated in UTC. Empty means
	// the task only runs when triggered.
	Schedule string
	// Kind is set for catalog enrichment jobs. Those carry a checkpoint,
	// honour control signals and are watched by the stall sweep.
	Kind model.EntityKind
	Run  func(ctx context.Context) error

	sched cron.Schedule
}

// Checkpointed reports whether the task keeps a checkpoint row.
func (t *Task) Checkpointed() bool { return t.Kind != "" }

// EnrichTask wraps an enrichment job.
func EnrichTask(job *enrich.Job, schedule string) Task {
	spec := job.Spec()
	return Task{
		Name:     spec.Name,
		Resource: spec.Resource(),
		Schedule: schedule,
		Kind:     spec.Kind,
		Run:      job.Run,
	}
}

// RetryTask wraps the dead letter retry pass.
func RetryTask(r *enrich.Retrier, schedule string) Task {
	return Task{
		Name:     enrich.DLQJobName,
		Resource: ResourceDLQ,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := r.RetryPending(ctx, 0)
			return err
		},
	}
}

// CleanupTask wraps the aged quarantine auto-resolution.
func CleanupTask(c *enrich.Cleaner, schedule string) Task {
	return Task{
		Name:     enrich.CleanupJobName,
		Resource: ResourceQuarantine,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := c.AutoResolve(ctx)
			return err
		},
	}
}

// QuotaResetTask rolls every source quota over shortly after UTC midnight.
// Reservations roll over lazily as well; this keeps idle sources' counters
// and the status endpoint current.
func QuotaResetTask(t *quota.Tracker) Task {
	return Task{
		Name:     QuotaResetJobName,
		Resource: ResourceQuota,
		Schedule: "1 0 * * *",
		Run:      t.ResetAll,
	}
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
