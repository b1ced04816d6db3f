// Package store persists the enrichment pipeline state: catalog entities and
// their field values, job checkpoints, source quotas and circuit state, the
// dead letter queue, the quarantine and the field changelog.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// Sentinel errors.
var (
	ErrNotFound = eris.New("store: not found")
	// ErrNotPending is returned when resolving an entry that is no longer pending.
	ErrNotPending = eris.New("store: entry is not pending")
)

// FinishOptions describes how a run ended.
type FinishOptions struct {
	LastError string
	// CycleComplete advances sync_cycle and rewinds the offset to zero.
	CycleComplete bool
}

// Progress is a checkpoint update applied with a commit.
type Progress struct {
	Offset         int64
	ProcessedDelta int64
	ErrorDelta     int64
	Heartbeat      time.Time
}

// BatchQuery selects the next entities a job should enrich.
type BatchQuery struct {
	JobName string
	Kind    model.EntityKind
	Cycle   int64
	AfterID int64
	Limit   int
}

// FieldWrite is one merged field value. Change is nil when the write does not
// alter the displayed value (e.g. a provenance refresh).
type FieldWrite struct {
	Field  model.Field
	Value  model.FieldValue
	Change *model.FieldChange
}

// EntityResult is everything one entity produced during a run.
type EntityResult struct {
	EntityID    int64
	Fields      []FieldWrite
	ExternalIDs map[model.SourceID]string
	Synced      map[model.SourceID]time.Time
	Attempts    []model.EnrichmentAttempt
	Quarantine  []model.QuarantineEntry
	DLQ         []model.DLQEntry
	// Mark records the entity as processed for the job's current cycle.
	Mark bool
}

// CommitBatch is one flush: every result is written in a single transaction.
type CommitBatch struct {
	JobName  string
	Cycle    int64
	Results  []EntityResult
	Progress *Progress
}

// CommitStats counts what a commit actually changed.
type CommitStats struct {
	FieldsWritten int
	Changes       int
	Quarantined   int
	DeadLettered  int
	Marked        int
}

// ImportRow is one catalog record for seeding entities.
type ImportRow struct {
	SKU         string
	Kind        model.EntityKind
	UPC         string
	ISBN        string
	Fields      map[model.Field]string
	ExternalIDs map[model.SourceID]string
	// Deleted soft-deletes the entity. Already deleted entities keep their
	// original deleted_at.
	Deleted bool
}

// ImportStats summarizes an import.
type ImportStats struct {
	Entities int
	Fields   int
	Deleted  int
}

// QuarantineResolution closes a pending quarantine entry.
type QuarantineResolution struct {
	ID          string
	Status      model.QuarantineStatus
	ChosenValue string
	Source      model.SourceID
	Confidence  float64
	ResolvedBy  string
	Reason      model.ChangeReason
	// Apply writes ChosenValue to the entity field with a changelog entry.
	// The write is skipped when the stored value was fetched after FetchedAt
	// or was set by an operator, unless Source is manual. A manual resolution
	// also closes the field's other pending entries.
	Apply bool
	// FetchedAt is when ChosenValue was observed; defaults to Now.
	FetchedAt time.Time
	Now       time.Time
}

// CheckpointStore tracks job runs.
type CheckpointStore interface {
	EnsureCheckpoint(ctx context.Context, job string) (*model.Checkpoint, error)
	GetCheckpoint(ctx context.Context, job string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]model.Checkpoint, error)
	// TryStartJob flips is_running from false to true. It reports false when
	// another run holds the job.
	TryStartJob(ctx context.Context, job string, now time.Time) (bool, error)
	UpdateCheckpoint(ctx context.Context, job string, p Progress) error
	Heartbeat(ctx context.Context, job string, at time.Time) error
	SetControlSignal(ctx context.Context, job string, sig model.ControlSignal) error
	FinishJob(ctx context.Context, job string, opts FinishOptions, now time.Time) error
	// ForceClearStalled clears is_running when the last heartbeat is older
	// than cutoff, reporting whether it did.
	ForceClearStalled(ctx context.Context, job string, cutoff time.Time, reason string) (bool, error)
	// ReconcileOffset sets current_offset to the largest entity id before the
	// first unmarked eligible entity of the current cycle, and returns it.
	ReconcileOffset(ctx context.Context, job string, kind model.EntityKind) (int64, error)
	RecordStall(ctx context.Context, ev model.StallEvent) error
	// CountStallsSince counts stall events; job "" counts every job.
	CountStallsSince(ctx context.Context, job string, since time.Time, restartedOnly bool) (int, error)
	ListStalls(ctx context.Context, job string, limit int) ([]model.StallEvent, error)
}

// QuotaStore persists per-source quotas and circuit state.
type QuotaStore interface {
	EnsureQuota(ctx context.Context, source model.SourceID, dailyLimit int) error
	// ReserveQuota consumes one request for the UTC day of now in a single
	// conditional update, rolling the counter over on a new day.
	ReserveQuota(ctx context.Context, source model.SourceID, now time.Time) (bool, error)
	ResetQuotaIfNewDay(ctx context.Context, source model.SourceID, now time.Time) (bool, error)
	GetQuota(ctx context.Context, source model.SourceID) (*model.SourceQuota, error)
	ListQuotas(ctx context.Context) ([]model.SourceQuota, error)
	LoadCircuit(ctx context.Context, source model.SourceID) (*model.CircuitSnapshot, error)
	SaveCircuit(ctx context.Context, source model.SourceID, snap model.CircuitSnapshot) error
}

// EntityStore reads the catalog and commits enrichment results.
type EntityStore interface {
	ImportEntities(ctx context.Context, rows []ImportRow) (ImportStats, error)
	GetEntity(ctx context.Context, id int64) (*model.Entity, error)
	NextBatch(ctx context.Context, q BatchQuery) ([]model.Entity, error)
	// RecentAttempts returns the latest attempt status per entity and source
	// at or after since.
	RecentAttempts(ctx context.Context, entityIDs []int64, since time.Time) (map[int64]map[model.SourceID]model.AttemptStatus, error)
	CommitResults(ctx context.Context, batch CommitBatch) (CommitStats, error)
	ListChangelog(ctx context.Context, entityID int64, limit int) ([]model.FieldChange, error)
	SoftDeleteEntity(ctx context.Context, id int64, now time.Time) error
}

// DLQStore is the dead letter queue.
type DLQStore interface {
	// EnqueueDLQ inserts an entry or refreshes the live entry for the same
	// entity and source. Abandoned entries stay abandoned.
	EnqueueDLQ(ctx context.Context, e model.DLQEntry) error
	// ClaimDLQ moves due pending entries to retrying and returns them.
	ClaimDLQ(ctx context.Context, now time.Time, limit int) ([]model.DLQEntry, error)
	ResolveDLQ(ctx context.Context, id string, now time.Time) error
	// FailDLQ records a failed retry and returns the new status: abandoned
	// once retry_count+1 reaches max_retries, else pending with backoff.
	FailDLQ(ctx context.Context, id, errMsg string, baseBackoff time.Duration, now time.Time) (model.DLQStatus, error)
	RequeueDLQ(ctx context.Context, id string, now time.Time) error
	// ResetRetryingDLQ returns entries orphaned in retrying to pending.
	ResetRetryingDLQ(ctx context.Context) (int, error)
	GetDLQ(ctx context.Context, id string) (*model.DLQEntry, error)
	ListDLQ(ctx context.Context, f model.DLQFilter) ([]model.DLQEntry, error)
	CountDLQ(ctx context.Context, status model.DLQStatus) (int, error)
}

// QuarantineStore holds values awaiting review.
type QuarantineStore interface {
	AddQuarantine(ctx context.Context, e model.QuarantineEntry) error
	GetQuarantine(ctx context.Context, id string) (*model.QuarantineEntry, error)
	ListQuarantine(ctx context.Context, f model.QuarantineFilter) ([]model.QuarantineEntry, error)
	ResolveQuarantine(ctx context.Context, r QuarantineResolution) error
	CountQuarantine(ctx context.Context, status model.QuarantineStatus) (int, error)
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	CheckpointStore
	QuotaStore
	EntityStore
	DLQStore
	QuarantineStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}
