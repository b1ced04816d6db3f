package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetCheckpoint_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT job_name, current_offset, sync_cycle .* FROM checkpoints WHERE job_name = \$1`).
		WithArgs("comics").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCheckpoint(context.Background(), "comics")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCheckpoint(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	hb := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM checkpoints WHERE job_name`).
		WithArgs("comics").
		WillReturnRows(pgxmock.NewRows([]string{
			"job_name", "current_offset", "sync_cycle", "is_running", "control_signal",
			"last_heartbeat_at", "total_processed", "total_errors", "last_error",
			"started_at", "finished_at", "updated_at",
		}).AddRow("comics", int64(500), int64(3), true, "pause", &hb, int64(1200), int64(4), "", &hb, (*time.Time)(nil), hb))

	cp, err := s.GetCheckpoint(context.Background(), "comics")
	require.NoError(t, err)
	assert.Equal(t, int64(500), cp.CurrentOffset)
	assert.Equal(t, int64(3), cp.SyncCycle)
	assert.True(t, cp.IsRunning)
	assert.Equal(t, model.SignalPause, cp.ControlSignal)
	assert.Nil(t, cp.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryStartJob(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"acquired", 1, true},
		{"already running", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			now := time.Now().UTC()

			mock.ExpectExec(`UPDATE checkpoints\s+SET is_running = true.*WHERE job_name = \$1 AND is_running = false`).
				WithArgs("comics", now).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			ok, err := s.TryStartJob(context.Background(), "comics", now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_UpdateCheckpoint_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	hb := time.Now().UTC()

	mock.ExpectExec(`UPDATE checkpoints`).
		WithArgs("missing", int64(10), int64(5), int64(0), hb).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateCheckpoint(context.Background(), "missing", Progress{Offset: 10, ProcessedDelta: 5, Heartbeat: hb})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishJob_CycleComplete(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`sync_cycle = CASE WHEN \$4 THEN sync_cycle \+ 1`).
		WithArgs("comics", now, "", true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinishJob(context.Background(), "comics", FinishOptions{CycleComplete: true}, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveQuota(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE source_quotas.*requests_today < daily_limit`).
		WithArgs("comicvine", "2026-03-01", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE source_quotas.*requests_today < daily_limit`).
		WithArgs("comicvine", "2026-03-01", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.ReserveQuota(context.Background(), model.SourceComicVine, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveQuota(context.Background(), model.SourceComicVine, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCircuit_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT circuit_state, consecutive_failures, opened_at FROM source_quotas`).
		WithArgs("gcd").
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.LoadCircuit(context.Background(), model.SourceGCD)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReconcileOffset(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT sync_cycle FROM checkpoints WHERE job_name = \$1 FOR UPDATE`).
		WithArgs("comics").
		WillReturnRows(pgxmock.NewRows([]string{"sync_cycle"}).AddRow(int64(2)))
	mock.ExpectQuery(`SELECT min\(e.id\) FROM entities e`).
		WithArgs("comics", "comic", int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(func() *int64 { v := int64(501); return &v }()))
	mock.ExpectQuery(`SELECT max\(id\) FROM entities`).
		WithArgs("comic", int64(501)).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(func() *int64 { v := int64(500); return &v }()))
	mock.ExpectExec(`UPDATE checkpoints SET current_offset = \$2`).
		WithArgs("comics", int64(500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	offset, err := s.ReconcileOffset(context.Background(), "comics", model.KindComic)
	require.NoError(t, err)
	assert.Equal(t, int64(500), offset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entity_fields .* ON CONFLICT \(entity_id, field\) DO UPDATE`).
		WithArgs(int64(42), "publisher", "Marvel", "comicvine", fetched, 0.9).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE entities SET updated_at = now\(\) WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO enrichment_marks`).
		WithArgs("comics", int64(1), int64(42)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"field_changelog"}, changelogColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"enrichment_attempts"}, attemptColumns).WillReturnResult(1)
	mock.ExpectExec(`UPDATE checkpoints`).
		WithArgs("comics", int64(42), int64(1), int64(0), fetched).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	stats, err := s.CommitResults(context.Background(), CommitBatch{
		JobName: "comics",
		Cycle:   1,
		Results: []EntityResult{{
			EntityID: 42,
			Fields: []FieldWrite{{
				Field:  model.FieldPublisher,
				Value:  model.FieldValue{Value: "Marvel", Provenance: model.Provenance{Source: model.SourceComicVine, FetchedAt: fetched, Confidence: 0.9}},
				Change: &model.FieldChange{NewValue: "Marvel", Source: model.SourceComicVine, Reason: model.ChangeSingleSource},
			}},
			Attempts: []model.EnrichmentAttempt{{EntityID: 42, Source: model.SourceComicVine, JobName: "comics", Status: model.AttemptOK, AttemptedAt: fetched}},
			Mark:     true,
		}},
		Progress: &Progress{Offset: 42, ProcessedDelta: 1, Heartbeat: fetched},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FieldsWritten)
	assert.Equal(t, 1, stats.Changes)
	assert.Equal(t, 1, stats.Marked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitResults_StaleWriteSkipsChangelog(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entity_fields`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE entities SET updated_at`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	stats, err := s.CommitResults(context.Background(), CommitBatch{
		JobName: "comics",
		Cycle:   1,
		Results: []EntityResult{{
			EntityID: 42,
			Fields: []FieldWrite{{
				Field:  model.FieldPublisher,
				Value:  model.FieldValue{Value: "Marvel", Provenance: model.Provenance{Source: model.SourceMetron, FetchedAt: fetched}},
				Change: &model.FieldChange{NewValue: "Marvel"},
			}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FieldsWritten)
	assert.Equal(t, 0, stats.Changes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitResults_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO enrichment_marks`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.CommitResults(context.Background(), CommitBatch{
		JobName: "comics",
		Cycle:   1,
		Results: []EntityResult{{EntityID: 1, Mark: true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark entity 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailDLQ_Abandons(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT retry_count, max_retries FROM dead_letter_queue WHERE id = \$1 FOR UPDATE`).
		WithArgs("dlq-1").
		WillReturnRows(pgxmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(2, 3))
	mock.ExpectExec(`UPDATE dead_letter_queue\s+SET retry_count = retry_count \+ 1`).
		WithArgs("dlq-1", "abandoned", "boom", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	status, err := s.FailDLQ(context.Background(), "dlq-1", "boom", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, model.DLQAbandoned, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveDLQ_NotPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE dead_letter_queue SET status = 'resolved'`).
		WithArgs("dlq-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.ResolveDLQ(context.Background(), "dlq-1", now)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDLQ_SkipLocked(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED\)\s+RETURNING`).
		WithArgs(now, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "entity_id", "source", "job_name", "error_category", "error", "payload", "status",
			"retry_count", "max_retries", "next_retry_at", "created_at", "updated_at", "resolved_at",
		}).AddRow("dlq-1", int64(7), "metron", "comics", "transient", "503", []byte(nil), "retrying",
			1, 3, now, now, now, (*time.Time)(nil)))

	entries, err := s.ClaimDLQ(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SourceMetron, entries[0].Source)
	assert.Equal(t, model.DLQRetrying, entries[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM dead_letter_queue`).
		WithArgs("pending").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountDLQ(context.Background(), model.DLQPending)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveQuarantine_NotPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE data_quarantine`).
		WithArgs("q-1", "resolved", "1988", "ops", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.ResolveQuarantine(context.Background(), QuarantineResolution{
		ID: "q-1", Status: model.QuarantineResolved, ChosenValue: "1988", ResolvedBy: "ops", Now: now,
	})
	assert.ErrorIs(t, err, ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveQuarantine_GuardedWriteSkipsChangelog(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	fetched := now.Add(-40 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE data_quarantine`).
		WithArgs("q-2", "auto_resolved", "Metron Title", "auto", now).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "field"}).AddRow(int64(7), "title"))
	mock.ExpectQuery(`SELECT value FROM entity_fields`).
		WithArgs(int64(7), "title").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("Operator Title"))
	mock.ExpectExec(`(?s)INSERT INTO entity_fields.*WHERE entity_fields\.fetched_at <= EXCLUDED\.fetched_at`).
		WithArgs(int64(7), "title", "Metron Title", "metron", fetched, 0.9).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.ResolveQuarantine(context.Background(), QuarantineResolution{
		ID:          "q-2",
		Status:      model.QuarantineAutoResolved,
		ChosenValue: "Metron Title",
		Source:      model.SourceMetron,
		Confidence:  0.9,
		ResolvedBy:  "auto",
		Reason:      model.ChangeAutoResolved,
		Apply:       true,
		FetchedAt:   fetched,
		Now:         now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDLQ_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM dead_letter_queue WHERE status = \$1 AND source = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("pending", "gcd", 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "entity_id", "source", "job_name", "error_category", "error", "payload", "status",
			"retry_count", "max_retries", "next_retry_at", "created_at", "updated_at", "resolved_at",
		}))

	entries, err := s.ListDLQ(context.Background(), model.DLQFilter{Status: model.DLQPending, Source: model.SourceGCD, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}
