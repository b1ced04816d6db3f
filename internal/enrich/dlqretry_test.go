package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

func (e *testEnv) deadLetter(t *testing.T, entityID int64, src model.SourceID, maxRetries int) *model.DLQEntry {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.st.EnqueueDLQ(ctx, model.DLQEntry{
		EntityID:      entityID,
		Source:        src,
		JobName:       "comics_enrichment",
		ErrorCategory: model.ErrorTransient,
		Error:         "503",
		MaxRetries:    maxRetries,
		NextRetryAt:   time.Now().Add(-time.Minute),
	}))
	entries, err := e.st.ListDLQ(ctx, model.DLQFilter{EntityID: entityID, Source: src})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return &entries[0]
}

func TestRetrier_SuccessResolvesAndWritesChangelog(t *testing.T) {
	metron := newFakeSource(model.SourceMetron)
	metron.set("m1", map[string]any{"publisher": "Image"})
	env := newTestEnv(t, metron)
	ids := env.seed(t, linkedComic("C1", "Saga #1", model.SourceMetron, "m1"))
	entry := env.deadLetter(t, ids[0], model.SourceMetron, 3)
	ctx := context.Background()

	stats, err := NewRetrier(env.deps, config.DLQConfig{}).RetryPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Claimed: 1, Resolved: 1}, stats)

	got, err := env.st.GetDLQ(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DLQResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)

	assert.Equal(t, "Image", env.entity(t, ids[0]).Value(model.FieldPublisher))
	changes, err := env.st.ListChangelog(ctx, ids[0], 10)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, model.ChangeDLQRetry, changes[0].Reason)
}

func TestRetrier_FailureBacksOff(t *testing.T) {
	metron := newFakeSource(model.SourceMetron)
	metron.setErr(resilience.NewTransientError(errors.New("still down"), 502))
	env := newTestEnv(t, metron)
	ids := env.seed(t, linkedComic("C1", "Saga #1", model.SourceMetron, "m1"))
	entry := env.deadLetter(t, ids[0], model.SourceMetron, 3)
	ctx := context.Background()

	stats, err := NewRetrier(env.deps, config.DLQConfig{BaseBackoffSecs: 60}).RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	got, err := env.st.GetDLQ(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DLQPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextRetryAt.After(time.Now()))
	assert.Contains(t, got.Error, "still down")
}

func TestRetrier_LastRetryAbandons(t *testing.T) {
	metron := newFakeSource(model.SourceMetron)
	metron.setErr(resilience.NewTransientError(errors.New("still down"), 502))
	env := newTestEnv(t, metron)
	ids := env.seed(t, linkedComic("C1", "Saga #1", model.SourceMetron, "m1"))
	entry := env.deadLetter(t, ids[0], model.SourceMetron, 3)
	ctx := context.Background()

	// Two earlier failures, both already due again.
	past := time.Now().Add(-48 * time.Hour)
	for range 2 {
		_, err := env.st.FailDLQ(ctx, entry.ID, "503", time.Minute, past)
		require.NoError(t, err)
	}

	stats, err := NewRetrier(env.deps, config.DLQConfig{}).RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Abandoned)

	got, err := env.st.GetDLQ(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DLQAbandoned, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	// Abandoned entries are never claimed again.
	stats, err = NewRetrier(env.deps, config.DLQConfig{}).RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
}

func TestRetrier_OpenCircuitDefersWithoutBurningRetry(t *testing.T) {
	metron := newFakeSource(model.SourceMetron)
	env := newTestEnv(t, metron)
	ids := env.seed(t, linkedComic("C1", "Saga #1", model.SourceMetron, "m1"))
	entry := env.deadLetter(t, ids[0], model.SourceMetron, 3)
	ctx := context.Background()

	cb := env.deps.Breakers.Get(model.SourceMetron)
	for range 10 {
		cb.RecordFailure(ctx)
	}
	require.Equal(t, resilience.CircuitOpen, cb.State())

	stats, err := NewRetrier(env.deps, config.DLQConfig{}).RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Zero(t, metron.calls())

	got, err := env.st.GetDLQ(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DLQPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRetrier_DeletedEntityResolves(t *testing.T) {
	metron := newFakeSource(model.SourceMetron)
	env := newTestEnv(t, metron)
	ids := env.seed(t, linkedComic("C1", "Saga #1", model.SourceMetron, "m1"))
	entry := env.deadLetter(t, ids[0], model.SourceMetron, 3)
	ctx := context.Background()
	require.NoError(t, env.st.SoftDeleteEntity(ctx, ids[0], time.Now()))

	stats, err := NewRetrier(env.deps, config.DLQConfig{}).RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Zero(t, metron.calls())

	got, err := env.st.GetDLQ(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DLQResolved, got.Status)
}

func TestRetrier_NothingDue(t *testing.T) {
	env := newTestEnv(t, newFakeSource(model.SourceMetron))
	stats, err := NewRetrier(env.deps, config.DLQConfig{}).RetryPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RetryStats{}, stats)
}
