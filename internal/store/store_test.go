package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestListLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, listLimit(0))
	assert.Equal(t, defaultListLimit, listLimit(-5))
	assert.Equal(t, defaultListLimit, listLimit(5000))
	assert.Equal(t, 25, listLimit(25))
}

func TestNextDLQStatus(t *testing.T) {
	tests := []struct {
		retryCount, maxRetries int
		want                   model.DLQStatus
	}{
		{0, 3, model.DLQPending},
		{1, 3, model.DLQPending},
		{2, 3, model.DLQAbandoned},
		{0, 1, model.DLQAbandoned},
		{0, 0, model.DLQAbandoned},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextDLQStatus(tt.retryCount, tt.maxRetries), "retry %d of %d", tt.retryCount, tt.maxRetries)
	}
}

func TestDLQWhere(t *testing.T) {
	where, args := dlqWhere(model.DLQFilter{}, pgPlaceholder)
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = dlqWhere(model.DLQFilter{Status: model.DLQPending, EntityID: 9}, pgPlaceholder)
	assert.Equal(t, " WHERE status = $1 AND entity_id = $2", where)
	assert.Equal(t, []any{"pending", int64(9)}, args)

	where, _ = dlqWhere(model.DLQFilter{Source: model.SourceGCD, EntityID: 9}, sqlitePlaceholder)
	assert.Equal(t, " WHERE source = ? AND entity_id = ?", where)
}

func TestQuarantineWhere(t *testing.T) {
	before := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	where, args := quarantineWhere(model.QuarantineFilter{
		Status:        model.QuarantinePending,
		Reason:        model.ReasonLowConfidence,
		CreatedBefore: before,
		MinScore:      0.5,
	}, pgPlaceholder)
	assert.Equal(t, " WHERE status = $1 AND reason = $2 AND created_at < $3 AND score >= $4", where)
	assert.Equal(t, []any{"pending", "low_confidence", before, 0.5}, args)
}

func TestInPlaceholders(t *testing.T) {
	assert.Equal(t, "?", inPlaceholders(1))
	assert.Equal(t, "?,?,?", inPlaceholders(3))
}

func TestOpen_SQLite(t *testing.T) {
	st, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Ping(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}
