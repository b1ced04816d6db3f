package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestChecker_ServeStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(cfg), cfg)
	assert.Equal(t, "alert-checker", checker.String())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- checker.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Serve did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, checker.Serve(ctx), context.Canceled)
}

func TestChecker_Check(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          srv.URL,
		LookbackWindowHours: 24,
		DLQPendingThreshold: 5,
		StallAlertThreshold: 1,
	}
	st := &mockStore{dlq: map[model.DLQStatus]int{model.DLQPending: 8}, stalls: 1, quarantine: 4}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, 8.0, testutil.ToFloat64(metrics.DLQBacklog.WithLabelValues("pending")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.QuarantineBacklog))
}

func TestChecker_CollectError(t *testing.T) {
	cfg := config.MonitoringConfig{DLQPendingThreshold: 1}
	st := &mockStore{dlqErr: errors.New("db down")}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg)
	assert.Nil(t, checker.Check(context.Background()))
}
