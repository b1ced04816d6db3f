package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/metrics"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically snapshots queue and job health, publishes backlog
// gauges and delivers alerts. It runs as a suture service under serve.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	log       *zap.Logger
}

func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

func (c *Checker) Serve(ctx context.Context) error {
	c.log.Info("alert checker started", zap.Duration("interval", c.interval), zap.Int("lookback_hours", c.lookback))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

func (c *Checker) String() string { return "alert-checker" }

// Check runs one collection and returns the alerts it raised, sent or not.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}
	metrics.SetBacklog(snap.DLQPending, snap.DLQAbandoned, snap.QuarantinePending)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: alerts raised", zap.Int("raised", len(alerts)), zap.Int("sent", sent))
	return alerts
}
