package main

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/fetcher"
	"github.com/sells-group/catalog-enricher/internal/merge"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/quota"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/scheduler"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/source/adapters"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// enrichEnv holds the store, source adapters and shared resilience state
// needed by the serve/job/dlq/quarantine commands.
type enrichEnv struct {
	Store    store.Store
	Sources  *source.Registry
	Breakers *resilience.Breakers
	Quota    *quota.Tracker
	Cleaner  *enrich.Cleaner
	Retrier  *enrich.Retrier
	// Jobs holds the enabled enrichment jobs keyed by name.
	Jobs map[string]*enrich.Job
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, c.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates config for mode, opens the store and builds every
// enrichment dependency. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*enrichEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env := &enrichEnv{Store: st, Jobs: make(map[string]*enrich.Job)}

	if err := env.build(ctx, c); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *enrichEnv) build(ctx context.Context, c *config.Config) error {
	client := fetcher.NewClient(fetcher.OptionsFromConfig(c))
	reg, err := adapters.Registry(c, client)
	if err != nil {
		return eris.Wrap(err, "build source registry")
	}
	e.Sources = reg

	ids := c.SourceIDs()

	bcfg := resilience.FromCircuitConfig(c.Circuit)
	bcfg.OnStateChange = func(src model.SourceID, from, to resilience.CircuitState) {
		metrics.SetCircuitState(string(src), int(to))
		zap.L().Warn("circuit state change",
			zap.String("source", string(src)),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	e.Breakers = resilience.NewBreakers(bcfg, e.Store)
	if err := e.Breakers.Load(ctx, ids); err != nil {
		return eris.Wrap(err, "restore circuit breakers")
	}

	limits := make(map[model.SourceID]int, len(ids))
	for _, id := range ids {
		limits[id] = c.Sources[string(id)].DailyLimit
	}
	e.Quota = quota.New(e.Store, limits)
	if err := e.Quota.Init(ctx); err != nil {
		return eris.Wrap(err, "init quotas")
	}

	rules := merge.RulesFromConfig(c.Merge)
	if c.Merge.RulesFile != "" {
		if rules, err = merge.LoadRules(c.Merge.RulesFile, rules); err != nil {
			return err
		}
	} else if err := rules.Validate(); err != nil {
		return err
	}

	deps := enrich.Deps{
		Store:    e.Store,
		Sources:  e.Sources,
		Breakers: e.Breakers,
		Quota:    e.Quota,
		Resolver: merge.NewResolver(rules),
		Matcher:  merge.NewMatcher(rules),
	}
	e.Cleaner = enrich.NewCleaner(e.Store, c.Merge)
	e.Retrier = enrich.NewRetrier(deps, c.DLQ)

	for name, jc := range c.Jobs {
		if !jc.Enabled {
			continue
		}
		spec, err := enrich.SpecFromConfig(name, c)
		if err != nil {
			return err
		}
		e.Jobs[name] = enrich.NewJob(spec, deps)
	}
	return nil
}

// jobNames returns the enabled job names in lexical order.
func (e *enrichEnv) jobNames() []string {
	names := make([]string, 0, len(e.Jobs))
	for name := range e.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newScheduler registers every enrichment job plus the dlq retry, quarantine
// cleanup and quota reset tasks.
func (e *enrichEnv) newScheduler(c *config.Config) (*scheduler.Scheduler, error) {
	s := scheduler.New(e.Store, c.Scheduler)
	for _, name := range e.jobNames() {
		if err := s.Register(scheduler.EnrichTask(e.Jobs[name], c.Jobs[name].Schedule)); err != nil {
			return nil, err
		}
	}
	if err := s.Register(scheduler.RetryTask(e.Retrier, c.DLQ.Schedule)); err != nil {
		return nil, err
	}
	if err := s.Register(scheduler.CleanupTask(e.Cleaner, c.Merge.CleanupSchedule)); err != nil {
		return nil, err
	}
	if err := s.Register(scheduler.QuotaResetTask(e.Quota)); err != nil {
		return nil, err
	}
	return s, nil
}
