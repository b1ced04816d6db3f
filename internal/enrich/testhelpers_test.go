package enrich

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/merge"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/quota"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// fakeSource serves records keyed by external id. Record data uses the
// canonical field names as keys.
type fakeSource struct {
	id model.SourceID

	mu       sync.Mutex
	records  map[string]map[string]any
	search   []string
	err      error
	panicMsg string
	byID     map[string]int
	pages    int
}

func newFakeSource(id model.SourceID) *fakeSource {
	return &fakeSource{
		id:      id,
		records: make(map[string]map[string]any),
		byID:    make(map[string]int),
	}
}

func (f *fakeSource) ID() model.SourceID { return f.id }

func (f *fakeSource) FetchPage(_ context.Context, _ string, _ source.Filters) (*source.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages++
	if f.err != nil {
		return nil, f.err
	}
	res := &source.FetchResult{}
	for _, ext := range f.search {
		res.Records = append(res.Records, f.record(ext))
	}
	return res, nil
}

func (f *fakeSource) FetchByID(_ context.Context, ext string) (*source.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[ext]++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.records[ext]; !ok {
		return nil, nil
	}
	rec := f.record(ext)
	return &rec, nil
}

func (f *fakeSource) record(ext string) source.Record {
	return source.Record{Source: f.id, ExternalID: ext, Data: f.records[ext], FetchedAt: time.Now().UTC()}
}

func (f *fakeSource) Normalize(rec *source.Record) source.Canonical {
	return source.MapFields(rec, f.FieldMapping(), 0.9)
}

func (f *fakeSource) HealthCheck(context.Context) bool { return true }

func (f *fakeSource) FieldMapping() map[model.Field]string {
	return map[model.Field]string{
		model.FieldTitle:       "title",
		model.FieldSeries:      "series",
		model.FieldIssueNumber: "issue_number",
		model.FieldPublisher:   "publisher",
		model.FieldReleaseYear: "release_year",
	}
}

func (f *fakeSource) set(ext string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[ext] = data
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.pages
	for _, c := range f.byID {
		n += c
	}
	return n
}

type testEnv struct {
	st   *store.SQLiteStore
	deps Deps
}

func newTestEnv(t *testing.T, adapters ...source.Adapter) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	reg := source.NewRegistry()
	limits := make(map[model.SourceID]int)
	for _, a := range adapters {
		reg.Register(a)
		limits[a.ID()] = 1000
	}
	tracker := quota.New(st, limits)
	require.NoError(t, tracker.Init(ctx))

	rules := merge.RulesFromConfig(config.MergeConfig{
		SourcePriority:      []string{"metron", "comicvine", "gcd", "pricecharting"},
		ConfidenceThreshold: 0.6,
		MatchThreshold:      0.75,
		PriceTolerance:      0.05,
	})

	return &testEnv{
		st: st,
		deps: Deps{
			Store:    st,
			Sources:  reg,
			Breakers: resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 10, ResetTimeout: time.Hour}, st),
			Quota:    tracker,
			Resolver: merge.NewResolver(rules),
			Matcher:  merge.NewMatcher(rules),
		},
	}
}

func testSpec(sources ...model.SourceID) Spec {
	return Spec{
		Name:       "comics_enrichment",
		Kind:       model.KindComic,
		Sources:    sources,
		BatchSize:  10,
		FlushEvery: 2,
		Workers:    2,
	}
}

// seed imports comics and returns their ids in catalog order.
func (e *testEnv) seed(t *testing.T, rows ...store.ImportRow) []int64 {
	t.Helper()
	ctx := context.Background()
	for i := range rows {
		if rows[i].Kind == "" {
			rows[i].Kind = model.KindComic
		}
	}
	_, err := e.st.ImportEntities(ctx, rows)
	require.NoError(t, err)

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		batch, err := e.st.NextBatch(ctx, store.BatchQuery{JobName: "seed", Kind: r.Kind, Limit: 1000})
		require.NoError(t, err)
		for _, ent := range batch {
			if ent.SKU == r.SKU {
				ids = append(ids, ent.ID)
			}
		}
	}
	require.Len(t, ids, len(rows))
	return ids
}

func linkedComic(sku, title string, src model.SourceID, ext string) store.ImportRow {
	return store.ImportRow{
		SKU:         sku,
		Fields:      map[model.Field]string{model.FieldTitle: title},
		ExternalIDs: map[model.SourceID]string{src: ext},
	}
}

func (e *testEnv) entity(t *testing.T, id int64) *model.Entity {
	t.Helper()
	ent, err := e.st.GetEntity(context.Background(), id)
	require.NoError(t, err)
	return ent
}

func (e *testEnv) checkpoint(t *testing.T, job string) *model.Checkpoint {
	t.Helper()
	cp, err := e.st.GetCheckpoint(context.Background(), job)
	require.NoError(t, err)
	return cp
}
