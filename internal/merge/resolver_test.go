package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/source"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRules() Rules {
	return Rules{
		SourcePriority:      []model.SourceID{model.SourceMetron, model.SourceComicVine, model.SourceGCD, model.SourcePriceCharting},
		ConfidenceThreshold: 0.6,
		PriceTolerance:      0.05,
		MatchThreshold:      0.75,
		Bounds:              DefaultBounds(),
	}
}

func newTestResolver(rules Rules) *Resolver {
	r := NewResolver(rules)
	r.nowFunc = func() time.Time { return testNow }
	return r
}

func cand(src model.SourceID, v string, conf float64, age time.Duration) model.Candidate {
	return model.Candidate{
		Value: v,
		Provenance: model.Provenance{
			Source:     src,
			FetchedAt:  testNow.Add(-age),
			Confidence: conf,
		},
	}
}

func TestMerge_CaseAndSpacingVariantsAutoMerge(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 1, Kind: model.KindComic}

	out := r.Merge(e, []source.Canonical{
		{Source: model.SourceComicVine, Confidence: 0.85, FetchedAt: testNow, Values: map[model.Field]string{model.FieldTitle: "Amazing Spiderman #1"}},
		{Source: model.SourceMetron, Confidence: 0.9, FetchedAt: testNow, Values: map[model.Field]string{model.FieldTitle: "Amazing Spider-Man #1"}},
	})

	require.Len(t, out.Writes, 1)
	w := out.Writes[0]
	assert.Equal(t, model.FieldTitle, w.Field)
	assert.Equal(t, "Amazing Spider-Man #1", w.Value.Value)
	assert.Equal(t, model.SourceMetron, w.Value.Provenance.Source)
	require.NotNil(t, w.Change)
	assert.Equal(t, model.ChangeAgreement, w.Change.Reason)
	assert.Equal(t, "", w.Change.OldValue)
	assert.Equal(t, "Amazing Spider-Man #1", w.Change.NewValue)
	assert.Empty(t, out.Quarantine)
}

func TestResolveField_IdenticalToStoredIsNoop(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 1, Fields: map[model.Field]model.FieldValue{
		model.FieldTitle: {Value: "Saga #1", Provenance: model.Provenance{Source: model.SourceCatalog, FetchedAt: testNow.Add(-time.Hour)}},
	}}

	d := r.ResolveField(e, model.FieldTitle, []model.Candidate{
		cand(model.SourceMetron, "Saga #1", 0.9, 0),
		cand(model.SourceComicVine, "SAGA 1", 0.85, 0),
	})
	assert.Nil(t, d.Write)
	assert.Empty(t, d.Quarantine)
	assert.Equal(t, model.ChangeAgreement, d.Reason)
}

func TestResolveField_ConflictPicksPriorityAndQuarantines(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 7}

	d := r.ResolveField(e, model.FieldPublisher, []model.Candidate{
		cand(model.SourceGCD, "Non-Pareil Publishing", 0.8, 0),
		cand(model.SourceMetron, "Marvel", 0.9, 0),
		cand(model.SourceComicVine, "marvel", 0.85, 0),
	})

	require.NotNil(t, d.Write)
	assert.Equal(t, "Marvel", d.Write.Value.Value)
	assert.Equal(t, model.ChangePriority, d.Write.Change.Reason)

	require.Len(t, d.Quarantine, 1)
	q := d.Quarantine[0]
	assert.Equal(t, model.ReasonConflictingSources, q.Reason)
	assert.Equal(t, int64(7), q.EntityID)
	assert.Equal(t, model.QuarantinePending, q.Status)
	require.Len(t, q.Candidates, 3)
	assert.Equal(t, model.SourceMetron, q.Candidates[0].Provenance.Source)
	assert.Equal(t, model.SourceGCD, q.Candidates[2].Provenance.Source)
	assert.InDelta(t, (0.9+0.85)/(0.9+0.85+0.8), q.Score, 1e-9)
}

func TestResolveField_TieBreakNewestThenSourceID(t *testing.T) {
	rules := testRules()
	rules.SourcePriority = nil
	r := newTestResolver(rules)
	e := &model.Entity{ID: 1}

	d := r.ResolveField(e, model.FieldDescription, []model.Candidate{
		cand(model.SourceMetron, "older text", 0.9, time.Hour),
		cand(model.SourceGCD, "newer text", 0.9, time.Minute),
	})
	require.NotNil(t, d.Winner)
	assert.Equal(t, "newer text", d.Winner.Value)

	d = r.ResolveField(e, model.FieldDescription, []model.Candidate{
		cand(model.SourceMetron, "from metron", 0.9, 0),
		cand(model.SourceGCD, "from gcd", 0.9, 0),
	})
	require.NotNil(t, d.Winner)
	assert.Equal(t, "from gcd", d.Winner.Value)
}

func TestResolveField_LowConfidenceStillAccepted(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 1}

	d := r.ResolveField(e, model.FieldSeries, []model.Candidate{
		cand(model.SourcePriceCharting, "Funko Pop Marvel", 0.4, 0),
	})
	require.NotNil(t, d.Write)
	assert.Equal(t, model.ChangeSingleSource, d.Write.Change.Reason)
	require.Len(t, d.Quarantine, 1)
	assert.Equal(t, model.ReasonLowConfidence, d.Quarantine[0].Reason)
	assert.Equal(t, 0.4, d.Quarantine[0].Score)
}

func TestResolveField_OutOfRangeDropped(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 1}

	d := r.ResolveField(e, model.FieldReleaseYear, []model.Candidate{
		cand(model.SourceMetron, "3020", 0.9, 0),
		cand(model.SourceGCD, "1963", 0.8, 0),
	})
	require.NotNil(t, d.Write)
	assert.Equal(t, "1963", d.Write.Value.Value)
	require.Len(t, d.Quarantine, 1)
	assert.Equal(t, model.ReasonOutOfRange, d.Quarantine[0].Reason)
	assert.Equal(t, "3020", d.Quarantine[0].Candidates[0].Value)
}

func TestResolveField_AllOutOfRange(t *testing.T) {
	r := newTestResolver(testRules())
	d := r.ResolveField(&model.Entity{ID: 1}, model.FieldCoverImageURL, []model.Candidate{
		cand(model.SourceMetron, "ftp://covers/1.jpg", 0.9, 0),
	})
	assert.Nil(t, d.Write)
	assert.Nil(t, d.Winner)
	assert.Len(t, d.Quarantine, 1)
}

func TestResolveField_ManualValuePinned(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 1, Fields: map[model.Field]model.FieldValue{
		model.FieldTitle: {Value: "Operator Title", Provenance: model.Provenance{Source: model.SourceManual, FetchedAt: testNow.Add(-48 * time.Hour)}},
	}}
	d := r.ResolveField(e, model.FieldTitle, []model.Candidate{cand(model.SourceMetron, "Other", 0.9, 0)})
	assert.Nil(t, d.Write)
	assert.Empty(t, d.Quarantine)
}

func TestResolveField_StoredNewerWins(t *testing.T) {
	r := newTestResolver(testRules())
	e := &model.Entity{ID: 1, Fields: map[model.Field]model.FieldValue{
		model.FieldTitle: {Value: "Fresh", Provenance: model.Provenance{Source: model.SourceComicVine, FetchedAt: testNow}},
	}}
	d := r.ResolveField(e, model.FieldTitle, []model.Candidate{cand(model.SourceMetron, "Stale", 0.9, time.Hour)})
	assert.Nil(t, d.Write)
}

func TestResolveField_PriceWithinTolerance(t *testing.T) {
	r := newTestResolver(testRules())
	d := r.ResolveField(&model.Entity{ID: 1}, model.FieldPriceCents, []model.Candidate{
		cand(model.SourcePriceCharting, "1600", 0.75, 0),
		cand(model.SourceMetron, "1580", 0.9, 0),
	})
	require.NotNil(t, d.Write)
	assert.Equal(t, "1580", d.Write.Value.Value)
	assert.Equal(t, model.ChangeAgreement, d.Reason)
	assert.Empty(t, d.Quarantine)

	d = r.ResolveField(&model.Entity{ID: 1}, model.FieldPriceCents, []model.Candidate{
		cand(model.SourcePriceCharting, "2000", 0.75, 0),
		cand(model.SourceMetron, "1580", 0.9, 0),
	})
	assert.Equal(t, model.ChangePriority, d.Reason)
	assert.Len(t, d.Quarantine, 1)
}

func TestResolveField_FieldPriorityOverride(t *testing.T) {
	rules := testRules()
	rules.Fields = map[model.Field]FieldRule{
		model.FieldPriceCents: {SourcePriority: []model.SourceID{model.SourcePriceCharting}},
	}
	r := newTestResolver(rules)
	d := r.ResolveField(&model.Entity{ID: 1}, model.FieldPriceCents, []model.Candidate{
		cand(model.SourceMetron, "399", 0.9, 0),
		cand(model.SourcePriceCharting, "2500", 0.75, 0),
	})
	require.NotNil(t, d.Write)
	assert.Equal(t, "2500", d.Write.Value.Value)
}

func TestRank_UnlistedLast(t *testing.T) {
	ranked := Rank([]model.Candidate{
		cand(model.SourcePriceCharting, "a", 1, 0),
		cand(model.SourceGCD, "b", 1, 0),
	}, []model.SourceID{model.SourceGCD})
	assert.Equal(t, model.SourceGCD, ranked[0].Provenance.Source)
}
