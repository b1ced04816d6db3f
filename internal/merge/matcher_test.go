package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/source"
)

func entityWith(vals map[model.Field]string) *model.Entity {
	e := &model.Entity{ID: 1, Fields: map[model.Field]model.FieldValue{}}
	for f, v := range vals {
		e.Fields[f] = model.FieldValue{Value: v}
	}
	return e
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Amazing Spider-Man", "amazing spiderman"))
	assert.Equal(t, 0.0, Similarity("", "x"))
	s := Similarity("Batman", "Batwoman")
	assert.Greater(t, s, 0.7)
	assert.Less(t, s, 1.0)
}

func TestMatcher_Score(t *testing.T) {
	m := NewMatcher(testRules())
	e := entityWith(map[model.Field]string{
		model.FieldTitle:       "Amazing Spider-Man #1",
		model.FieldSeries:      "Amazing Spider-Man",
		model.FieldIssueNumber: "1",
		model.FieldReleaseYear: "1963",
		model.FieldPublisher:   "Marvel",
	})

	exact := source.Canonical{Source: model.SourceMetron, Values: map[model.Field]string{
		model.FieldTitle: "Amazing Spider-Man #1", model.FieldIssueNumber: "1",
		model.FieldReleaseYear: "1963", model.FieldPublisher: "Marvel",
	}}
	assert.InDelta(t, 1.0, m.Score(e, exact), 1e-9)
	assert.True(t, m.Accepted(m.Score(e, exact)))

	wrongIssue := source.Canonical{Source: model.SourceMetron, Values: map[model.Field]string{
		model.FieldTitle: "Amazing Spider-Man #2", model.FieldIssueNumber: "2", model.FieldReleaseYear: "1963",
	}}
	assert.False(t, m.Accepted(m.Score(e, wrongIssue)))

	titleOnly := source.Canonical{Values: map[model.Field]string{model.FieldSeries: "Amazing Spider-Man"}}
	assert.InDelta(t, 1.0, m.Score(e, titleOnly), 1e-9)

	assert.Zero(t, m.Score(&model.Entity{}, exact))
}

func TestMatcher_YearOffByOne(t *testing.T) {
	m := NewMatcher(testRules())
	e := entityWith(map[model.Field]string{model.FieldTitle: "Saga", model.FieldReleaseYear: "2012"})
	c := source.Canonical{Values: map[model.Field]string{model.FieldTitle: "Saga", model.FieldReleaseYear: "2013"}}
	assert.InDelta(t, (0.45+0.15*0.5)/0.6, m.Score(e, c), 1e-9)
}

func TestMatcher_BestTieGoesToPriority(t *testing.T) {
	m := NewMatcher(testRules())
	e := entityWith(map[model.Field]string{model.FieldTitle: "Saga #1"})
	now := time.Now()

	best, ok := m.Best(e, []source.Canonical{
		{Source: model.SourceGCD, ExternalID: "g1", FetchedAt: now, Values: map[model.Field]string{model.FieldTitle: "Saga #1"}},
		{Source: model.SourceMetron, ExternalID: "m1", FetchedAt: now, Values: map[model.Field]string{model.FieldTitle: "Saga #1"}},
		{Source: model.SourceMetron, ExternalID: "m2", FetchedAt: now, Values: map[model.Field]string{model.FieldTitle: "Saga #10"}},
	})
	require.True(t, ok)
	assert.Equal(t, "m1", best.Canonical.ExternalID)
	assert.Equal(t, 1.0, best.Score)

	_, ok = m.Best(e, nil)
	assert.False(t, ok)
}
