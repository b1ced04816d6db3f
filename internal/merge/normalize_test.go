package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Amazing Spider-Man #1", "amazingspiderman1"},
		{"  AMAZING  spiderman 1 ", "amazingspiderman1"},
		{"Ｓａｇａ", "saga"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeText(tt.in), tt.in)
	}
}

func TestKey_CreatorsUnordered(t *testing.T) {
	assert.Equal(t,
		Key(model.FieldCreators, "Stan Lee, Steve Ditko"),
		Key(model.FieldCreators, "steve ditko,STAN LEE"))
}

func TestAgree(t *testing.T) {
	assert.True(t, Agree(model.FieldReleaseYear, "1963", " 1963", 0))
	assert.False(t, Agree(model.FieldReleaseYear, "1963", "1964", 0))
	assert.True(t, Agree(model.FieldPriceCents, "1000", "1049", 0.05))
	assert.False(t, Agree(model.FieldPriceCents, "1000", "1100", 0.05))
	assert.True(t, Agree(model.FieldTitle, "Saga #1", "saga 1", 0))
}

func TestBounds_Check(t *testing.T) {
	b := DefaultBounds()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := []struct {
		f model.Field
		v string
	}{
		{model.FieldReleaseYear, "1963"},
		{model.FieldReleaseYear, "2028"},
		{model.FieldPriceCents, "0"},
		{model.FieldIssueNumber, "1"},
		{model.FieldIssueNumber, "12.1"},
		{model.FieldIssueNumber, "1AU"},
		{model.FieldIssueNumber, "½"},
		{model.FieldCoverImageURL, "https://img.example.com/1.jpg"},
		{model.FieldTitle, "anything"},
	}
	for _, tt := range ok {
		assert.Empty(t, b.Check(tt.f, tt.v, now), "%s=%s", tt.f, tt.v)
	}

	bad := []struct {
		f model.Field
		v string
	}{
		{model.FieldReleaseYear, "1899"},
		{model.FieldReleaseYear, "2029"},
		{model.FieldReleaseYear, "soon"},
		{model.FieldPriceCents, "-1"},
		{model.FieldPriceCents, "10000001"},
		{model.FieldIssueNumber, "Annual #1 (variant)"},
		{model.FieldCoverImageURL, "/relative.jpg"},
	}
	for _, tt := range bad {
		assert.NotEmpty(t, b.Check(tt.f, tt.v, now), "%s=%s", tt.f, tt.v)
	}
}
