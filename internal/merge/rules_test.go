package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRulesFromConfig(t *testing.T) {
	r := RulesFromConfig(config.MergeConfig{
		SourcePriority:      []string{"gcd", "metron"},
		ConfidenceThreshold: 0.7,
		PriceTolerance:      0.1,
		MatchThreshold:      0.8,
	})
	assert.Equal(t, []model.SourceID{model.SourceGCD, model.SourceMetron}, r.SourcePriority)
	assert.Equal(t, 0.7, r.ConfidenceThreshold)
	assert.Equal(t, DefaultBounds(), r.Bounds)
	require.NoError(t, r.Validate())
}

func TestLoadRules(t *testing.T) {
	path := writeRules(t, `
merge:
  confidence_threshold: 0.65
  bounds:
    min_year: 1930
  fields:
    price_cents:
      source_priority: [pricecharting, metron]
      tolerance: 0.1
    description:
      confidence_threshold: 0.9
`)
	base := testRules()
	r, err := LoadRules(path, base)
	require.NoError(t, err)

	assert.Equal(t, base.SourcePriority, r.SourcePriority)
	assert.Equal(t, 0.65, r.ConfidenceThreshold)
	assert.Equal(t, 1930, r.Bounds.MinYear)
	assert.Equal(t, base.Bounds.MaxPriceCents, r.Bounds.MaxPriceCents)

	price := r.field(model.FieldPriceCents)
	assert.Equal(t, []model.SourceID{model.SourcePriceCharting, model.SourceMetron}, price.SourcePriority)
	assert.Equal(t, 0.1, price.Tolerance)
	assert.Equal(t, 0.65, price.ConfidenceThreshold)

	desc := r.field(model.FieldDescription)
	assert.Equal(t, 0.9, desc.ConfidenceThreshold)
	assert.Equal(t, base.SourcePriority, desc.SourcePriority)
	assert.Zero(t, desc.Tolerance)
}

func TestLoadRules_UnknownSource(t *testing.T) {
	path := writeRules(t, "merge:\n  source_priority: [ebay]\n")
	base := testRules()
	r, err := LoadRules(path, base)
	require.Error(t, err)
	assert.Equal(t, base, r)
}

func TestLoadRules_FileNotFound(t *testing.T) {
	_, err := LoadRules("/nonexistent/merge.yaml", testRules())
	assert.Error(t, err)
}

func TestLoadRules_BadYAML(t *testing.T) {
	path := writeRules(t, "merge: [unclosed")
	_, err := LoadRules(path, testRules())
	assert.Error(t, err)
}
