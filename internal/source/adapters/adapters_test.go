package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestRegistry_EnabledOnly(t *testing.T) {
	cfg := &config.Config{Sources: map[string]config.SourceConfig{
		"comicvine":     {Enabled: true, APIKey: "k"},
		"gcd":           {Enabled: true},
		"metron":        {Enabled: false},
		"pricecharting": {Enabled: true, APIKey: "t", Confidence: 0.6},
	}}

	reg, err := Registry(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.SourceID{model.SourceComicVine, model.SourceGCD, model.SourcePriceCharting}, reg.IDs())

	a, ok := reg.Get(model.SourcePriceCharting)
	require.True(t, ok)
	assert.Equal(t, model.SourcePriceCharting, a.ID())
	_, ok = reg.Get(model.SourceMetron)
	assert.False(t, ok)
}

func TestNew_MissingCredentials(t *testing.T) {
	tests := []struct {
		id model.SourceID
		sc config.SourceConfig
	}{
		{model.SourceComicVine, config.SourceConfig{}},
		{model.SourceMetron, config.SourceConfig{Username: "u"}},
		{model.SourcePriceCharting, config.SourceConfig{}},
		{model.SourceID("ebay"), config.SourceConfig{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			_, err := New(tt.id, tt.sc, nil)
			assert.Error(t, err)
		})
	}
}
