// Package adapters builds the source registry from configuration.
package adapters

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/source"
	"github.com/sells-group/catalog-enricher/internal/source/comicvine"
	"github.com/sells-group/catalog-enricher/internal/source/gcd"
	"github.com/sells-group/catalog-enricher/internal/source/metron"
	"github.com/sells-group/catalog-enricher/internal/source/pricecharting"
)

// New returns the adapter for one configured source.
func New(id model.SourceID, sc config.SourceConfig, h source.Getter) (source.Adapter, error) {
	switch id {
	case model.SourceComicVine:
		if sc.APIKey == "" {
			return nil, eris.New("adapters: comicvine requires api_key")
		}
		return comicvine.New(h, sc.APIKey, comicvine.WithBaseURL(sc.BaseURL), comicvine.WithConfidence(sc.Confidence)), nil
	case model.SourceMetron:
		if sc.Username == "" || sc.Password == "" {
			return nil, eris.New("adapters: metron requires username and password")
		}
		return metron.New(h, sc.Username, sc.Password, metron.WithBaseURL(sc.BaseURL), metron.WithConfidence(sc.Confidence)), nil
	case model.SourceGCD:
		return gcd.New(h, gcd.WithBaseURL(sc.BaseURL), gcd.WithConfidence(sc.Confidence)), nil
	case model.SourcePriceCharting:
		if sc.APIKey == "" {
			return nil, eris.New("adapters: pricecharting requires api_key")
		}
		return pricecharting.New(h, sc.APIKey, pricecharting.WithBaseURL(sc.BaseURL), pricecharting.WithConfidence(sc.Confidence)), nil
	default:
		return nil, eris.Errorf("adapters: unknown source %q", id)
	}
}

// Registry builds a registry holding every enabled source.
func Registry(cfg *config.Config, h source.Getter) (*source.Registry, error) {
	reg := source.NewRegistry()
	for _, id := range cfg.SourceIDs() {
		a, err := New(id, cfg.Sources[string(id)], h)
		if err != nil {
			return nil, err
		}
		reg.Register(a)
	}
	return reg, nil
}
