// Package model defines the catalog entities and pipeline bookkeeping records.
package model

import (
	"sort"

	"github.com/rotisserie/eris"
)

// SourceID identifies an external metadata or pricing API. The set is closed.
type SourceID string

const (
	SourceComicVine     SourceID = "comicvine"
	SourceMetron        SourceID = "metron"
	SourceGCD           SourceID = "gcd"
	SourcePriceCharting SourceID = "pricecharting"

	// SourceCatalog marks values loaded by the seed import. Enrichment may overwrite them.
	SourceCatalog SourceID = "catalog"
	// SourceManual marks operator-chosen values. Enrichment never overwrites them.
	SourceManual SourceID = "manual"
)

var knownSources = map[SourceID]bool{
	SourceComicVine:     true,
	SourceMetron:        true,
	SourceGCD:           true,
	SourcePriceCharting: true,
}

// AllSources returns every known source in lexical order.
func AllSources() []SourceID {
	out := make([]SourceID, 0, len(knownSources))
	for s := range knownSources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether s is one of the fetchable sources.
func (s SourceID) Valid() bool {
	return knownSources[s]
}

// ParseSource converts a configured name into a SourceID.
func ParseSource(name string) (SourceID, error) {
	s := SourceID(name)
	if !s.Valid() {
		return "", eris.Errorf("model: unknown source %q", name)
	}
	return s, nil
}
