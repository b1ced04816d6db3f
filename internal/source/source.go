// Package source defines the contract every external metadata or pricing API
// adapter implements, plus the registry the jobs resolve adapters from.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// Filters narrow a search. Empty fields are not sent.
type Filters struct {
	Title       string
	Series      string
	IssueNumber string
	Publisher   string
	ReleaseYear int
	UPC         string
	// Limit is the requested page size; adapters clamp it to what the API allows.
	Limit int
}

// Record is one raw payload returned by a source, before normalization.
type Record struct {
	Source     model.SourceID
	ExternalID string
	Data       map[string]any
	// Extra carries source-specific values that have no canonical field.
	Extra     map[string]string
	FetchedAt time.Time
}

// FetchResult is one page of search results.
type FetchResult struct {
	Records    []Record
	NextCursor string
	HasMore    bool
	// Errors lists records that were skipped because they could not be read.
	Errors []string
}

// Canonical is a record mapped onto the catalog fields. Missing values are
// absent from Values, never empty strings.
type Canonical struct {
	Source     model.SourceID
	ExternalID string
	Values     map[model.Field]string
	Confidence float64
	FetchedAt  time.Time
}

// Candidate returns the value for f as a merge candidate.
func (c Canonical) Candidate(f model.Field) (model.Candidate, bool) {
	v, ok := c.Values[f]
	if !ok {
		return model.Candidate{}, false
	}
	return model.Candidate{
		Value: v,
		Provenance: model.Provenance{
			Source:     c.Source,
			FetchedAt:  c.FetchedAt,
			Confidence: c.Confidence,
		},
	}, true
}

// Adapter wraps one external API. Adapters do not retry; retries, rate limits
// and host blocking live in the shared fetcher.Client.
type Adapter interface {
	ID() model.SourceID
	FetchPage(ctx context.Context, cursor string, filters Filters) (*FetchResult, error)
	// FetchByID returns nil, nil when the source has no such record.
	FetchByID(ctx context.Context, externalID string) (*Record, error)
	Normalize(rec *Record) Canonical
	HealthCheck(ctx context.Context) bool
	FieldMapping() map[model.Field]string
}

// Registry holds the configured adapters keyed by source id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.SourceID]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.SourceID]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same source.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for id.
func (r *Registry) Get(id model.SourceID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns the registered sources in lexical order.
func (r *Registry) IDs() []model.SourceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SourceID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health runs every adapter's health check concurrently.
func (r *Registry) Health(ctx context.Context) map[model.SourceID]bool {
	ids := r.IDs()
	results := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		a, _ := r.Get(id)
		g.Go(func() error {
			results[i] = a.HealthCheck(gctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[model.SourceID]bool, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}
