// Package metron adapts the Metron comic database API.
package metron

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/fetcher"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/source"
)

const defaultBaseURL = "https://metron.cloud/api"

var fieldMapping = map[model.Field]string{
	model.FieldTitle:         "issue",
	model.FieldSeries:        "series.name",
	model.FieldIssueNumber:   "number",
	model.FieldPublisher:     "publisher.name",
	model.FieldReleaseYear:   "cover_date",
	model.FieldCreators:      "credits",
	model.FieldCoverImageURL: "image",
	model.FieldDescription:   "desc",
	model.FieldPriceCents:    "price",
}

// Adapter talks to Metron with HTTP basic auth.
type Adapter struct {
	http       source.Getter
	baseURL    string
	username   string
	password   string
	confidence float64
	nowFunc    func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithConfidence sets the confidence attached to every value.
func WithConfidence(c float64) Option {
	return func(a *Adapter) {
		if c > 0 {
			a.confidence = c
		}
	}
}

// New creates a Metron adapter.
func New(h source.Getter, username, password string, opts ...Option) *Adapter {
	a := &Adapter{
		http:       h,
		baseURL:    defaultBaseURL,
		username:   username,
		password:   password,
		confidence: 0.9,
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements source.Adapter.
func (a *Adapter) ID() model.SourceID { return model.SourceMetron }

// FieldMapping implements source.Adapter.
func (a *Adapter) FieldMapping() map[model.Field]string {
	out := make(map[model.Field]string, len(fieldMapping))
	for k, v := range fieldMapping {
		out[k] = v
	}
	return out
}

type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// FetchPage searches issues. The cursor is the 1-based page number.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, f source.Filters) (*source.FetchResult, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, eris.Errorf("metron: invalid cursor %q", cursor)
		}
		pageNum = n
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(pageNum))
	if f.Series != "" {
		q.Set("series_name", f.Series)
	} else if f.Title != "" {
		q.Set("series_name", f.Title)
	}
	if f.IssueNumber != "" {
		q.Set("number", f.IssueNumber)
	}
	if f.ReleaseYear > 0 {
		q.Set("cover_year", strconv.Itoa(f.ReleaseYear))
	}
	if f.Publisher != "" {
		q.Set("publisher_name", f.Publisher)
	}
	if f.UPC != "" {
		q.Set("upc", f.UPC)
	}

	p, found, err := source.GetJSON[page](ctx, a.http, a.baseURL+"/issue/?"+q.Encode(), a.auth())
	if err != nil {
		return nil, eris.Wrap(err, "metron: fetch page")
	}
	res := &source.FetchResult{}
	if !found {
		return res, nil
	}

	now := a.nowFunc().UTC()
	for i, raw := range p.Results {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			res.Errors = append(res.Errors, "metron: page "+strconv.Itoa(pageNum)+" result "+strconv.Itoa(i)+": "+err.Error())
			continue
		}
		res.Records = append(res.Records, source.Record{
			Source:     model.SourceMetron,
			ExternalID: source.String(data["id"]),
			Data:       data,
			FetchedAt:  now,
		})
	}
	if p.Next != nil && *p.Next != "" {
		res.HasMore = true
		res.NextCursor = strconv.Itoa(pageNum + 1)
	}
	return res, nil
}

// FetchByID loads the issue detail, which carries credits and price.
func (a *Adapter) FetchByID(ctx context.Context, externalID string) (*source.Record, error) {
	if externalID == "" {
		return nil, eris.New("metron: empty id")
	}
	data, found, err := source.GetJSON[map[string]any](ctx, a.http, a.baseURL+"/issue/"+url.PathEscape(externalID)+"/", a.auth())
	if err != nil {
		return nil, eris.Wrapf(err, "metron: fetch issue %s", externalID)
	}
	if !found {
		return nil, nil
	}
	if len(*data) == 0 {
		return nil, &resilience.DataError{Err: eris.Errorf("metron: issue %s: empty payload", externalID)}
	}
	rec := source.Record{
		Source:     model.SourceMetron,
		ExternalID: externalID,
		Data:       *data,
		FetchedAt:  a.nowFunc().UTC(),
	}
	if upc := source.String((*data)["upc"]); upc != "" {
		rec.Extra = map[string]string{"upc": upc}
	}
	return &rec, nil
}

// Normalize implements source.Adapter. Metron prices are dollar strings.
func (a *Adapter) Normalize(rec *source.Record) source.Canonical {
	return source.MapFields(rec, fieldMapping, a.confidence)
}

// HealthCheck implements source.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return source.Ping(ctx, a.http, a.baseURL+"/publisher/?page=1", a.auth())
}

func (a *Adapter) auth() fetcher.RequestOption {
	return fetcher.WithBasicAuth(a.username, a.password)
}
