// Package gcd adapts the Grand Comics Database public JSON API.
package gcd

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/source"
)

const defaultBaseURL = "https://www.comics.org/api"

var fieldMapping = map[model.Field]string{
	model.FieldSeries:        "series_name",
	model.FieldIssueNumber:   "descriptor",
	model.FieldPublisher:     "indicia_publisher",
	model.FieldReleaseYear:   "key_date",
	model.FieldCoverImageURL: "cover",
	model.FieldPriceCents:    "price",
}

// Adapter talks to the GCD API. No credentials are needed.
type Adapter struct {
	http       source.Getter
	baseURL    string
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

// New creates a GCD adapter.
func New(h source.Getter, opts ...Option) *Adapter {
	a := &Adapter{
		http:       h,
		baseURL:    defaultBaseURL,
		confidence: 0.8,
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements source.Adapter.
func (a *Adapter) ID() model.SourceID { return model.SourceGCD }

// FieldMapping implements source.Adapter. The title is derived from the
// series name and descriptor.
func (a *Adapter) FieldMapping() map[model.Field]string {
	out := make(map[model.Field]string, len(fieldMapping)+1)
	for k, v := range fieldMapping {
		out[k] = v
	}
	out[model.FieldTitle] = "series_name+descriptor"
	return out
}

type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// FetchPage searches issues by series name, issue number and year. GCD needs
// a series name; without one the result is empty.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, f source.Filters) (*source.FetchResult, error) {
	res := &source.FetchResult{}
	name := f.Series
	if name == "" {
		name = f.Title
	}
	if name == "" {
		return res, nil
	}

	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, eris.Errorf("gcd: invalid cursor %q", cursor)
		}
		pageNum = n
	}

	path := "/series/name/" + url.PathEscape(name) + "/"
	if f.IssueNumber != "" {
		path += "issue/" + url.PathEscape(f.IssueNumber) + "/"
	}
	if f.ReleaseYear > 0 {
		path += "year/" + strconv.Itoa(f.ReleaseYear) + "/"
	}
	q := url.Values{}
	q.Set("format", "json")
	q.Set("page", strconv.Itoa(pageNum))

	p, found, err := source.GetJSON[page](ctx, a.http, a.baseURL+path+"?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "gcd: fetch page")
	}
	if !found {
		return res, nil
	}

	now := a.nowFunc().UTC()
	for i, raw := range p.Results {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			res.Errors = append(res.Errors, "gcd: result "+strconv.Itoa(i)+": "+err.Error())
			continue
		}
		id := source.LastPathID(source.String(data["api_url"]))
		if id == "" {
			res.Errors = append(res.Errors, "gcd: result "+strconv.Itoa(i)+": missing api_url")
			continue
		}
		res.Records = append(res.Records, source.Record{
			Source:     model.SourceGCD,
			ExternalID: id,
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

// FetchByID loads one issue.
func (a *Adapter) FetchByID(ctx context.Context, externalID string) (*source.Record, error) {
	if externalID == "" {
		return nil, eris.New("gcd: empty id")
	}
	data, found, err := source.GetJSON[map[string]any](ctx, a.http, a.baseURL+"/issue/"+url.PathEscape(externalID)+"/?format=json")
	if err != nil {
		return nil, eris.Wrapf(err, "gcd: fetch issue %s", externalID)
	}
	if !found {
		return nil, nil
	}
	if len(*data) == 0 {
		return nil, &resilience.DataError{Err: eris.Errorf("gcd: issue %s: empty payload", externalID)}
	}
	return &source.Record{
		Source:     model.SourceGCD,
		ExternalID: externalID,
		Data:       *data,
		FetchedAt:  a.nowFunc().UTC(),
	}, nil
}

// Normalize implements source.Adapter. GCD descriptors can carry a variant
// suffix ("1 [Newsstand]") which is dropped from the issue number.
func (a *Adapter) Normalize(rec *source.Record) source.Canonical {
	c := source.MapFields(rec, fieldMapping, a.confidence)
	if n, ok := c.Values[model.FieldIssueNumber]; ok {
		if i := strings.Index(n, "["); i > 0 {
			n = strings.TrimSpace(n[:i])
		}
		c.Values[model.FieldIssueNumber] = n
	}
	if series := c.Values[model.FieldSeries]; series != "" {
		if n := c.Values[model.FieldIssueNumber]; n != "" {
			c.Values[model.FieldTitle] = series + " #" + n
		} else {
			c.Values[model.FieldTitle] = series
		}
	}
	return c
}

// HealthCheck implements source.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return source.Ping(ctx, a.http, a.baseURL+"/?format=json")
}
