// Package comicvine adapts the Comic Vine issues API.
package comicvine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/source"
)

const (
	defaultBaseURL = "https://comicvine.gamespot.com/api"
	maxPageSize    = 100
)

// Comic Vine reports errors in the body with HTTP 200.
const (
	statusOK          = 1
	statusInvalidKey  = 100
	statusNotFound    = 101
	statusRateLimited = 107

	issuePrefix = "4000-"
)

var fieldMapping = map[model.Field]string{
	model.FieldTitle:         "name",
	model.FieldSeries:        "volume.name",
	model.FieldIssueNumber:   "issue_number",
	model.FieldPublisher:     "volume.publisher.name",
	model.FieldReleaseYear:   "cover_date",
	model.FieldCreators:      "person_credits",
	model.FieldCoverImageURL: "image.original_url",
	model.FieldDescription:   "deck",
}

// Adapter talks to Comic Vine.
type Adapter struct {
	http       source.Getter
	baseURL    string
	apiKey     string
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

// New creates a Comic Vine adapter.
func New(h source.Getter, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		http:       h,
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		confidence: 0.85,
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements source.Adapter.
func (a *Adapter) ID() model.SourceID { return model.SourceComicVine }

// FieldMapping implements source.Adapter.
func (a *Adapter) FieldMapping() map[model.Field]string {
	out := make(map[model.Field]string, len(fieldMapping))
	for k, v := range fieldMapping {
		out[k] = v
	}
	return out
}

type envelope struct {
	StatusCode           int             `json:"status_code"`
	Error                string          `json:"error"`
	Offset               int             `json:"offset"`
	NumberOfPageResults  int             `json:"number_of_page_results"`
	NumberOfTotalResults int             `json:"number_of_total_results"`
	Results              json.RawMessage `json:"results"`
}

func (e *envelope) err() error {
	switch e.StatusCode {
	case statusOK, statusNotFound:
		return nil
	case statusInvalidKey:
		return resilience.NewPermanentError(eris.Errorf("comicvine: %s", e.Error), http.StatusUnauthorized)
	case statusRateLimited:
		return &resilience.RateLimitExceeded{Host: "comicvine", RetryAfter: time.Hour}
	default:
		return &resilience.DataError{Err: eris.Errorf("comicvine: status %d: %s", e.StatusCode, e.Error)}
	}
}

// FetchPage searches issues. The cursor is the result offset.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, f source.Filters) (*source.FetchResult, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, eris.Errorf("comicvine: invalid cursor %q", cursor)
		}
		offset = n
	}
	limit := f.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	q := a.query()
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if filter := buildFilter(f); filter != "" {
		q.Set("filter", filter)
	}

	env, found, err := source.GetJSON[envelope](ctx, a.http, a.baseURL+"/issues/?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "comicvine: fetch page")
	}
	res := &source.FetchResult{}
	if !found || env.StatusCode == statusNotFound {
		return res, nil
	}
	if err := env.err(); err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if len(env.Results) > 0 {
		if err := json.Unmarshal(env.Results, &items); err != nil {
			return nil, &resilience.DataError{Err: eris.Wrap(err, "comicvine: decode results")}
		}
	}
	now := a.nowFunc().UTC()
	for i, raw := range items {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			res.Errors = append(res.Errors, "comicvine: result "+strconv.Itoa(offset+i)+": "+err.Error())
			continue
		}
		res.Records = append(res.Records, a.record(data, now))
	}

	next := env.Offset + env.NumberOfPageResults
	if env.NumberOfPageResults > 0 && next < env.NumberOfTotalResults {
		res.HasMore = true
		res.NextCursor = strconv.Itoa(next)
	}
	return res, nil
}

// FetchByID loads one issue by its numeric id.
func (a *Adapter) FetchByID(ctx context.Context, externalID string) (*source.Record, error) {
	id := strings.TrimPrefix(externalID, issuePrefix)
	if id == "" {
		return nil, eris.New("comicvine: empty id")
	}
	rawURL := a.baseURL + "/issue/" + issuePrefix + url.PathEscape(id) + "/?" + a.query().Encode()

	env, found, err := source.GetJSON[envelope](ctx, a.http, rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "comicvine: fetch issue %s", id)
	}
	if !found || env.StatusCode == statusNotFound {
		return nil, nil
	}
	if err := env.err(); err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(env.Results, &data); err != nil || len(data) == 0 {
		return nil, &resilience.DataError{Err: eris.Errorf("comicvine: issue %s: empty or malformed result", id)}
	}
	rec := a.record(data, a.nowFunc().UTC())
	return &rec, nil
}

// Normalize maps an issue payload onto the catalog fields. The title is
// "<volume> #<issue>" when both are known, since Comic Vine's own name is the
// story title.
func (a *Adapter) Normalize(rec *source.Record) source.Canonical {
	c := source.MapFields(rec, fieldMapping, a.confidence)
	series, issue := c.Values[model.FieldSeries], c.Values[model.FieldIssueNumber]
	if series != "" && issue != "" {
		c.Values[model.FieldTitle] = series + " #" + issue
	}
	return c
}

// HealthCheck implements source.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	q := a.query()
	q.Set("limit", "1")
	return source.Ping(ctx, a.http, a.baseURL+"/types/?"+q.Encode())
}

func (a *Adapter) query() url.Values {
	q := url.Values{}
	q.Set("api_key", a.apiKey)
	q.Set("format", "json")
	return q
}

func (a *Adapter) record(data map[string]any, now time.Time) source.Record {
	rec := source.Record{
		Source:     model.SourceComicVine,
		ExternalID: source.String(data["id"]),
		Data:       data,
		FetchedAt:  now,
	}
	if u := source.String(data["site_detail_url"]); u != "" {
		rec.Extra = map[string]string{"site_detail_url": u}
	}
	return rec
}

func buildFilter(f source.Filters) string {
	var parts []string
	if name := firstNonEmpty(f.Series, f.Title); name != "" {
		parts = append(parts, "name:"+strings.ReplaceAll(name, ",", " "))
	}
	if f.IssueNumber != "" {
		parts = append(parts, "issue_number:"+f.IssueNumber)
	}
	if f.ReleaseYear > 0 {
		y := strconv.Itoa(f.ReleaseYear)
		parts = append(parts, "cover_date:"+y+"-01-01|"+y+"-12-31")
	}
	return strings.Join(parts, ",")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
