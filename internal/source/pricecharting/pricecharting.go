// Package pricecharting adapts the PriceCharting product API. It is the only
// source of market prices and covers both comics and Funko figures.
package pricecharting

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

const defaultBaseURL = "https://www.pricecharting.com/api"

// Prices are returned as integer pennies.
var fieldMapping = map[model.Field]string{
	model.FieldTitle:       "product-name",
	model.FieldSeries:      "console-name",
	model.FieldReleaseYear: "release-date",
	model.FieldPriceCents:  "loose-price",
}

// Adapter talks to PriceCharting with an access token.
type Adapter struct {
	http       source.Getter
	baseURL    string
	token      string
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

// New creates a PriceCharting adapter.
func New(h source.Getter, token string, opts ...Option) *Adapter {
	a := &Adapter{
		http:       h,
		baseURL:    defaultBaseURL,
		token:      token,
		confidence: 0.75,
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements source.Adapter.
func (a *Adapter) ID() model.SourceID { return model.SourcePriceCharting }

// FieldMapping implements source.Adapter.
func (a *Adapter) FieldMapping() map[model.Field]string {
	out := make(map[model.Field]string, len(fieldMapping))
	for k, v := range fieldMapping {
		out[k] = v
	}
	return out
}

type productsResponse struct {
	Status       string            `json:"status"`
	ErrorMessage string            `json:"error-message"`
	Products     []json.RawMessage `json:"products"`
}

// statusError interprets a "status":"error" body. notFound is true for a
// missing product.
func statusError(msg string) (notFound bool, err error) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such product"), strings.Contains(lower, "not found"):
		return true, nil
	case strings.Contains(lower, "token"):
		return false, resilience.NewPermanentError(eris.Errorf("pricecharting: %s", msg), http.StatusUnauthorized)
	default:
		return false, &resilience.DataError{Err: eris.Errorf("pricecharting: %s", msg)}
	}
}

// FetchPage searches products. PriceCharting has no pagination: a UPC gives
// at most one product and a text query returns a single list.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, f source.Filters) (*source.FetchResult, error) {
	res := &source.FetchResult{}
	now := a.nowFunc().UTC()

	if f.UPC != "" {
		q := a.query()
		q.Set("upc", f.UPC)
		rec, err := a.product(ctx, q)
		if err != nil {
			return nil, eris.Wrap(err, "pricecharting: fetch page")
		}
		if rec != nil {
			res.Records = append(res.Records, *rec)
		}
		return res, nil
	}

	text := searchText(f)
	if text == "" {
		return res, nil
	}
	q := a.query()
	q.Set("q", text)
	body, found, err := source.GetJSON[productsResponse](ctx, a.http, a.baseURL+"/products?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: fetch page")
	}
	if !found {
		return res, nil
	}
	if body.Status != "success" {
		if notFound, err := statusError(body.ErrorMessage); !notFound {
			return nil, err
		}
		return res, nil
	}

	limit := f.Limit
	for i, raw := range body.Products {
		if limit > 0 && len(res.Records) >= limit {
			break
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			res.Errors = append(res.Errors, "pricecharting: product "+strconv.Itoa(i)+": "+err.Error())
			continue
		}
		res.Records = append(res.Records, a.record(data, now))
	}
	return res, nil
}

// FetchByID loads one product by PriceCharting id.
func (a *Adapter) FetchByID(ctx context.Context, externalID string) (*source.Record, error) {
	if externalID == "" {
		return nil, eris.New("pricecharting: empty id")
	}
	q := a.query()
	q.Set("id", externalID)
	rec, err := a.product(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "pricecharting: fetch product %s", externalID)
	}
	return rec, nil
}

func (a *Adapter) product(ctx context.Context, q url.Values) (*source.Record, error) {
	data, found, err := source.GetJSON[map[string]any](ctx, a.http, a.baseURL+"/product?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if status := source.String((*data)["status"]); status != "success" {
		notFound, err := statusError(source.String((*data)["error-message"]))
		if notFound {
			return nil, nil
		}
		return nil, err
	}
	rec := a.record(*data, a.nowFunc().UTC())
	return &rec, nil
}

// Normalize implements source.Adapter.
func (a *Adapter) Normalize(rec *source.Record) source.Canonical {
	return source.MapFields(rec, fieldMapping, a.confidence)
}

// HealthCheck implements source.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	q := a.query()
	q.Set("q", "spider-man")
	return source.Ping(ctx, a.http, a.baseURL+"/products?"+q.Encode())
}

func (a *Adapter) query() url.Values {
	q := url.Values{}
	q.Set("t", a.token)
	return q
}

func (a *Adapter) record(data map[string]any, now time.Time) source.Record {
	rec := source.Record{
		Source:     model.SourcePriceCharting,
		ExternalID: source.String(data["id"]),
		Data:       data,
		FetchedAt:  now,
	}
	extra := map[string]string{}
	for _, k := range []string{"upc", "cib-price", "new-price", "graded-price"} {
		if v := source.String(data[k]); v != "" {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		rec.Extra = extra
	}
	return rec
}

func searchText(f source.Filters) string {
	var parts []string
	if f.Title != "" {
		parts = append(parts, f.Title)
	} else if f.Series != "" {
		parts = append(parts, f.Series)
		if f.IssueNumber != "" {
			parts = append(parts, "#"+f.IssueNumber)
		}
	}
	return strings.Join(parts, " ")
}
