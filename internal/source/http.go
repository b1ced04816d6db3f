package source

import (
	"context"
	"net/http"
	"time"

	"github.com/sells-group/catalog-enricher/internal/fetcher"
)

// Getter is the slice of fetcher.Client the adapters use.
type Getter interface {
	Get(ctx context.Context, rawURL string, opts ...fetcher.RequestOption) (*fetcher.Response, error)
}

var _ Getter = (*fetcher.Client)(nil)

// GetJSON fetches rawURL and decodes the body into T. found is false on 404.
// Other non-2xx responses are returned as *resilience.PermanentError.
func GetJSON[T any](ctx context.Context, c Getter, rawURL string, opts ...fetcher.RequestOption) (*T, bool, error) {
	resp, err := c.Get(ctx, rawURL, opts...)
	if err != nil {
		return nil, false, err
	}
	if resp.NotFound() {
		return nil, false, nil
	}
	if err := resp.CheckStatus(); err != nil {
		return nil, false, err
	}
	v, err := fetcher.DecodeJSON[T](resp)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Ping reports whether rawURL answers with anything below 500 within a short
// deadline. Used by the adapters' health checks.
func Ping(ctx context.Context, c Getter, rawURL string, opts ...fetcher.RequestOption) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := c.Get(ctx, rawURL, opts...)
	if err != nil {
		return false
	}
	return resp.StatusCode < http.StatusInternalServerError
}
