package fetcher

import (
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/resilience"
)

// NotFound reports a 404 response.
func (r *Response) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// CheckStatus returns nil for 2xx responses and a *resilience.PermanentError
// for everything else. 5xx and 429 never reach callers as responses.
func (r *Response) CheckStatus() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return resilience.NewPermanentError(
		eris.Errorf("fetcher: unexpected status %d: %s", r.StatusCode, snippet(r.Body)),
		r.StatusCode,
	)
}

// DecodeJSON unmarshals a response body. Malformed payloads are reported as
// *resilience.DataError so they land in the bad_data DLQ category.
func DecodeJSON[T any](r *Response) (*T, error) {
	var v T
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, &resilience.DataError{Err: eris.Wrap(err, "fetcher: decode json")}
	}
	return &v, nil
}

func snippet(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
