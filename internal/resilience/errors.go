package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitExceeded is returned when a host asks us to wait longer than the
// client is willing to block. The caller should defer the source.
type RateLimitExceeded struct {
	Host       string
	RetryAfter time.Duration
	Until      time.Time
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %s", e.Host, e.RetryAfter)
}

// PermanentError is a non-retryable response such as 401, 403 or 404.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent with its HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// DataError marks a payload that could not be decoded or failed validation.
type DataError struct {
	Err error
}

func (e *DataError) Error() string {
	return "bad data: " + e.Err.Error()
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a RateLimitExceeded.
func IsRateLimited(err error) bool {
	var rl *RateLimitExceeded
	return errors.As(err, &rl)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 is handled separately.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Classify maps an error to the DLQ category used for triage.
func Classify(err error) model.ErrorCategory {
	var (
		rl   *RateLimitExceeded
		de   *DataError
		perm *PermanentError
	)
	switch {
	case errors.As(err, &rl):
		return model.ErrorRateLimited
	case errors.As(err, &de):
		return model.ErrorBadData
	case errors.As(err, &perm):
		if perm.StatusCode == http.StatusNotFound {
			return model.ErrorNotFound
		}
		return model.ErrorPermanent
	case errors.Is(err, ErrCircuitOpen), IsTransient(err):
		return model.ErrorTransient
	default:
		return model.ErrorPermanent
	}
}

// TripsBreaker reports whether err says something about the health of the
// source. Rate limits, missing records and bad payloads do not.
func TripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case model.ErrorTransient, model.ErrorPermanent:
		return true
	default:
		return false
	}
}
