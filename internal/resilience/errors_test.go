package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 502)), true},
		{"plain", errors.New("invalid input"), false},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"i/o timeout text", errors.New("read tcp: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("%d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 429} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("%d should not be transient", code)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorCategory
	}{
		{"rate limit", &RateLimitExceeded{Host: "api.example", RetryAfter: 2 * time.Hour}, model.ErrorRateLimited},
		{"bad data", &DataError{Err: errors.New("unexpected token")}, model.ErrorBadData},
		{"not found", NewPermanentError(errors.New("missing"), 404), model.ErrorNotFound},
		{"forbidden", NewPermanentError(errors.New("forbidden"), 403), model.ErrorPermanent},
		{"transient", NewTransientError(errors.New("503"), 503), model.ErrorTransient},
		{"circuit open", ErrCircuitOpen, model.ErrorTransient},
		{"unknown", errors.New("boom"), model.ErrorPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTripsBreaker(t *testing.T) {
	if TripsBreaker(nil) {
		t.Error("nil should not trip")
	}
	if TripsBreaker(&RateLimitExceeded{}) {
		t.Error("rate limit should not trip")
	}
	if TripsBreaker(NewPermanentError(errors.New("missing"), 404)) {
		t.Error("not found should not trip")
	}
	if !TripsBreaker(NewTransientError(errors.New("503"), 503)) {
		t.Error("transient should trip")
	}
	if !TripsBreaker(NewPermanentError(errors.New("unauthorized"), 401)) {
		t.Error("auth failure should trip")
	}
}

func TestIsRateLimited(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &RateLimitExceeded{Host: "h", RetryAfter: time.Hour})
	if !IsRateLimited(err) {
		t.Error("expected wrapped rate limit to be detected")
	}
	if IsRateLimited(errors.New("x")) {
		t.Error("plain error is not a rate limit")
	}
}
