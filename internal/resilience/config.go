package resilience

import (
	"time"

	"github.com/sells-group/catalog-enricher/internal/config"
)

// FromHTTPConfig converts outbound HTTP settings to a RetryConfig.
func FromHTTPConfig(c config.HTTPConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxRetries > 0 {
		cfg.MaxAttempts = c.MaxRetries + 1
	}
	if c.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.RecoveryTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.RecoveryTimeoutSecs) * time.Second
	}
	return cfg
}
