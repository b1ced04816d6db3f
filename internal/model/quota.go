package model

import "time"

// SourceQuota is the persisted per-source daily counter and breaker state.
type SourceQuota struct {
	Source              SourceID   `json:"source"`
	RequestsToday       int        `json:"requests_today"`
	DailyLimit          int        `json:"daily_limit"`
	ResetDay            string     `json:"reset_day"`
	LastResetAt         *time.Time `json:"last_reset_at,omitempty"`
	CircuitState        string     `json:"circuit_state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Remaining returns how many requests are left for the given UTC day.
func (q *SourceQuota) Remaining(day string) int {
	if q.ResetDay != day {
		return q.DailyLimit
	}
	if n := q.DailyLimit - q.RequestsToday; n > 0 {
		return n
	}
	return 0
}

// UTCDay formats t as the UTC calendar date used for quota resets.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
