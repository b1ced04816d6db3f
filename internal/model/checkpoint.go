package model

import "time"

// ControlSignal is the operator-set desired state of a job.
type ControlSignal string

const (
	SignalRun   ControlSignal = "run"
	SignalPause ControlSignal = "pause"
	SignalStop  ControlSignal = "stop"
)

// Valid reports whether s is a recognised signal.
func (s ControlSignal) Valid() bool {
	return s == SignalRun || s == SignalPause || s == SignalStop
}

// Checkpoint is the persisted progress of a named job.
type Checkpoint struct {
	JobName         string        `json:"job_name"`
	CurrentOffset   int64         `json:"current_offset"`
	SyncCycle       int64         `json:"sync_cycle"`
	IsRunning       bool          `json:"is_running"`
	ControlSignal   ControlSignal `json:"control_signal"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty"`
	TotalProcessed  int64         `json:"total_processed"`
	TotalErrors     int64         `json:"total_errors"`
	LastError       string        `json:"last_error,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Stalled reports whether a running checkpoint has not heartbeated within threshold.
func (c *Checkpoint) Stalled(now time.Time, threshold time.Duration) bool {
	if !c.IsRunning {
		return false
	}
	if c.LastHeartbeatAt == nil {
		return c.StartedAt == nil || now.Sub(*c.StartedAt) > threshold
	}
	return now.Sub(*c.LastHeartbeatAt) > threshold
}

// StallEvent records one forced recovery of a stalled job.
type StallEvent struct {
	ID              int64      `json:"id"`
	JobName         string     `json:"job_name"`
	DetectedAt      time.Time  `json:"detected_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Restarted       bool       `json:"restarted"`
	Reason          string     `json:"reason"`
}
