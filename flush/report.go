package flush

import "time"

// StopReason says why a cycle ended.
type StopReason string

const (
	StopNone          StopReason = ""
	StopSkipped       StopReason = "skipped"
	StopEmpty         StopReason = "empty"
	StopDrained       StopReason = "drained"
	StopCap           StopReason = "cap"
	StopRetry         StopReason = "retry"
	StopDeferred      StopReason = "deferred"
	StopPersistFailed StopReason = "persist_failed"
	StopCancelled     StopReason = "cancelled"
)

// Report summarises one flush cycle.
type Report struct {
	Skipped      bool          `json:"skipped"`
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"deadLettered"`
	Remapped     int           `json:"remapped"`
	Remaining    int           `json:"remaining"`
	Stopped      StopReason    `json:"stopped"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
}

// Status is a point-in-time view of the scheduler for status endpoints.
type Status struct {
	QueueLength     int       `json:"queueLength"`
	DeadLetterCount int       `json:"deadLetterCount"`
	Flushing        bool      `json:"flushing"`
	Online          bool      `json:"online"`
	LastReport      *Report   `json:"lastReport,omitempty"`
	LastFlushAt     time.Time `json:"lastFlushAt,omitempty"`
}
