package domain

import "time"

// DeadLetterReason records why an operation was archived.
type DeadLetterReason string

const (
	ReasonUnrecoverable  DeadLetterReason = "unrecoverable"
	ReasonRetryExhausted DeadLetterReason = "retry_exhausted"
)

// DeadLetter is an operation removed from the log after it could not be
// applied. It is kept for inspection and manual requeue.
type DeadLetter struct {
	Operation           Operation        `json:"op"`
	Error               string           `json:"error"`
	Reason              DeadLetterReason `json:"reason"`
	RetryCountAtFailure int              `json:"retryCountAtFailure"`
	Timestamp           time.Time        `json:"ts"`
}
