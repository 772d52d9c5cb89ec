// Package classify decides whether a failed operation should be retried or
// archived.
package classify

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/asepindrak/commitflow/domain"
)

// Class separates failures that can succeed later from those that never will.
type Class int

const (
	Recoverable Class = iota
	Unrecoverable
)

func (c Class) String() string {
	if c == Unrecoverable {
		return "unrecoverable"
	}
	return "recoverable"
}

// Outcome is what the scheduler does with a failed operation.
type Outcome int

const (
	// Retry keeps the operation queued with an incremented retry count.
	Retry Outcome = iota
	// Drop archives the operation immediately.
	Drop
	// Exhaust archives the operation after its retry budget ran out.
	Exhaust
)

func (o Outcome) String() string {
	switch o {
	case Drop:
		return "drop"
	case Exhaust:
		return "exhaust"
	}
	return "retry"
}

// DefaultRetryLimit is how many failed attempts are retried before an
// operation is archived.
const DefaultRetryLimit = 4

// DefaultPatterns match messages of backends that do not report a status.
var DefaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)project not found`),
	regexp.MustCompile(`(?i)task not found`),
}

var unrecoverableStatus = map[int]bool{
	http.StatusBadRequest: true,
	http.StatusNotFound:   true,
	http.StatusGone:       true,
}

// Classifier maps executor errors to a Class.
type Classifier struct {
	patterns []*regexp.Regexp
	// permanent lists extra sentinel errors treated as unrecoverable.
	permanent []error
}

// New returns a classifier using the given message patterns. Nil patterns
// fall back to DefaultPatterns.
func New(patterns []*regexp.Regexp, permanent ...error) *Classifier {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	return &Classifier{patterns: patterns, permanent: permanent}
}

// Classify inspects err. Structured statuses win over message matching.
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return Recoverable
	}
	if errors.Is(err, domain.ErrEntityGone) {
		return Unrecoverable
	}
	for _, p := range c.permanent {
		if errors.Is(err, p) {
			return Unrecoverable
		}
	}
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		if unrecoverableStatus[remote.Status] {
			return Unrecoverable
		}
		if remote.Status != 0 {
			return Recoverable
		}
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if unrecoverableStatus[respErr.StatusCode] {
			return Unrecoverable
		}
		return Recoverable
	}
	msg := err.Error()
	for _, re := range c.patterns {
		if re.MatchString(msg) {
			return Unrecoverable
		}
	}
	return Recoverable
}

// Decide returns the outcome for a failure of an operation that has already
// been retried retryCount times.
func (c *Classifier) Decide(err error, retryCount, limit int) Outcome {
	if c.Classify(err) == Unrecoverable {
		return Drop
	}
	if limit < 0 {
		limit = 0
	}
	if retryCount >= limit {
		return Exhaust
	}
	return Retry
}
