package dispatch

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
)

// Class is the normalized failure classification recorded in metrics and the
// routing audit trail. The set is closed; raw error strings never become
// classification keys.
type Class string

const (
	ClassValidation        Class = "validation_error"
	ClassTimeout           Class = "timeout"
	ClassTargetUnavailable Class = "target_unavailable"
	ClassOverloadRejected  Class = "overload_rejected"
	ClassInternal          Class = "internal_error"

	// ClassNone labels successful dispatches in metrics.
	ClassNone Class = "none"
)

// Classified is a failure mapped onto the closed taxonomy.
type Classified struct {
	Class     Class
	Retryable bool
	Message   string
}

// Sentinel errors feeding the taxonomy.
var (
	// ErrValidation marks requests the caller can never retry successfully.
	ErrValidation = errors.New("validation error")

	// ErrTargetNotFound marks a handoff to a worker the registry does not
	// know. The structured reply to the caller is exactly "not found".
	ErrTargetNotFound = errors.New("not found")

	// ErrTargetQuarantined marks a handoff blocked by worker eligibility.
	ErrTargetQuarantined = errors.New("target quarantined")

	// ErrOverloadRejected marks a request refused by admission control.
	ErrOverloadRejected = errors.New("overload rejected")
)

// Normalize maps any error onto the closed classification set. Every failure
// path in the dispatcher funnels through here, so the audit trail and metrics
// never see free-form classes.
func Normalize(err error) Classified {
	switch {
	case err == nil:
		return Classified{Class: ClassNone}

	case errors.Is(err, ErrValidation):
		return Classified{Class: ClassValidation, Retryable: false, Message: err.Error()}

	case errors.Is(err, ErrOverloadRejected):
		return Classified{Class: ClassOverloadRejected, Retryable: true, Message: err.Error()}

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return Classified{Class: ClassTimeout, Retryable: true, Message: err.Error()}

	case errors.Is(err, ErrTargetNotFound),
		errors.Is(err, ErrTargetQuarantined),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected):
		return Classified{Class: ClassTargetUnavailable, Retryable: true, Message: err.Error()}

	default:
		return Classified{Class: ClassInternal, Retryable: false, Message: err.Error()}
	}
}
