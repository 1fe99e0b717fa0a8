package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/state"
)

// Action is what the engine does with a failed node dispatch.
type Action string

const (
	// ActionRetry re-dispatches the same node after Delay.
	ActionRetry Action = "retry"
	// ActionSkipSection degrades the current section and moves on.
	ActionSkipSection Action = "skip_section"
	// ActionAbort terminates the run with a failure report.
	ActionAbort Action = "abort"
	// ActionCancel terminates the run as user-cancelled.
	ActionCancel Action = "cancel"
)

// Decision is the classifier verdict for one failure.
type Decision struct {
	Action Action
	Delay  time.Duration
	Kind   string
}

// Classify maps a node failure to an engine action. attempt is the number
// of retries already spent on this node dispatch (0 on first failure).
// The same error classifies the same way every time: retryability lives on
// the error, never on inspection of message strings.
func Classify(err error, node Node, attempt, maxRetries int, backoff BackoffConfig, runID string) Decision {
	if errors.Is(err, context.Canceled) {
		return Decision{Action: ActionCancel, Kind: gateway.KindCancelled}
	}

	var inv *state.ViolatedInvariant
	if errors.As(err, &inv) {
		return Decision{Action: ActionAbort, Kind: gateway.KindInvariantViolation}
	}

	var confErr *gateway.ConfigurationError
	if errors.As(err, &confErr) {
		return Decision{Action: ActionAbort, Kind: gateway.KindConfiguration}
	}

	// Malformed output reaching the classifier means the clarified
	// re-request also failed; no amount of retrying fixes the model's
	// refusal to emit the shape.
	var malformed *gateway.MalformedOutputError
	if errors.As(err, &malformed) {
		if sectionScoped(node) {
			return Decision{Action: ActionSkipSection, Kind: gateway.KindMalformedOutput}
		}
		return Decision{Action: ActionAbort, Kind: gateway.KindMalformedOutput}
	}

	var gerr gateway.Error
	if errors.As(err, &gerr) {
		if !gerr.Retryable() {
			return Decision{Action: ActionAbort, Kind: gerr.Kind()}
		}
		// The initial attempt counts against the cap: maxRetries bounds
		// the total attempts for one dispatch.
		if attempt+1 < maxRetries {
			delay := DelayForAttempt(attempt+1, backoff, backoffSeed(runID, node, attempt+1))
			if ra := gerr.RetryAfter(); ra != nil && *ra > delay {
				delay = *ra
			}
			return Decision{Action: ActionRetry, Delay: delay, Kind: gerr.Kind()}
		}
		if sectionScoped(node) {
			return Decision{Action: ActionSkipSection, Kind: gerr.Kind()}
		}
		return Decision{Action: ActionAbort, Kind: gerr.Kind()}
	}

	return Decision{Action: ActionAbort, Kind: gateway.KindProviderError}
}
