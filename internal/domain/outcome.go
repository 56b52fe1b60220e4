package domain

import "encoding/json"

// OutcomeKind is the terminal result class of one verification.
//
// Timeout is deliberately not a failure: when a downstream call exceeds its
// bound the true state is unknown, so it is kept distinct and always marked
// retryable.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimeout   OutcomeKind = "timeout"
)

func (k OutcomeKind) IsValid() bool {
	switch k {
	case OutcomeCompleted, OutcomeFailed, OutcomeTimeout:
		return true
	}
	return false
}

func (k OutcomeKind) String() string { return string(k) }

// Outcome is the tagged union of terminal results. Exactly one of Payload or
// FailureCode is meaningful, selected by Kind.
type Outcome struct {
	Kind        OutcomeKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FailureCode string          `json:"failure_code,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
}

// Success wraps a verification payload in a completed outcome.
func Success(payload json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeCompleted, Payload: payload}
}

// Failure builds a terminal failure outcome.
func Failure(code string, retryable bool) Outcome {
	return Outcome{Kind: OutcomeFailed, FailureCode: code, Retryable: retryable}
}

// Timeout builds the timeout outcome. Always retryable: the downstream state
// is unknown.
func Timeout() Outcome {
	return Outcome{Kind: OutcomeTimeout, FailureCode: "deadline_exceeded", Retryable: true}
}

// IsSuccess reports whether the outcome carries a usable payload.
func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeCompleted }

// IsTerminalError reports whether the outcome is failure-class (failed or
// timeout).
func (o Outcome) IsTerminalError() bool { return o.Kind == OutcomeFailed || o.Kind == OutcomeTimeout }
