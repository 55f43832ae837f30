package core

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is against any *Error.
var (
	ErrValidatorTimeout          = errors.New("validator timed out")
	ErrValidatorError            = errors.New("validator failed")
	ErrInsufficientData          = errors.New("insufficient validator data")
	ErrUndeterminable            = errors.New("trust score undeterminable")
	ErrStaleBaseline             = errors.New("no baseline for agent")
	ErrEscalationDeliveryFailure = errors.New("escalation delivery failed")
	ErrNotFound                  = errors.New("not found")
	ErrStaleTrustScore           = errors.New("trust score is stale")
	ErrInvalidTransition         = errors.New("invalid state transition")
	ErrInvalidRequest            = errors.New("invalid validation request")
	ErrCancelled                 = errors.New("validation cancelled")
)

// Error carries the identifiers needed to trace a failure back to the agent
// and validation run that produced it.
type Error struct {
	Kind         error
	AgentID      string
	ValidationID string
	ValidatorID  string
	Err          error
}

// NewError wraps err under kind for the given agent and validation.
func NewError(kind error, agentID, validationID string, err error) *Error {
	return &Error{Kind: kind, AgentID: agentID, ValidationID: validationID, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.ValidatorID != "" {
		msg = fmt.Sprintf("%s [validator=%s]", msg, e.ValidatorID)
	}
	msg = fmt.Sprintf("%s [agent=%s validation=%s]", msg, e.AgentID, e.ValidationID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind so callers can use errors.Is(err, ErrInsufficientData).
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}
