package aggregate

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleViolation marks a command rejected by a business rule. It is never retried.
	ErrRuleViolation = errors.New("domain rule violation")
	// ErrInvalidTransition marks a command that is not valid in the aggregate's lifecycle state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflictExhausted is returned when concurrency conflicts outlast the retry budget.
	ErrConflictExhausted = errors.New("concurrency retries exhausted")
	// ErrUnavailable is returned when the events could not be durably recorded.
	ErrUnavailable = errors.New("event store unavailable")

	ErrUnknownAggregate = errors.New("unknown aggregate type")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownEvent     = errors.New("unknown event type")

	// ErrInvalidCommand is returned when a command payload cannot be decoded.
	ErrInvalidCommand = errors.New("invalid command payload")
)

// Violation builds a rule violation with a human readable reason.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRuleViolation, fmt.Sprintf(format, args...))
}

// InvalidTransition reports that command cannot run while the aggregate is in state.
func InvalidTransition(command, state string) error {
	return fmt.Errorf("%w: %w: %s is not allowed while %s", ErrRuleViolation, ErrInvalidTransition, command, state)
}
