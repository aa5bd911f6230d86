package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a campaign or recipient does not exist
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a campaign whose id is taken
	ErrExists = errors.New("campaign already exists")
	// ErrInvalid wraps every validation failure
	ErrInvalid = errors.New("invalid campaign")
	// ErrInvalidWeights is returned when ab weights do not sum to 100
	ErrInvalidWeights = fmt.Errorf("%w: weights must sum to 100", ErrInvalid)
	// ErrInvalidTransition wraps every rejected status change
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError describes a rejected status change
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Unwrap makes errors.Is(err, ErrInvalidTransition) hold
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
