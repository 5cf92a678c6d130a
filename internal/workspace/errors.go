package workspace

import "errors"

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("workspace: validation failed")
	// ErrNoRecord indicates no persisted context exists for the scope.
	ErrNoRecord = errors.New("workspace: no persisted context")
	// ErrCorruptRecord indicates the persisted context could not be decoded.
	ErrCorruptRecord = errors.New("workspace: persisted context is malformed")
	// ErrNoMachine indicates the request carries no context machine.
	ErrNoMachine = errors.New("workspace: context machine missing")
)

// ValidationError reports a rejected transition. The machine state is left
// untouched whenever one is returned.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "workspace: " + e.Op + ": " + e.Field + ": " + e.Reason
	}
	return "workspace: " + e.Op + ": " + e.Reason
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
