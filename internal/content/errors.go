package content

import "fmt"

// ErrorClass partitions generation failures by who has to act on them.
type ErrorClass string

const (
	// ClassConfig marks defects in the deck configuration. These are not
	// retried; the operator has to fix the config.
	ClassConfig ErrorClass = "config"

	// ClassTransport marks provider or store connectivity failures.
	ClassTransport ErrorClass = "transport"

	// ClassValidation marks model output that did not satisfy the response
	// schema after all attempts.
	ClassValidation ErrorClass = "validation"

	// ClassStoreInconsistency marks cards whose note data contradicts the
	// deck configuration (e.g., a mapped field is absent on the note).
	ClassStoreInconsistency ErrorClass = "store_inconsistency"
)

// GenerationError wraps a content generation failure with its class so
// callers can decide between retrying, surfacing, and aborting.
type GenerationError struct {
	Class  ErrorClass
	CardID int64
	Op     string
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("content: %s card %d: %s: %v", e.Class, e.CardID, e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// classify builds a GenerationError for a card operation.
func classify(class ErrorClass, cardID int64, op string, err error) *GenerationError {
	return &GenerationError{Class: class, CardID: cardID, Op: op, Err: err}
}
