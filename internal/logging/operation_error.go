package logging

import "fmt"

// OperationError tags an error with the operation that failed and the entity
// it acted on (a frame id, session id or style id).
type OperationError struct {
	Operation string
	Key       string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Key != "" {
		return fmt.Sprintf("%s (key=%s): %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err; a nil err stays nil.
func NewOperationError(operation, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Key: key, Err: err}
}
