package loop

import "fmt"

// InvalidInputError reports a precondition violation or an empty
// backend response. Never retried internally.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// IoError reports a filesystem failure annotated with the path that
// failed.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error on %s: %v", e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// BackendError wraps an opaque adapter failure. The raw backend output
// is preserved best-effort before this error propagates.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return "backend error: " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }
