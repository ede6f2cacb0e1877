package require

import "fmt"

// LoadError is the failure surfaced to a require caller. It carries the
// specifier and wraps the underlying cause: the asynchronous load's
// rejection, a resolution failure, or an expired wait deadline.
type LoadError struct {
	Specifier string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("require %s: %v", e.Specifier, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
