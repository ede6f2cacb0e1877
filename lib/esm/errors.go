package esm

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed loader.
	ErrClosed = errors.New("loader is closed")

	// ErrNotLoaded is returned when an operation needs a settled module
	// that has not finished loading.
	ErrNotLoaded = errors.New("module not loaded")

	// ErrShuttingDown is returned when a pending operation is abandoned
	// because the loader is shutting down.
	ErrShuttingDown = errors.New("loader is shutting down")
)

// InitError is a failure reported by the module itself during its
// initialization, before the manifest was announced.
type InitError struct {
	Message string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("module initialization failed: %s", e.Message)
}

// CallError is an error payload returned by a module export handler.
type CallError struct {
	Service string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("module error for service %s: %s", e.Service, e.Message)
}
