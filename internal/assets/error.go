// Package assets provides functionality for serving a directory of static files.
// This file defines the error types returned while resolving and serving assets.
package assets

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a resolved path does not exist or is not a regular file.
	ErrNotFound = errors.New("asset not found")

	// ErrTraversal is returned when a request path resolves outside the root directory.
	// Callers report it exactly like ErrNotFound.
	ErrTraversal = errors.New("path escapes root directory")
)

// Error represents a failure while handling an asset request.
// It records the operation that failed and the request path involved.
type Error struct {
	Op   string // The operation that failed (e.g., "resolve", "stat", "stream")
	Path string // Request path or on-disk path
	Err  error  // The underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("assets %s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("assets %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error so errors.Is and errors.As see through it.
func (e *Error) Unwrap() error {
	return e.Err
}

func newResolveError(err error, requestPath string) error {
	return &Error{Op: "resolve", Path: requestPath, Err: err}
}

func newStatError(err error, filePath string) error {
	return &Error{Op: "stat", Path: filePath, Err: err}
}

func newStreamError(err error, filePath string) error {
	return &Error{Op: "stream", Path: filePath, Err: err}
}

// IsNotFound reports whether err should be surfaced to clients as a 404.
// Traversal rejections are deliberately indistinguishable from missing files.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTraversal)
}
