// Package errs holds the error taxonomy shared by the conversion pipeline.
package errs

import "errors"

var (
	// ErrAuthFailure is returned when a credential cannot be acquired or refreshed.
	ErrAuthFailure = errors.New("auth failure")

	// ErrNotAuthorized is returned when the caller lacks the role an operation requires.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrRemoteUnavailable marks transient network or service failures.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrShallowCopy is returned when the conversion service refuses a shallow-copy source.
	ErrShallowCopy = errors.New("source is a shallow copy")

	// ErrUnsupportedInput marks inputs the conversion service cannot translate.
	ErrUnsupportedInput = errors.New("Revit Version Not Supported")

	// ErrExhausted marks translations the service reported as failed or timed out.
	ErrExhausted = errors.New("translation exhausted")

	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")
)
