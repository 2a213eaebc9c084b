// Package errors provides functions to construct and inspect errors, and
// re-exports functions from github.com/pkg/errors so that this is the only
// error package that needs to be imported by the rest of the code.
package errors

import "github.com/pkg/errors"

// New creates a new error based on a message. Wrapped so that this package
// does not need to be combined with "errors", which can lead to subtle
// mistakes.
func New(message string) error {
	return errors.New(message)
}

// Errorf creates an error based on a format string and values.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap wraps an error and adds additional context.
func Wrap(err error, context string) error {
	return errors.Wrap(err, context)
}

// Wrapf wraps an error and adds additional context using a format string and
// values.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Cause returns the cause of an error, if one is available.
func Cause(err error) error {
	return errors.Cause(err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
