package errors

import "fmt"

// fatalError marks an error as non-retryable: the Connection that produced
// it must transition to FAILED rather than reopen, and the condition must be
// surfaced to the embedding program (spec: TransportFatal, ConfigInvalid).
type fatalError struct {
	message string
}

func (e *fatalError) Error() string {
	return e.message
}

// Fatal creates an error that IsFatal reports true for.
func Fatal(s string) error {
	return &fatalError{message: s}
}

// Fatalf creates a fatal error based on a format string and values.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{message: fmt.Sprintf(format, args...)}
}

// IsFatal returns whether err (or a cause in its chain) was created by Fatal
// or Fatalf.
func IsFatal(err error) bool {
	var f *fatalError
	return As(err, &f)
}
