package resolve

import "errors"

// ErrMaxPasses reports that the pass ceiling was exceeded with fields still
// suspended. It indicates a middleware authoring bug, such as a step that
// re-suspends unconditionally.
var ErrMaxPasses = errors.New("max resolution passes exceeded")

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks err as request-fatal: instead of nulling one subtree, the
// engine aborts the walk and returns a single top-level error with no data.
func Fatal(err error) error { return fatalError{err: err} }

// IsFatal reports whether err aborts the whole request.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}
