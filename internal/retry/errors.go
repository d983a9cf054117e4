package retry

import "errors"

// shutdownMarker is injected into worker execution during hard shutdown.
// It is never persisted to the envelope; encountering it anywhere in an
// error's cause chain means the current unit must be left for requeue.
type shutdownMarker struct{}

func (shutdownMarker) Error() string { return "retry: shutdown" }

// ErrShutdown is the sentinel shutdown marker value. Wrap it (via
// fmt.Errorf("%w", ...) or similar) when interrupting a worker for hard
// shutdown so IsShutdown can find it anywhere in the cause chain.
var ErrShutdown error = shutdownMarker{}

// handledError signals "the global retry entry point already processed
// this failure; do not report it again upstream".
type handledError struct{ cause error }

func (h *handledError) Error() string { return "retry: handled: " + h.cause.Error() }
func (h *handledError) Unwrap() error { return h.cause }

// skipError is the local-path equivalent of handledError.
type skipError struct{ cause error }

func (s *skipError) Error() string { return "retry: skip: " + s.cause.Error() }
func (s *skipError) Unwrap() error { return s.cause }

// Handled wraps cause as the global-path "already processed" sentinel.
func Handled(cause error) error { return &handledError{cause: cause} }

// Skip wraps cause as the local-path "already processed" sentinel.
func Skip(cause error) error { return &skipError{cause: cause} }

// IsHandled reports whether err (or something it wraps) is a Handled sentinel.
func IsHandled(err error) bool {
	var h *handledError
	return errors.As(err, &h)
}

// IsSkip reports whether err (or something it wraps) is a Skip sentinel.
func IsSkip(err error) bool {
	var s *skipError
	return errors.As(err, &s)
}

// IsProcessed reports whether err has already been fully classified by an
// inner call to Global or Local (either sentinel).
func IsProcessed(err error) bool {
	return IsHandled(err) || IsSkip(err)
}

// IsShutdown walks err's cause chain looking for the shutdown marker. The
// walk is bounded by a visited set keyed by error identity so a cyclical
// cause graph can never spin forever.
func IsShutdown(err error) bool {
	visited := make(map[error]struct{})
	for err != nil {
		if _, seen := visited[err]; seen {
			return false
		}
		visited[err] = struct{}{}

		if err == ErrShutdown {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
