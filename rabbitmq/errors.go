package rabbitmq

import "errors"

var (
	ErrNotConnected = errors.New("rabbitmq: client not connected")
	ErrShutdown     = errors.New("rabbitmq: client is shutting down")
)

// fatalError marks a handler failure that will not succeed on a retry.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "non-retryable: " + e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the consumer skips in-process retries and rejects the
// message straight to the dead-letter queue. Use it for malformed input and
// business-rule violations that are deterministic on redelivery.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
