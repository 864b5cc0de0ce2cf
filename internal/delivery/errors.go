package delivery

import (
	"errors"
)

var (
	ErrUnknownKind  = errors.New("unknown_kind")
	ErrHandlerPanic = errors.New("handler_panic")
	ErrInvalidEvent = errors.New("invalid_event")
)

// PermanentError marks a delivery failure that retrying cannot fix, such as a
// 4xx answer or an undecodable payload. The event is dead-lettered at once.
type PermanentError struct {
	Err error
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// BreakerNeutral tells the circuit breaker the dependency did answer.
func (e *PermanentError) BreakerNeutral() bool { return true }

func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
