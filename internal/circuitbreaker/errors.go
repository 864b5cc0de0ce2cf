package circuitbreaker

import (
	"errors"
	"time"
)

var ErrOpen = errors.New("circuit_open")

// OpenError is returned instead of calling the protected function. It matches
// ErrOpen with errors.Is.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return "circuit " + e.Name + " is open"
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// RetryAfter reports how long the caller should wait before trying the
// dependency again. It returns false when err is not a circuit rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.RetryAfter, true
	}
	return 0, false
}

// neutralError is implemented by errors that prove the dependency answered,
// such as a permanent 4xx rejection. They do not count as failures.
type neutralError interface {
	BreakerNeutral() bool
}

func isNeutral(err error) bool {
	var n neutralError
	return errors.As(err, &n) && n.BreakerNeutral()
}
