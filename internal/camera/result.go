package camera

import (
	"fmt"

	"github.com/pkg/errors"
)

// Outcome classifies how a camera call ended.
type Outcome int

const (
	// OutcomeOK means the camera answered with a 2xx status.
	OutcomeOK Outcome = iota
	// OutcomeHTTPError means the camera answered with a non-2xx status.
	OutcomeHTTPError
	// OutcomeTransportFailure means no usable answer was received.
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeHTTPError:
		return "http_error"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StatusError is the error carried by an OutcomeHTTPError result.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("camera returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("camera returned status %d: %s", e.StatusCode, e.Body)
}

// Result is the outcome of one camera call: a value, an HTTP error status,
// or a transport failure.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// Ok wraps a successful value.
func Ok[T any](value T) Result[T] {
	return Result[T]{Outcome: OutcomeOK, Value: value}
}

// HTTPError reports a non-2xx answer from the camera.
func HTTPError[T any](statusCode int, body string) Result[T] {
	return Result[T]{
		Outcome: OutcomeHTTPError,
		Err:     &StatusError{StatusCode: statusCode, Body: body},
	}
}

// TransportFailure reports a call that never produced an answer.
func TransportFailure[T any](err error) Result[T] {
	if err == nil {
		err = errors.New("unknown transport failure")
	}
	return Result[T]{Outcome: OutcomeTransportFailure, Err: err}
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool {
	return r.Outcome == OutcomeOK
}

// Get returns the value, or the error for a failed call.
func (r Result[T]) Get() (T, error) {
	if r.OK() {
		return r.Value, nil
	}
	var zero T
	return zero, r.Err
}

// StatusCode returns the HTTP status of an OutcomeHTTPError result, or 0.
func (r Result[T]) StatusCode() int {
	var se *StatusError
	if errors.As(r.Err, &se) {
		return se.StatusCode
	}
	return 0
}

// Async runs call on a new goroutine and hands its result to done.
func Async[T any](call func() Result[T], done func(Result[T])) {
	go func() {
		done(call())
	}()
}
