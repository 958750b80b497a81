package repositories

import (
	"errors"
	"fmt"
)

// Counter failures reported by CounterRepository implementations. Match them with
// errors.Is; the concrete error is a *CounterError naming the counter.
var (
	ErrCounterInvalid   = errors.New("counter: invalid request")
	ErrCounterExhausted = errors.New("counter: sequence exhausted")
)

// CounterError ties a counter failure to the sequence it happened on.
type CounterError struct {
	CounterID string
	Reason    error
	Detail    string
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Reason.Error()
	if e.CounterID != "" {
		msg += " [" + e.CounterID + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Reason
}

// InvalidCounterRequest reports a malformed id, step or bound.
func InvalidCounterRequest(counterID, format string, args ...any) *CounterError {
	return &CounterError{CounterID: counterID, Reason: ErrCounterInvalid, Detail: fmt.Sprintf(format, args...)}
}

// CounterExhausted reports that the next value would pass the configured maximum.
func CounterExhausted(counterID string, maxValue int64) *CounterError {
	return &CounterError{CounterID: counterID, Reason: ErrCounterExhausted, Detail: fmt.Sprintf("max value %d reached", maxValue)}
}
