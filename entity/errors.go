package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfInput is returned by Source.Fetch when the source is permanently exhausted.
	ErrEndOfInput = errors.New("end of input")

	// ErrDisconnected is returned by Source.Fetch when the connection to the source is lost.
	// The engine reconnects by calling Source.Connect at the stream's reconnect interval.
	ErrDisconnected = errors.New("source disconnected")

	// An entity can request to be shut down. This error code should be returned and it's up to the
	// Executor to decide if entire stream should be shutdown or any other action to be taken.
	ErrEntityShutdownRequested = errors.New("entity shutdown requested")

	// ErrInvalidSpec is the base error for all configuration errors detected when building streams.
	ErrInvalidSpec = errors.New("invalid stream definition")

	// ErrEnvelopeResolved is returned when acking or nacking an envelope already acked or nacked.
	ErrEnvelopeResolved = errors.New("envelope already resolved")
)

// Keys for metadata set on batches routed to the error sink.
const (
	MetaErrorStream     = "error.stream"
	MetaErrorStage      = "error.stage"
	MetaErrorStageIndex = "error.stage_index"
	MetaErrorKind       = "error.kind"
	MetaErrorMessage    = "error.message"
	MetaEnvelopeId      = "envelope.id"
)

// Values of the MetaErrorKind metadata key.
const (
	ErrorKindStage  = "stage"
	ErrorKindOutput = "output"
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient. Sources and sinks use it to signal that the failed
// operation may succeed if retried.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable returns true if err, or any error it wraps, was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// ConfigErrorf creates a configuration error wrapping ErrInvalidSpec.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))
}

// IsConfigError returns true if err is a configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidSpec)
}

// QueryError is returned by the sql stage for invalid queries, either at build time or
// when a query is checked against the schema of an incoming batch.
type QueryError struct {
	Query  string
	Reason string
	Err    error
}

func (e *QueryError) Error() string {
	msg := "query error: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Query != "" {
		msg += " (query: " + e.Query + ")"
	}
	return msg
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
