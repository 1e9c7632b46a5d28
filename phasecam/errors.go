package phasecam

import (
	"errors"
	"fmt"

	"github.jpl.nasa.gov/bdube/interf/comm"
	"github.jpl.nasa.gov/bdube/interf/proto"
)

// UnreachableError is the public face of transport trouble: the server
// could not be reached, or stopped answering, and retries within policy
// did not save the call
type UnreachableError struct {
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("phasecam: server unreachable: %v", e.Cause)
}

// Unwrap returns the underlying cause
func (e *UnreachableError) Unwrap() error { return e.Cause }

// DeviceError is the public face of instrument and protocol trouble: the
// server answered, and what it said was either an error or nonsense.
// Retrying will not help; something is wrong on the far side.
type DeviceError struct {
	Cause error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("phasecam: device error: %v", e.Cause)
}

// Unwrap returns the underlying cause
func (e *DeviceError) Unwrap() error { return e.Cause }

// AcquisitionError is generated when a multi-frame acquisition dies
// partway.  Partial reports how many frames had been collected before the
// failure; the data itself is discarded rather than passed off as a
// complete burst.
type AcquisitionError struct {
	// Partial is the number of frames successfully collected before failure
	Partial int

	// Cause is the mapped public error for the frame that failed
	Cause error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("phasecam: acquisition failed after %d frames: %v", e.Partial, e.Cause)
}

// Unwrap returns the underlying cause
func (e *AcquisitionError) Unwrap() error { return e.Cause }

// exhaustedError is generated by the retry layer when every attempt at a
// command failed with a transient transport error
type exhaustedError struct {
	Attempts int
	Cause    error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("phasecam: %d attempts exhausted, last error: %v", e.Attempts, e.Cause)
}

func (e *exhaustedError) Unwrap() error { return e.Cause }

// sessionError is the internal record of a failed acquisition session
type sessionError struct {
	Partial int
	Cause   error
}

func (e *sessionError) Error() string {
	return fmt.Sprintf("phasecam: session failed after %d frames: %v", e.Partial, e.Cause)
}

func (e *sessionError) Unwrap() error { return e.Cause }

// fatal reports whether err must not be retried.  Encoding and decoding
// failures mean the request or reply is malformed; a server-reported error
// means the instrument itself objected.  Blind retries on any of these
// would hide a real fault.
func fatal(err error) bool {
	var (
		ee *proto.EncodeError
		de *proto.DecodeError
		se *proto.ServerError
	)
	return errors.As(err, &ee) || errors.As(err, &de) || errors.As(err, &se)
}

// public maps an internal error onto the small taxonomy callers see.
// Context cancellation passes through untouched so errors.Is keeps
// working on it.
func public(err error) error {
	var ex *exhaustedError
	if errors.As(err, &ex) {
		return &UnreachableError{Cause: err}
	}
	if errors.Is(err, comm.ErrTimeout) || errors.Is(err, comm.ErrConnectionLost) {
		return &UnreachableError{Cause: err}
	}
	if fatal(err) {
		return &DeviceError{Cause: err}
	}
	return err
}
