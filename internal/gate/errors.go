// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/asch/bdgate/internal/envelope"
)

// Error kinds reported by the registry, the devices and the dispatcher. Errors
// returned by this package wrap one of these, use errors.Is to classify them.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrCapacityInvalid   = errors.New("invalid capacity")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrDeviceRemoved     = errors.New("device removed")
	ErrCancelled         = errors.New("cancelled")

	// ErrOutOfRange fails operations reaching beyond the device capacity.
	// It is reported to the storage side only, never to a worker.
	ErrOutOfRange = errors.New("sector range beyond device capacity")
)

// IOError is the failure a worker reported for an operation. Status is the
// errno value sent in the completion.
type IOError struct {
	Status int32
}

func (e *IOError) Error() string {
	return fmt.Sprintf("worker reported status %d", e.Status)
}

// RemoteError is a failure reported by the daemon over the control channel.
// It unwraps to the error kind matching its code.
type RemoteError struct {
	Code    envelope.Code
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case envelope.CodePermissionDenied:
		return ErrPermissionDenied
	case envelope.CodeNotFound:
		return ErrNotFound
	case envelope.CodeCapacityInvalid:
		return ErrCapacityInvalid
	case envelope.CodeResourceExhausted:
		return ErrResourceExhausted
	case envelope.CodeProtocolViolation:
		return ErrProtocolViolation
	case envelope.CodeDeviceRemoved:
		return ErrDeviceRemoved
	case envelope.CodeCancelled:
		return ErrCancelled
	}

	return nil
}

// CodeOf maps an error to the code sent over the control channel.
func CodeOf(err error) envelope.Code {
	switch {
	case err == nil:
		return envelope.CodeOK
	case errors.Is(err, ErrPermissionDenied):
		return envelope.CodePermissionDenied
	case errors.Is(err, ErrNotFound):
		return envelope.CodeNotFound
	case errors.Is(err, ErrCapacityInvalid):
		return envelope.CodeCapacityInvalid
	case errors.Is(err, ErrResourceExhausted):
		return envelope.CodeResourceExhausted
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, envelope.ErrMalformed):
		return envelope.CodeProtocolViolation
	case errors.Is(err, ErrDeviceRemoved):
		return envelope.CodeDeviceRemoved
	case errors.Is(err, ErrCancelled):
		return envelope.CodeCancelled
	}

	return envelope.CodeInternal
}

// FromResponse returns the error carried by a failed response, nil for
// successful ones.
func FromResponse(r *envelope.Response) error {
	if r.OK {
		return nil
	}

	return &RemoteError{Code: r.Code, Message: r.Error}
}
