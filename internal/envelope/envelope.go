// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package envelope defines the messages exchanged between the bdgate daemon
// and the worker processes over the control channel. Every message is a
// tagged union: a kind and exactly one payload matching that kind. Requests
// are validated before they reach the dispatcher and responses are validated
// before they reach the worker, so neither side has to deal with half filled
// messages.
package envelope

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMalformed is returned for envelopes which cannot be decoded or which do
// not satisfy the tagged union rules.
var ErrMalformed = errors.New("malformed envelope")

// Kind selects the request and the payload variant carried by the envelope.
type Kind uint8

const (
	KindNewDevice Kind = iota + 1
	KindRemoveDevice
	KindFetchNext
	KindComplete
)

func (k Kind) String() string {
	switch k {
	case KindNewDevice:
		return "new_device"
	case KindRemoveDevice:
		return "remove_device"
	case KindFetchNext:
		return "fetch_next"
	case KindComplete:
		return "complete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Direction of the data transfer. Write operations carry payload to the
// worker, read operations carry payload back from the worker.
type Direction uint8

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Code classifies failed responses so that the worker can react to the kind
// of the failure without parsing the message.
type Code uint8

const (
	CodeOK Code = iota
	CodePermissionDenied
	CodeNotFound
	CodeCapacityInvalid
	CodeResourceExhausted
	CodeProtocolViolation
	CodeDeviceRemoved
	CodeCancelled
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeNotFound:
		return "not_found"
	case CodeCapacityInvalid:
		return "capacity_invalid"
	case CodeResourceExhausted:
		return "resource_exhausted"
	case CodeProtocolViolation:
		return "protocol_violation"
	case CodeDeviceRemoved:
		return "device_removed"
	case CodeCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Request is the envelope sent by a worker.
type Request struct {
	Kind         Kind          `cbor:"kind"`
	NewDevice    *NewDevice    `cbor:"new_device,omitempty"`
	RemoveDevice *RemoveDevice `cbor:"remove_device,omitempty"`
	FetchNext    *FetchNext    `cbor:"fetch_next,omitempty"`
	Complete     *Complete     `cbor:"complete,omitempty"`
}

// NewDevice asks for a new device. Capacity is in sectors.
type NewDevice struct {
	Name     string `cbor:"name"`
	Capacity int64  `cbor:"capacity"`
	Minors   int32  `cbor:"minors"`
}

type RemoveDevice struct {
	Handle uint64 `cbor:"handle"`
}

// FetchNext asks for the next queued operation of the device. The call blocks
// until an operation is available.
type FetchNext struct {
	Handle uint64 `cbor:"handle"`
}

// Complete reports the result of an operation previously obtained by
// FetchNext. Status zero means success, anything else is an errno value
// reported back to the storage side. Data is present only for successful read
// operations and has exactly Length bytes.
type Complete struct {
	Handle    uint64 `cbor:"handle"`
	RequestID uint64 `cbor:"request_id"`
	Length    uint32 `cbor:"length"`
	Status    int32  `cbor:"status,omitempty"`
	Data      []byte `cbor:"data,omitempty"`
}

// Response is the envelope sent back by the daemon. On failure only Code and
// Error are set.
type Response struct {
	OK        bool             `cbor:"ok"`
	Code      Code             `cbor:"code,omitempty"`
	Error     string           `cbor:"error,omitempty"`
	NewDevice *NewDeviceResult `cbor:"new_device,omitempty"`
	FetchNext *FetchNextResult `cbor:"fetch_next,omitempty"`
	Complete  *CompleteResult  `cbor:"complete,omitempty"`
}

// NewDeviceResult carries the handle used in all subsequent requests for the
// device together with the name under which it was registered.
type NewDeviceResult struct {
	Handle uint64 `cbor:"handle"`
	Name   string `cbor:"name"`
	Serial string `cbor:"serial"`
}

// FetchNextResult describes one dispatched operation. Data is present only
// for write operations.
type FetchNextResult struct {
	RequestID   uint64    `cbor:"request_id"`
	Direction   Direction `cbor:"direction"`
	StartSector uint64    `cbor:"start_sector"`
	Length      uint32    `cbor:"length"`
	Data        []byte    `cbor:"data,omitempty"`
}

type CompleteResult struct {
	Status int32 `cbor:"status"`
}

func NewDeviceRequest(name string, capacity int64, minors int32) *Request {
	return &Request{
		Kind:      KindNewDevice,
		NewDevice: &NewDevice{Name: name, Capacity: capacity, Minors: minors},
	}
}

func RemoveDeviceRequest(handle uint64) *Request {
	return &Request{
		Kind:         KindRemoveDevice,
		RemoveDevice: &RemoveDevice{Handle: handle},
	}
}

func FetchNextRequest(handle uint64) *Request {
	return &Request{
		Kind:      KindFetchNext,
		FetchNext: &FetchNext{Handle: handle},
	}
}

func CompleteRequest(handle, requestID uint64, length uint32, status int32, data []byte) *Request {
	return &Request{
		Kind: KindComplete,
		Complete: &Complete{
			Handle:    handle,
			RequestID: requestID,
			Length:    length,
			Status:    status,
			Data:      data,
		},
	}
}

// Failure returns a failed response with the given code and message.
func Failure(code Code, message string) *Response {
	if code == CodeOK {
		code = CodeInternal
	}

	return &Response{Code: code, Error: message}
}

// Handle returns the device handle the request refers to, zero for requests
// without one.
func (r *Request) Handle() uint64 {
	switch {
	case r.RemoveDevice != nil:
		return r.RemoveDevice.Handle
	case r.FetchNext != nil:
		return r.FetchNext.Handle
	case r.Complete != nil:
		return r.Complete.Handle
	}

	return 0
}

func (r *Request) payloads() int {
	n := 0
	for _, present := range []bool{
		r.NewDevice != nil, r.RemoveDevice != nil, r.FetchNext != nil, r.Complete != nil,
	} {
		if present {
			n++
		}
	}

	return n
}

// Validate checks that the request carries exactly the payload selected by
// its kind and that the payload is self consistent.
func (r *Request) Validate() error {
	if r.payloads() != 1 {
		return errors.Wrapf(ErrMalformed, "%s request carries %d payloads", r.Kind, r.payloads())
	}

	switch r.Kind {
	case KindNewDevice:
		if r.NewDevice == nil {
			return errors.Wrap(ErrMalformed, "new_device payload missing")
		}
	case KindRemoveDevice:
		if r.RemoveDevice == nil {
			return errors.Wrap(ErrMalformed, "remove_device payload missing")
		}
	case KindFetchNext:
		if r.FetchNext == nil {
			return errors.Wrap(ErrMalformed, "fetch_next payload missing")
		}
	case KindComplete:
		if r.Complete == nil {
			return errors.Wrap(ErrMalformed, "complete payload missing")
		}
		if uint64(len(r.Complete.Data)) > uint64(r.Complete.Length) {
			return errors.Wrapf(ErrMalformed, "complete carries %d bytes for length %d",
				len(r.Complete.Data), r.Complete.Length)
		}
	default:
		return errors.Wrapf(ErrMalformed, "unknown request %s", r.Kind)
	}

	return nil
}

// ValidateFor checks the response to a request of the given kind. Failed
// responses must carry a code, successful ones the matching result.
func (r *Response) ValidateFor(kind Kind) error {
	if !r.OK {
		if r.Code == CodeOK {
			return errors.Wrap(ErrMalformed, "failed response without code")
		}
		return nil
	}

	switch kind {
	case KindNewDevice:
		if r.NewDevice == nil {
			return errors.Wrap(ErrMalformed, "new_device result missing")
		}
	case KindFetchNext:
		if r.FetchNext == nil {
			return errors.Wrap(ErrMalformed, "fetch_next result missing")
		}
		if r.FetchNext.Direction == DirectionWrite && uint64(len(r.FetchNext.Data)) != uint64(r.FetchNext.Length) {
			return errors.Wrapf(ErrMalformed, "write operation carries %d bytes for length %d",
				len(r.FetchNext.Data), r.FetchNext.Length)
		}
		if r.FetchNext.Direction == DirectionRead && len(r.FetchNext.Data) != 0 {
			return errors.Wrap(ErrMalformed, "read operation carries payload")
		}
	case KindComplete:
		if r.Complete == nil {
			return errors.Wrap(ErrMalformed, "complete result missing")
		}
	}

	return nil
}
