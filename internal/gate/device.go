// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdgate/internal/gate/seq"
	"github.com/asch/bdgate/internal/metrics"
)

// Device is the state of one registered block device. Operations submitted by
// the storage side wait in the incoming queue until a worker fetches them,
// then they wait in the in flight table until the worker completes them.
//
// The queue, the table and the request id counter are guarded by the device
// lock, which is distinct from the registry lock, so traffic of unrelated
// devices never contends. Fetching the head of the queue and promoting it
// into the table is one critical section, hence two concurrent fetches can
// never receive the same operation.
type Device struct {
	name     string
	serial   uuid.UUID
	owner    Identity
	handle   uint64
	capacity int64
	minors   int32
	limits   Limits

	mutex         sync.Mutex
	queue         []*Operation
	inFlight      map[uint64]*Operation
	inFlightBytes int64
	requestIDs    *seq.Counter

	// Closed and replaced whenever the queue may have become non-empty or
	// the device was removed. Waiting fetchers select on it together with
	// their context.
	notify  chan struct{}
	removed bool
}

type failedOperation struct {
	op  *Operation
	err error
}

// Stats is a snapshot of the device queues.
type Stats struct {
	Queued        int
	InFlight      int
	InFlightBytes int64
}

func newDevice(name string, handle uint64, capacity int64, minors int32, owner Identity, limits Limits) *Device {
	return &Device{
		name:       name,
		serial:     uuid.New(),
		owner:      owner,
		handle:     handle,
		capacity:   capacity,
		minors:     minors,
		limits:     limits,
		inFlight:   make(map[uint64]*Operation),
		requestIDs: seq.New(1),
		notify:     make(chan struct{}),
	}
}

func (d *Device) Name() string {
	return d.name
}

// Serial is a unique identifier of the device registration. Unlike the
// handle it is unique across owners and restarts.
func (d *Device) Serial() uuid.UUID {
	return d.serial
}

func (d *Device) Owner() Identity {
	return d.owner
}

func (d *Device) Handle() uint64 {
	return d.handle
}

// Capacity of the device in bytes.
func (d *Device) Capacity() int64 {
	return d.capacity
}

func (d *Device) Minors() int32 {
	return d.minors
}

// Submit appends a new operation to the tail of the incoming queue and wakes
// up waiting fetchers. For write operations data must hold the complete
// payload and must not be modified afterwards. done is called exactly once
// when the operation leaves the device, unless Submit returns an error.
//
// Capacity and payload checks are done when the operation is fetched, an
// operation failing them is completed with an error without reaching a
// worker.
func (d *Device) Submit(dir Direction, startSector uint64, length uint32, data []byte, done Completion) (*Operation, error) {
	if dir != Read && dir != Write {
		return nil, errors.Wrapf(ErrProtocolViolation, "unknown direction %d", dir)
	}

	if length == 0 {
		return nil, errors.Wrap(ErrProtocolViolation, "empty operation")
	}

	op := &Operation{
		direction:   dir,
		startSector: startSector,
		length:      length,
		data:        data,
		done:        done,
		state:       StateQueued,
		queuedAt:    time.Now(),
	}

	d.mutex.Lock()
	if d.removed {
		d.mutex.Unlock()
		return nil, errors.Wrapf(ErrDeviceRemoved, "device %s", d.name)
	}
	d.queue = append(d.queue, op)
	d.wake()
	queued, inFlight := len(d.queue), len(d.inFlight)
	d.mutex.Unlock()

	metrics.RecordQueue(d.name, d.serial.String(), queued, inFlight)

	return op, nil
}

// Fetch removes the head of the incoming queue, assigns it a request id and
// moves it into the in flight table. When the queue is empty it blocks until
// an operation is submitted, the device is removed or ctx is done.
//
// A dispatch is refused with ErrResourceExhausted when the payload of the
// head operation does not fit into the in flight budget of the device. The
// operation stays at the head of the queue in that case.
func (d *Device) Fetch(ctx context.Context) (Dispatched, error) {
	for {
		d.mutex.Lock()
		if d.removed {
			d.mutex.Unlock()
			return Dispatched{}, errors.Wrapf(ErrDeviceRemoved, "device %s", d.name)
		}

		op, failed, err := d.fetchLocked()

		var dispatched Dispatched
		var waited time.Duration
		if op != nil {
			dispatched = Dispatched{
				RequestID:   op.requestID,
				Direction:   op.direction,
				StartSector: op.startSector,
				Length:      op.length,
			}
			if op.direction == Write {
				dispatched.Data = op.data
			}
			waited = time.Since(op.queuedAt)
		}
		wait := d.notify
		queued, inFlight := len(d.queue), len(d.inFlight)
		d.mutex.Unlock()

		for _, f := range failed {
			log.Debug().Err(f.err).Str("device", d.name).Uint64("sector", f.op.startSector).
				Uint32("length", f.op.length).Msg("Operation failed before dispatch.")
			f.op.resolve(f.err, nil)
		}

		if op != nil || len(failed) > 0 {
			metrics.RecordQueue(d.name, d.serial.String(), queued, inFlight)
		}

		if err != nil {
			return Dispatched{}, err
		}

		if op != nil {
			metrics.RecordDispatchLatency(dispatched.Direction.String(), waited)
			log.Trace().Str("device", d.name).Uint64("request", dispatched.RequestID).
				Stringer("direction", dispatched.Direction).Uint64("sector", dispatched.StartSector).
				Uint32("length", dispatched.Length).Msg("Operation dispatched.")
			return dispatched, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return Dispatched{}, errors.Wrapf(ErrCancelled, "waiting for operation on %s: %v", d.name, ctx.Err())
		}
	}
}

// Takes the first dispatchable operation from the queue and promotes it.
// Operations failing capacity or payload checks are removed on the way and
// returned, so they can be resolved after the lock is released. Returns nil
// operation when the queue is drained.
func (d *Device) fetchLocked() (*Operation, []failedOperation, error) {
	var failed []failedOperation

	for len(d.queue) > 0 {
		head := d.queue[0]

		if err := d.check(head); err != nil {
			d.popHead()
			head.state = StateFailed
			failed = append(failed, failedOperation{head, err})
			continue
		}

		if d.limits.InFlightBudget > 0 && d.inFlightBytes > 0 &&
			d.inFlightBytes+int64(head.length) > d.limits.InFlightBudget {

			return nil, failed, errors.Wrapf(ErrResourceExhausted,
				"device %s has %d bytes in flight, budget %d", d.name, d.inFlightBytes, d.limits.InFlightBudget)
		}

		d.popHead()
		d.promote(head)

		return head, failed, nil
	}

	return nil, failed, nil
}

// Verifies that the operation can be handed to a worker.
func (d *Device) check(op *Operation) error {
	end, ok := op.end()
	if !ok || end > uint64(d.capacity) {
		return errors.Wrapf(ErrOutOfRange, "sector %d length %d, capacity %d bytes",
			op.startSector, op.length, d.capacity)
	}

	if d.limits.MaxPayload > 0 && op.length > d.limits.MaxPayload {
		return errors.Wrapf(ErrResourceExhausted, "operation of %d bytes exceeds payload limit %d",
			op.length, d.limits.MaxPayload)
	}

	if op.direction == Write && uint64(len(op.data)) != uint64(op.length) {
		return errors.Wrapf(ErrProtocolViolation, "write of length %d carries %d bytes",
			op.length, len(op.data))
	}

	return nil
}

func (d *Device) popHead() {
	d.queue[0] = nil
	d.queue = d.queue[1:]
}

// Assigns a fresh request id and inserts the operation into the in flight
// table. Request ids are never reused within a device, so an id is unique in
// the table by construction.
func (d *Device) promote(op *Operation) uint64 {
	id := d.requestIDs.Next()

	op.state = StateDispatched
	op.requestID = id
	d.inFlight[id] = op
	d.inFlightBytes += int64(op.length)

	return id
}

func (d *Device) findInFlight(requestID uint64) (*Operation, bool) {
	op, ok := d.inFlight[requestID]
	return op, ok
}

func (d *Device) removeInFlight(requestID uint64) {
	op, ok := d.inFlight[requestID]
	if !ok {
		return
	}

	delete(d.inFlight, requestID)
	d.inFlightBytes -= int64(op.length)
}

// Complete finishes the in flight operation with the given request id.
// status zero reports success, anything else is an errno value passed to the
// storage side. Successful read completions must carry exactly length bytes
// of payload, which must not exceed the length of the operation. Write
// completions carry no payload.
//
// When the completion is rejected the operation stays in flight untouched,
// so the worker can retry.
func (d *Device) Complete(requestID uint64, length uint32, status int32, data []byte) error {
	d.mutex.Lock()
	if d.removed {
		d.mutex.Unlock()
		return errors.Wrapf(ErrDeviceRemoved, "device %s", d.name)
	}

	op, ok := d.findInFlight(requestID)
	if !ok {
		d.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "request %d is not in flight on device %s", requestID, d.name)
	}

	if err := validateCompletion(op, length, status, data); err != nil {
		d.mutex.Unlock()
		return errors.Wrapf(err, "request %d on device %s", requestID, d.name)
	}

	d.removeInFlight(requestID)
	op.data = nil
	if status == 0 {
		op.state = StateCompleted
	} else {
		op.state = StateFailed
	}
	queued, inFlight := len(d.queue), len(d.inFlight)
	d.mutex.Unlock()

	metrics.RecordQueue(d.name, d.serial.String(), queued, inFlight)

	switch {
	case status != 0:
		op.resolve(&IOError{Status: status}, nil)
	case op.direction == Read:
		// The transport owns data, the storage side gets its own copy.
		buf := make([]byte, length)
		copy(buf, data)
		op.resolve(nil, buf)
	default:
		op.resolve(nil, nil)
	}

	return nil
}

func validateCompletion(op *Operation, length uint32, status int32, data []byte) error {
	if length > op.length {
		return errors.Wrapf(ErrProtocolViolation, "completed length %d exceeds operation length %d",
			length, op.length)
	}

	if op.direction == Write && len(data) != 0 {
		return errors.Wrap(ErrProtocolViolation, "write completion carries payload")
	}

	if status == 0 && op.direction == Read && uint64(len(data)) != uint64(length) {
		return errors.Wrapf(ErrProtocolViolation, "read completion of length %d carries %d bytes",
			length, len(data))
	}

	return nil
}

// Requeue moves an in flight operation back to the head of the incoming
// queue. It is used when the dispatch could not be delivered to the worker.
func (d *Device) Requeue(requestID uint64) error {
	d.mutex.Lock()
	op, ok := d.findInFlight(requestID)
	if !ok {
		d.mutex.Unlock()
		return errors.Wrapf(ErrNotFound, "request %d is not in flight on device %s", requestID, d.name)
	}

	d.removeInFlight(requestID)
	op.state = StateQueued
	op.requestID = 0
	d.queue = append([]*Operation{op}, d.queue...)
	d.wake()
	queued, inFlight := len(d.queue), len(d.inFlight)
	d.mutex.Unlock()

	metrics.RecordQueue(d.name, d.serial.String(), queued, inFlight)

	return nil
}

// Stats returns the current queue lengths of the device.
func (d *Device) Stats() Stats {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return Stats{
		Queued:        len(d.queue),
		InFlight:      len(d.inFlight),
		InFlightBytes: d.inFlightBytes,
	}
}

// Fails all queued and in flight operations with ErrDeviceRemoved, refuses
// further submissions and wakes up all waiting fetchers.
func (d *Device) shutdown() {
	d.mutex.Lock()
	if d.removed {
		d.mutex.Unlock()
		return
	}

	d.removed = true
	ops := make([]*Operation, 0, len(d.queue)+len(d.inFlight))
	ops = append(ops, d.queue...)
	for _, op := range d.inFlight {
		ops = append(ops, op)
	}
	for _, op := range ops {
		op.state = StateFailed
		op.data = nil
	}
	d.queue = nil
	d.inFlight = make(map[uint64]*Operation)
	d.inFlightBytes = 0
	d.wake()
	d.mutex.Unlock()

	err := errors.Wrapf(ErrDeviceRemoved, "device %s", d.name)
	for _, op := range ops {
		op.resolve(err, nil)
	}

	metrics.ForgetDevice(d.name, d.serial.String())

	if len(ops) > 0 {
		log.Info().Str("device", d.name).Int("operations", len(ops)).
			Msg("Pending operations failed on device removal.")
	}
}

func (d *Device) wake() {
	close(d.notify)
	d.notify = make(chan struct{})
}
