// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/asch/bdgate/internal/envelope"
	"github.com/asch/bdgate/internal/metrics"
)

const (
	// Sector is the unit of the capacity in the control protocol and of the
	// start of every operation. It is 512 bytes no matter what block size
	// the storage side uses.
	SectorSize = 512
)

type Direction = envelope.Direction

const (
	Read  = envelope.DirectionRead
	Write = envelope.DirectionWrite
)

// State of an operation. Queued operations live in the incoming queue,
// dispatched ones in the in flight table, completed and failed ones in
// neither.
type State uint8

const (
	StateQueued State = iota
	StateDispatched
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Completion resumes the storage side once the operation leaves the device.
// It is called exactly once per submitted operation. On success of a read
// operation data holds the payload supplied by the worker, otherwise it is
// nil. Completion must not call back into the device synchronously.
type Completion func(err error, data []byte)

// Operation is one unit of block I/O submitted by the storage side.
type Operation struct {
	direction   Direction
	startSector uint64
	length      uint32

	// Write payload, kept until the operation is completed so that it can
	// be handed out again when a dispatch is abandoned.
	data []byte

	done     Completion
	doneOnce sync.Once

	// Guarded by the lock of the owning device.
	state     State
	requestID uint64
	queuedAt  time.Time
}

func (op *Operation) Direction() Direction {
	return op.direction
}

func (op *Operation) StartSector() uint64 {
	return op.startSector
}

func (op *Operation) Length() uint32 {
	return op.length
}

// Byte offset of the first byte of the operation.
func (op *Operation) offset() uint64 {
	return op.startSector * SectorSize
}

// Byte offset just after the last byte of the operation. Reports false when
// the computation overflows.
func (op *Operation) end() (uint64, bool) {
	if op.startSector > (^uint64(0)-uint64(op.length))/SectorSize {
		return 0, false
	}

	return op.offset() + uint64(op.length), true
}

// resolve hands the result to the storage side. Must be called without
// holding the device lock.
func (op *Operation) resolve(err error, data []byte) {
	op.doneOnce.Do(func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.RecordCompleted(op.direction.String(), result)

		if op.done != nil {
			op.done(err, data)
		}
	})
}

// Dispatched is the copy of an operation handed to a worker. Data is the
// write payload and is nil for read operations. Data must not be modified.
type Dispatched struct {
	RequestID   uint64
	Direction   Direction
	StartSector uint64
	Length      uint32
	Data        []byte
}
