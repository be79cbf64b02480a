// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package worker is the user space half of a device. It fetches operations
// from the daemon, performs them on a backend and reports the results back.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/asch/bdgate/internal/envelope"
	"github.com/asch/bdgate/internal/gate"
)

// ReadWriter is the storage behind a device. Offsets and lengths are in bytes
// and always multiples of the sector size. Both methods are called
// concurrently from all threads of the worker.
type ReadWriter interface {
	// Fills p with the data stored at offset off.
	ReadAt(p []byte, off int64) error

	// Stores p at offset off.
	WriteAt(p []byte, off int64) error
}

// PreRunner is implemented by backends which need to prepare before the
// first operation is served.
type PreRunner interface {
	PreRun() error
}

// PostRemover is implemented by backends which need to clean up after the
// device is removed.
type PostRemover interface {
	PostRemove()
}

// Client is the control channel of the daemon, see control.Client.
type Client interface {
	FetchNext(ctx context.Context, handle uint64) (*envelope.FetchNextResult, error)
	Complete(ctx context.Context, handle, requestID uint64, length uint32, status int32, data []byte) error
}

type Options struct {
	// Number of operations served in parallel.
	Threads int

	// Time limit for reporting one completion. A completion is sent even
	// when the worker is being stopped, so it is not bound to the context
	// of Run.
	CompleteTimeout time.Duration

	// Delay before fetching again after a transient failure.
	Backoff time.Duration
}

func (o *Options) setDefaults() {
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.CompleteTimeout <= 0 {
		o.CompleteTimeout = 10 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
}

// Run serves the device with the handle until ctx is done or the device is
// gone. It returns nil when stopped through ctx, otherwise the errors which
// stopped the threads.
func Run(ctx context.Context, client Client, handle uint64, backend ReadWriter, opts Options) error {
	opts.setDefaults()

	if p, ok := backend.(PreRunner); ok {
		if err := p.PreRun(); err != nil {
			return errors.Wrap(err, "preparing backend")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mutex  sync.Mutex
		result error
	)

	for i := 0; i < opts.Threads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			t := thread{id: id, client: client, handle: handle, backend: backend, opts: opts}
			if err := t.run(ctx); err != nil {
				mutex.Lock()
				result = multierr.Append(result, errors.Wrapf(err, "thread %d", id))
				mutex.Unlock()
				cancel()
			}
		}(i)
	}

	log.Info().Uint64("handle", handle).Int("threads", opts.Threads).Msg("Worker running.")
	wg.Wait()

	return result
}

// PostRemove runs the clean up hook of the backend, if it has one.
func PostRemove(backend ReadWriter) {
	if p, ok := backend.(PostRemover); ok {
		p.PostRemove()
	}
}

type thread struct {
	id      int
	client  Client
	handle  uint64
	backend ReadWriter
	opts    Options
}

func (t *thread) run(ctx context.Context) error {
	for {
		op, err := t.client.FetchNext(ctx, t.handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal(err) {
				return err
			}

			log.Debug().Err(err).Int("thread", t.id).Msg("Fetching operation failed, retrying.")
			select {
			case <-time.After(t.opts.Backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := t.serve(op); err != nil {
			return err
		}
	}
}

// Performs one operation and reports the result.
func (t *thread) serve(op *envelope.FetchNextResult) error {
	off := int64(op.StartSector) * gate.SectorSize

	var data []byte
	var err error
	switch op.Direction {
	case envelope.DirectionRead:
		data = make([]byte, op.Length)
		err = t.backend.ReadAt(data, off)
	case envelope.DirectionWrite:
		err = t.backend.WriteAt(op.Data, off)
	default:
		err = errors.Errorf("unknown direction %d", op.Direction)
	}

	length := op.Length
	var status int32
	if err != nil {
		log.Error().Err(err).Int("thread", t.id).Stringer("direction", op.Direction).
			Uint64("sector", op.StartSector).Uint32("length", op.Length).Msg("Backend operation failed.")
		status, data, length = int32(unix.EIO), nil, 0
	}
	if op.Direction == envelope.DirectionWrite {
		data = nil
	}

	err = t.complete(op.RequestID, length, status, data)
	if errors.Is(err, gate.ErrProtocolViolation) {
		log.Error().Err(err).Uint64("request", op.RequestID).Msg("Completion rejected, failing the operation.")
		err = t.complete(op.RequestID, 0, int32(unix.EIO), nil)
	}

	if errors.Is(err, gate.ErrDeviceRemoved) {
		return err
	}
	// The next fetch tells whether the device is still there.
	if err != nil {
		log.Warn().Err(err).Uint64("request", op.RequestID).Msg("Completion not delivered.")
	}

	return nil
}

func (t *thread) complete(requestID uint64, length uint32, status int32, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CompleteTimeout)
	defer cancel()

	return t.client.Complete(ctx, t.handle, requestID, length, status, data)
}

// Fetch errors after which the device cannot be served anymore.
func fatal(err error) bool {
	return errors.Is(err, gate.ErrDeviceRemoved) ||
		errors.Is(err, gate.ErrNotFound) ||
		errors.Is(err, gate.ErrPermissionDenied)
}
