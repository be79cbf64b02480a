// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdgate/internal/envelope"
	"github.com/asch/bdgate/internal/metrics"
)

// Dispatcher interprets control requests of workers against the registry.
// Every request carries the identity of the caller and ownership is checked
// on every call.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch handles one request and returns the response for it. It never
// returns nil. FetchNext blocks until an operation is available, the device is
// removed or ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, id Identity, req *envelope.Request) *envelope.Response {
	resp, err := d.dispatch(ctx, id, req)
	if err != nil {
		resp = failure(err)
	}

	kind := "invalid"
	if req != nil {
		kind = req.Kind.String()
	}
	metrics.RecordControlRequest(kind, resp.Code.String())

	if err != nil {
		log.Debug().Err(err).Str("kind", kind).Stringer("caller", id).Msg("Control request failed.")
	}

	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, id Identity, req *envelope.Request) (*envelope.Response, error) {
	if req == nil {
		return nil, errors.Wrap(ErrProtocolViolation, "empty request")
	}

	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, err.Error())
	}

	switch req.Kind {
	case envelope.KindNewDevice:
		return d.newDevice(id, req.NewDevice)
	case envelope.KindRemoveDevice:
		return d.removeDevice(id, req.RemoveDevice)
	case envelope.KindFetchNext:
		return d.fetchNext(ctx, id, req.FetchNext)
	case envelope.KindComplete:
		return d.complete(id, req.Complete)
	}

	return nil, errors.Wrapf(ErrProtocolViolation, "unknown request kind %d", req.Kind)
}

func (d *Dispatcher) newDevice(id Identity, p *envelope.NewDevice) (*envelope.Response, error) {
	name := SanitizeName(p.Name)
	if name == "" {
		return nil, errors.Wrapf(ErrProtocolViolation, "device name %q is empty after sanitizing", p.Name)
	}

	dev, err := d.registry.Create(name, p.Capacity, p.Minors, id)
	if err != nil {
		return nil, err
	}

	return &envelope.Response{
		OK: true,
		NewDevice: &envelope.NewDeviceResult{
			Handle: dev.Handle(),
			Name:   dev.Name(),
			Serial: dev.Serial().String(),
		},
	}, nil
}

func (d *Dispatcher) removeDevice(id Identity, p *envelope.RemoveDevice) (*envelope.Response, error) {
	if err := d.registry.Remove(p.Handle, id); err != nil {
		return nil, err
	}

	return &envelope.Response{OK: true}, nil
}

func (d *Dispatcher) fetchNext(ctx context.Context, id Identity, p *envelope.FetchNext) (*envelope.Response, error) {
	dev, err := d.registry.Lookup(p.Handle, id)
	if err != nil {
		return nil, err
	}

	op, err := dev.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	return &envelope.Response{
		OK: true,
		FetchNext: &envelope.FetchNextResult{
			RequestID:   op.RequestID,
			Direction:   op.Direction,
			StartSector: op.StartSector,
			Length:      op.Length,
			Data:        op.Data,
		},
	}, nil
}

func (d *Dispatcher) complete(id Identity, p *envelope.Complete) (*envelope.Response, error) {
	dev, err := d.registry.Lookup(p.Handle, id)
	if err != nil {
		return nil, err
	}

	if err := dev.Complete(p.RequestID, p.Length, p.Status, p.Data); err != nil {
		return nil, err
	}

	return &envelope.Response{
		OK:       true,
		Complete: &envelope.CompleteResult{Status: p.Status},
	}, nil
}

// Abandon returns a fetched operation to the head of the incoming queue. The
// transport calls it when the FetchNext response could not be delivered, so
// the operation is not stuck in flight with nobody to complete it.
func (d *Dispatcher) Abandon(id Identity, handle, requestID uint64) error {
	dev, err := d.registry.Lookup(handle, id)
	if err != nil {
		return err
	}

	if err := dev.Requeue(requestID); err != nil {
		return err
	}

	log.Warn().Str("device", dev.Name()).Uint64("request", requestID).
		Msg("Dispatch not delivered, operation requeued.")

	return nil
}

func failure(err error) *envelope.Response {
	return envelope.Failure(CodeOf(err), err.Error())
}
