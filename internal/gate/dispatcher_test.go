// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/bdgate/internal/envelope"
)

func dispatchOK(t *testing.T, d *Dispatcher, id Identity, req *envelope.Request) *envelope.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := d.Dispatch(ctx, id, req)
	require.True(t, resp.OK, "%s failed: %s (%s)", req.Kind, resp.Error, resp.Code)
	require.NoError(t, resp.ValidateFor(req.Kind))

	return resp
}

func TestDispatchReadScenario(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))

	resp := dispatchOK(t, d, alice, envelope.NewDeviceRequest("a/b.c", 64, 1))
	assert.Equal(t, "a_b_c", resp.NewDevice.Name)
	assert.Equal(t, uint64(1), resp.NewDevice.Handle)
	assert.NotEmpty(t, resp.NewDevice.Serial)

	dev, err := d.Registry().Lookup(resp.NewDevice.Handle, alice)
	require.NoError(t, err)
	assert.Equal(t, "a_b_c", dev.Name())

	done, results := collect()
	_, err = dev.Submit(Read, 0, 4096, nil, done)
	require.NoError(t, err)

	resp = dispatchOK(t, d, alice, envelope.FetchNextRequest(dev.Handle()))
	want := &envelope.FetchNextResult{
		RequestID:   1,
		Direction:   envelope.DirectionRead,
		StartSector: 0,
		Length:      4096,
	}
	if diff := cmp.Diff(want, resp.FetchNext); diff != "" {
		t.Errorf("FetchNext result mismatch (-want +got):\n%s", diff)
	}

	zeros := make([]byte, 4096)
	resp = dispatchOK(t, d, alice, envelope.CompleteRequest(dev.Handle(), 1, 4096, 0, zeros))
	assert.Equal(t, int32(0), resp.Complete.Status)

	r := receive(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, zeros, r.data)
	assert.Equal(t, Stats{}, dev.Stats())
}

func TestDispatchLongMultibyteName(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))

	var resp *envelope.Response
	require.NotPanics(t, func() {
		resp = dispatchOK(t, d, alice, envelope.NewDeviceRequest(strings.Repeat("a", 30)+"é", 8, 1))
	})
	assert.Equal(t, strings.Repeat("a", 30), resp.NewDevice.Name)
	assert.True(t, utf8.ValidString(resp.NewDevice.Name))

	var buf bytes.Buffer
	require.NoError(t, envelope.WriteResponse(&buf, resp))
	decoded, err := envelope.ReadResponse(&buf, envelope.KindNewDevice)
	require.NoError(t, err)
	assert.Equal(t, resp.NewDevice.Handle, decoded.NewDevice.Handle)
	assert.Equal(t, resp.NewDevice.Name, decoded.NewDevice.Name)
}

func TestDispatchWriteRoundTrip(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))

	resp := dispatchOK(t, d, alice, envelope.NewDeviceRequest("disk", 64, 1))
	dev, err := d.Registry().Lookup(resp.NewDevice.Handle, alice)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x5a}, 1024)
	done, results := collect()
	_, err = dev.Submit(Write, 8, 1024, payload, done)
	require.NoError(t, err)

	resp = dispatchOK(t, d, alice, envelope.FetchNextRequest(dev.Handle()))
	assert.Equal(t, envelope.DirectionWrite, resp.FetchNext.Direction)
	assert.Equal(t, uint64(8), resp.FetchNext.StartSector)
	assert.Equal(t, payload, resp.FetchNext.Data)

	dispatchOK(t, d, alice, envelope.CompleteRequest(dev.Handle(), resp.FetchNext.RequestID, 1024, 0, nil))
	assert.NoError(t, receive(t, results).err)
}

func TestDispatchFailures(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))

	resp := dispatchOK(t, d, alice, envelope.NewDeviceRequest("disk", 8, 0))
	handle := resp.NewDevice.Handle

	dev, err := d.Registry().Lookup(handle, alice)
	require.NoError(t, err)
	_, err = dev.Submit(Read, 0, 512, nil, nil)
	require.NoError(t, err)
	dispatchOK(t, d, alice, envelope.FetchNextRequest(handle))

	tests := []struct {
		name   string
		caller Identity
		req    *envelope.Request
		want   envelope.Code
	}{
		{"empty name", alice, envelope.NewDeviceRequest(" \x00x", 8, 0), envelope.CodeProtocolViolation},
		{"zero capacity", alice, envelope.NewDeviceRequest("zero", 0, 0), envelope.CodeCapacityInvalid},
		{"foreign fetch", bob, envelope.FetchNextRequest(handle), envelope.CodePermissionDenied},
		{"unknown handle", alice, envelope.FetchNextRequest(42), envelope.CodeNotFound},
		{"foreign remove", bob, envelope.RemoveDeviceRequest(handle), envelope.CodePermissionDenied},
		{"unknown request id", alice, envelope.CompleteRequest(handle, 99, 512, 0, make([]byte, 512)), envelope.CodeNotFound},
		{"oversized completion", alice, envelope.CompleteRequest(handle, 1, 1024, 0, make([]byte, 1024)), envelope.CodeProtocolViolation},
		{"two payloads", alice, &envelope.Request{
			Kind:      envelope.KindFetchNext,
			FetchNext: &envelope.FetchNext{Handle: handle},
			NewDevice: &envelope.NewDevice{Name: "x", Capacity: 8},
		}, envelope.CodeProtocolViolation},
		{"unknown kind", alice, &envelope.Request{Kind: 77}, envelope.CodeProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), tt.caller, tt.req)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.want, resp.Code, resp.Error)
			assert.True(t, errors.Is(FromResponse(resp), remoteSentinel(tt.want)))
		})
	}

	assert.Equal(t, Stats{InFlight: 1, InFlightBytes: 512}, dev.Stats())

	resp = d.Dispatch(context.Background(), alice, nil)
	assert.Equal(t, envelope.CodeProtocolViolation, resp.Code)
}

func remoteSentinel(code envelope.Code) error {
	return (&RemoteError{Code: code}).Unwrap()
}

func TestDispatchFetchCancelled(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))
	handle := dispatchOK(t, d, alice, envelope.NewDeviceRequest("disk", 8, 0)).NewDevice.Handle

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp := d.Dispatch(ctx, alice, envelope.FetchNextRequest(handle))
	assert.Equal(t, envelope.CodeCancelled, resp.Code)
}

func TestDispatchRemoveWakesFetch(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))
	handle := dispatchOK(t, d, alice, envelope.NewDeviceRequest("disk", 8, 0)).NewDevice.Handle

	fetched := make(chan *envelope.Response, 1)
	go func() {
		fetched <- d.Dispatch(context.Background(), alice, envelope.FetchNextRequest(handle))
	}()

	time.Sleep(20 * time.Millisecond)
	dispatchOK(t, d, alice, envelope.RemoveDeviceRequest(handle))

	select {
	case resp := <-fetched:
		assert.False(t, resp.OK)
		assert.Contains(t, []envelope.Code{envelope.CodeDeviceRemoved, envelope.CodeNotFound}, resp.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch blocked after removal")
	}
}

func TestAbandonRequeues(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil, Limits{}))
	handle := dispatchOK(t, d, alice, envelope.NewDeviceRequest("disk", 8, 0)).NewDevice.Handle

	dev, err := d.Registry().Lookup(handle, alice)
	require.NoError(t, err)
	_, err = dev.Submit(Read, 3, 512, nil, nil)
	require.NoError(t, err)

	first := dispatchOK(t, d, alice, envelope.FetchNextRequest(handle)).FetchNext
	require.NoError(t, d.Abandon(alice, handle, first.RequestID))

	err = d.Abandon(bob, handle, first.RequestID)
	assert.True(t, errors.Is(err, ErrPermissionDenied), "got %v", err)

	second := dispatchOK(t, d, alice, envelope.FetchNextRequest(handle)).FetchNext
	assert.Equal(t, first.StartSector, second.StartSector)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}
