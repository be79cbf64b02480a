// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package envelope

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request *Request
		valid   bool
	}{
		{"new device", NewDeviceRequest("disk", 8, 1), true},
		{"remove device", RemoveDeviceRequest(1), true},
		{"fetch next", FetchNextRequest(1), true},
		{"complete read", CompleteRequest(1, 2, 4, 0, make([]byte, 4)), true},
		{"complete without data", CompleteRequest(1, 2, 4, 0, nil), true},
		{"no payload", &Request{Kind: KindFetchNext}, false},
		{"wrong payload", &Request{Kind: KindFetchNext, RemoveDevice: &RemoveDevice{Handle: 1}}, false},
		{"two payloads", &Request{
			Kind:      KindFetchNext,
			FetchNext: &FetchNext{Handle: 1},
			Complete:  &Complete{Handle: 1},
		}, false},
		{"unknown kind", &Request{Kind: Kind(42), FetchNext: &FetchNext{Handle: 1}}, false},
		{"data longer than length", CompleteRequest(1, 2, 2, 0, make([]byte, 4)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
			}
		})
	}
}

func TestResponseValidateFor(t *testing.T) {
	write := &Response{OK: true, FetchNext: &FetchNextResult{
		RequestID: 1, Direction: DirectionWrite, Length: 3, Data: []byte{1, 2, 3},
	}}
	assert.NoError(t, write.ValidateFor(KindFetchNext))

	short := &Response{OK: true, FetchNext: &FetchNextResult{
		RequestID: 1, Direction: DirectionWrite, Length: 4, Data: []byte{1, 2, 3},
	}}
	assert.True(t, errors.Is(short.ValidateFor(KindFetchNext), ErrMalformed))

	readWithData := &Response{OK: true, FetchNext: &FetchNextResult{
		RequestID: 1, Direction: DirectionRead, Length: 1, Data: []byte{1},
	}}
	assert.True(t, errors.Is(readWithData.ValidateFor(KindFetchNext), ErrMalformed))

	assert.True(t, errors.Is((&Response{OK: true}).ValidateFor(KindNewDevice), ErrMalformed))
	assert.True(t, errors.Is((&Response{}).ValidateFor(KindNewDevice), ErrMalformed))
	assert.NoError(t, (&Response{OK: true}).ValidateFor(KindRemoveDevice))
	assert.NoError(t, Failure(CodeNotFound, "gone").ValidateFor(KindComplete))
}

func TestFailureNeverCarriesOK(t *testing.T) {
	r := Failure(CodeOK, "odd")

	assert.False(t, r.OK)
	assert.Equal(t, CodeInternal, r.Code)
}

func TestRequestStreamRoundtrip(t *testing.T) {
	requests := []*Request{
		NewDeviceRequest("a_b_c", 8, 1),
		FetchNextRequest(3),
		CompleteRequest(3, 7, 4, 0, []byte{0xde, 0xad, 0xbe, 0xef}),
		RemoveDeviceRequest(3),
	}

	var buf bytes.Buffer
	for _, r := range requests {
		require.NoError(t, WriteRequest(&buf, r))
	}

	for _, want := range requests {
		// Each request is read by a fresh decoder, like the server does
		// for every connection.
		data, err := Marshal(want)
		require.NoError(t, err)

		got, err := ReadRequest(bytes.NewReader(buf.Next(len(data))))
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("request mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestReadRequestEmptyIsEOF(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader(nil))

	assert.Equal(t, io.EOF, err)
}

func TestReadRequestGarbage(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader([]byte{0xff, 0x00, 0x13}))

	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestReadRequestRejectsInvalid(t *testing.T) {
	data, err := Marshal(&Request{Kind: KindComplete})
	require.NoError(t, err)

	_, err = ReadRequest(bytes.NewReader(data))
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
}

func TestResponseRoundtrip(t *testing.T) {
	want := &Response{OK: true, FetchNext: &FetchNextResult{
		RequestID:   9,
		Direction:   DirectionWrite,
		StartSector: 16,
		Length:      2,
		Data:        []byte{1, 2},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, want))

	got, err := ReadResponse(&buf, KindFetchNext)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	r := CompleteRequest(1, 2, 3, 0, []byte{1, 2, 3})

	first, err := Marshal(r)
	require.NoError(t, err)
	second, err := Marshal(r)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRequestHandle(t *testing.T) {
	assert.Equal(t, uint64(0), NewDeviceRequest("x", 1, 1).Handle())
	assert.Equal(t, uint64(4), RemoveDeviceRequest(4).Handle())
	assert.Equal(t, uint64(5), FetchNextRequest(5).Handle())
	assert.Equal(t, uint64(6), CompleteRequest(6, 1, 0, 0, nil).Handle())
}
