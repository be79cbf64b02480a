// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package envelope

import (
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Envelopes are encoded with Core Deterministic Encoding (RFC 8949 4.2), so
// the same message always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	// Envelopes are flat structs, anything deeper is garbage.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
		MaxMapPairs:     16,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// WriteRequest encodes one request to w.
func WriteRequest(w io.Writer, r *Request) error {
	return errors.Wrap(encMode.NewEncoder(w).Encode(r), "writing request")
}

// ReadRequest decodes one request from r and validates it. io.EOF is returned
// unwrapped when r is empty, so callers can tell a peer which went away from a
// garbled message.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := decMode.NewDecoder(r).Decode(&req); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrapf(ErrMalformed, "decoding request: %v", err)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return &req, nil
}

// WriteResponse encodes one response to w.
func WriteResponse(w io.Writer, r *Response) error {
	return errors.Wrap(encMode.NewEncoder(w).Encode(r), "writing response")
}

// ReadResponse decodes one response to a request of the given kind from r and
// validates it.
func ReadResponse(r io.Reader, kind Kind) (*Response, error) {
	var resp Response
	if err := decMode.NewDecoder(r).Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrapf(ErrMalformed, "decoding %s response: %v", kind, err)
	}

	if err := resp.ValidateFor(kind); err != nil {
		return nil, err
	}

	return &resp, nil
}
