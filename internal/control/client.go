// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/asch/bdgate/internal/envelope"
	"github.com/asch/bdgate/internal/gate"
)

// Client talks to the control socket of the daemon. Every call opens its own
// connection, so a client is safe for concurrent use. Failures reported by the
// daemon unwrap to the error kinds of package gate.
type Client struct {
	path   string
	dialer net.Dialer
}

func NewClient(path string) *Client {
	return &Client{path: path}
}

// NewDevice registers a device with capacity in sectors.
func (c *Client) NewDevice(ctx context.Context, name string, capacity int64, minors int32) (*envelope.NewDeviceResult, error) {
	resp, err := c.call(ctx, envelope.NewDeviceRequest(name, capacity, minors))
	if err != nil {
		return nil, err
	}

	return resp.NewDevice, nil
}

func (c *Client) RemoveDevice(ctx context.Context, handle uint64) error {
	_, err := c.call(ctx, envelope.RemoveDeviceRequest(handle))
	return err
}

// FetchNext blocks until the daemon hands out the next operation of the
// device or ctx is done.
func (c *Client) FetchNext(ctx context.Context, handle uint64) (*envelope.FetchNextResult, error) {
	resp, err := c.call(ctx, envelope.FetchNextRequest(handle))
	if err != nil {
		return nil, err
	}

	return resp.FetchNext, nil
}

// Complete reports the result of a fetched operation. status is zero on
// success, an errno value otherwise. data is the payload of successful reads.
func (c *Client) Complete(ctx context.Context, handle, requestID uint64, length uint32, status int32, data []byte) error {
	_, err := c.call(ctx, envelope.CompleteRequest(handle, requestID, length, status, data))
	return err
}

func (c *Client) call(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", c.path)
	}
	defer conn.Close()

	// Closing the connection aborts a blocked call and makes the daemon drop
	// the pending fetch.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := envelope.WriteRequest(conn, req); err != nil {
		return nil, c.failed(ctx, req, err)
	}

	resp, err := envelope.ReadResponse(conn, req.Kind)
	if err != nil {
		return nil, c.failed(ctx, req, err)
	}

	if err := gate.FromResponse(resp); err != nil {
		return nil, errors.Wrap(err, req.Kind.String())
	}

	return resp, nil
}

func (c *Client) failed(ctx context.Context, req *envelope.Request, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(gate.ErrCancelled, "%s: %v", req.Kind, ctx.Err())
	}

	return errors.Wrapf(err, "%s via %s", req.Kind, c.path)
}
