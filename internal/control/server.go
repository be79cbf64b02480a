// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package control carries the requests of workers to the dispatcher over a
// Unix socket. Every connection carries exactly one CBOR request and one CBOR
// response. The identity of the caller is taken from the peer credentials of
// the socket, so a worker cannot claim to be somebody else.
//
// A fetched operation whose response cannot be written goes back to the head
// of the queue. A response that fits into the socket buffer before the worker
// hangs up counts as delivered, so the operation stays in flight until the
// device is removed.
package control

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdgate/internal/envelope"
	"github.com/asch/bdgate/internal/gate"
)

const (
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxRequestSize = 1 << 20

	// Encoding overhead of a request on top of its payload.
	requestOverhead = 4096
)

type Options struct {
	// Permissions of the socket file. Zero keeps the umask default.
	Mode os.FileMode

	// Upper bound of one encoded request. Completions of reads carry the
	// whole payload, so it must be at least the maximum payload size.
	MaxRequestSize int64

	// Time the client has to send its request after connecting.
	ReadTimeout time.Duration

	// Time the server has to write the response.
	WriteTimeout time.Duration
}

// RequestSizeFor returns the request size limit needed for payloads of
// maxPayload bytes.
func RequestSizeFor(maxPayload uint32) int64 {
	return int64(maxPayload) + requestOverhead
}

// Server accepts control connections and hands the requests to the
// dispatcher.
type Server struct {
	path       string
	dispatcher *gate.Dispatcher
	opts       Options

	activeConnections sync.WaitGroup
}

func NewServer(path string, dispatcher *gate.Dispatcher, opts Options) *Server {
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = defaultMaxRequestSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	return &Server{
		path:       path,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Listen creates the socket. A stale socket file left behind by a previous
// run is removed first.
func (s *Server) Listen() (*net.UnixListener, error) {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "removing stale socket %s", s.path)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", s.path)
	}

	if s.opts.Mode != 0 {
		if err := os.Chmod(s.path, s.opts.Mode); err != nil {
			listener.Close()
			return nil, errors.Wrapf(err, "setting permissions of %s", s.path)
		}
	}

	return listener, nil
}

// Serve accepts connections until ctx is done, then waits for the running
// requests to finish. Blocked fetches are cancelled together with ctx. The
// socket file is removed on return.
func (s *Server) Serve(ctx context.Context, listener *net.UnixListener) error {
	defer func() {
		listener.Close()
		os.Remove(s.path)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("path", s.path).Msg("Control socket listening.")

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Error().Err(err).Msg("Accepting control connection failed.")
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()

	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	id, err := peerIdentity(conn)
	if err != nil {
		log.Warn().Err(err).Msg("Rejecting control connection.")
		s.write(conn, envelope.Failure(envelope.CodePermissionDenied, err.Error()))
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

	req, err := envelope.ReadRequest(io.LimitReader(conn, s.opts.MaxRequestSize))
	if err != nil {
		if err == io.EOF {
			return
		}
		log.Debug().Err(err).Stringer("caller", id).Msg("Invalid control request.")
		s.write(conn, envelope.Failure(gate.CodeOf(err), err.Error()))
		return
	}

	if req.Kind == envelope.KindFetchNext {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go watchPeer(conn, cancel)
	}

	resp := s.dispatcher.Dispatch(ctx, id, req)

	if err := s.write(conn, resp); err != nil && resp.FetchNext != nil {
		if err := s.dispatcher.Abandon(id, req.Handle(), resp.FetchNext.RequestID); err != nil {
			log.Warn().Err(err).Uint64("request", resp.FetchNext.RequestID).
				Msg("Requeueing undelivered operation failed.")
		}
	}
}

// watchPeer cancels a pending fetch once the peer closes the connection. The
// client never sends anything after its request, so any completed read means
// the connection is gone. It returns when the connection is closed.
func watchPeer(conn *net.UnixConn, cancel context.CancelFunc) {
	conn.SetReadDeadline(time.Time{})

	var b [1]byte
	conn.Read(b[:])
	cancel()
}

func (s *Server) write(conn *net.UnixConn, resp *envelope.Response) error {
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))

	err := envelope.WriteResponse(conn, resp)
	if err != nil {
		log.Debug().Err(err).Msg("Writing control response failed.")
	}

	return err
}
