// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbd exposes registered devices to the host through the network
// block device protocol. Every device is an export named after the device,
// the kernel nbd client attaches it as /dev/nbdX. Commands of the client are
// submitted to the device and answered once the worker completes them.
package nbd

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/bdgate/internal/gate"
)

const negotiationTimeout = 30 * time.Second

type Options struct {
	// Longest command accepted from the client. It is advertised as the
	// maximum block size. Zero means the hard limit of the server.
	MaxPayload uint32
}

// Server is the block layer of the registry. It serves all exports on one
// listener.
type Server struct {
	maxLength uint32

	mutex   sync.Mutex
	exports map[string]*export
	active  map[net.Conn]struct{}

	activeConnections sync.WaitGroup
}

type export struct {
	dev   *gate.Device
	conns map[*conn]struct{}
}

func New(opts Options) *Server {
	maxLength := uint32(hardMaxLength)
	if opts.MaxPayload > 0 && opts.MaxPayload < maxLength {
		maxLength = opts.MaxPayload
	}
	maxLength -= maxLength % gate.SectorSize

	return &Server{
		maxLength: maxLength,
		exports:   make(map[string]*export),
		active:    make(map[net.Conn]struct{}),
	}
}

// Attach publishes the device as an export with the name of the device.
func (s *Server) Attach(dev *gate.Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.exports[dev.Name()]; ok {
		return errors.Errorf("export %s already exists", dev.Name())
	}

	s.exports[dev.Name()] = &export{dev: dev, conns: make(map[*conn]struct{})}
	log.Info().Str("export", dev.Name()).Int64("size", dev.Capacity()).Msg("NBD export added.")

	return nil
}

// Detach withdraws the export and disconnects its clients.
func (s *Server) Detach(dev *gate.Device) {
	s.mutex.Lock()
	e, ok := s.exports[dev.Name()]
	if !ok || e.dev != dev {
		s.mutex.Unlock()
		return
	}
	delete(s.exports, dev.Name())
	s.mutex.Unlock()

	for c := range e.conns {
		c.close()
	}

	log.Info().Str("export", dev.Name()).Msg("NBD export removed.")
}

// Exports returns the names of all exports in lexical order.
func (s *Server) Exports() []string {
	s.mutex.Lock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	s.mutex.Unlock()

	sort.Strings(names)

	return names
}

func (s *Server) lookup(name string) *gate.Device {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e, ok := s.exports[name]; ok {
		return e.dev
	}

	return nil
}

// Serve accepts clients until ctx is done. All connections are closed
// before it returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()

		s.mutex.Lock()
		for nc := range s.active {
			nc.Close()
		}
		s.mutex.Unlock()
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("NBD server listening.")

	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Error().Err(err).Msg("Accepting NBD connection failed.")
			continue
		}

		s.mutex.Lock()
		s.active[nc] = struct{}{}
		s.mutex.Unlock()

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handle(nc)

			s.mutex.Lock()
			delete(s.active, nc)
			s.mutex.Unlock()
		}()
	}

	s.activeConnections.Wait()

	return nil
}

func (s *Server) handle(nc net.Conn) {
	defer nc.Close()

	nc.SetDeadline(time.Now().Add(negotiationTimeout))
	dev, err := s.negotiate(nc)
	if err != nil {
		log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("NBD negotiation failed.")
		return
	}
	if dev == nil {
		return
	}
	nc.SetDeadline(time.Time{})

	c := newConn(nc, dev, s.maxLength)
	if !s.register(c) {
		return
	}
	defer s.unregister(c)

	log.Debug().Str("export", dev.Name()).Str("remote", nc.RemoteAddr().String()).Msg("NBD client connected.")
	c.serve()
}

func (s *Server) register(c *conn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.exports[c.dev.Name()]
	if !ok || e.dev != c.dev {
		return false
	}
	e.conns[c] = struct{}{}

	return true
}

func (s *Server) unregister(c *conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e, ok := s.exports[c.dev.Name()]; ok {
		delete(e.conns, c)
	}
}

// negotiate runs the fixed newstyle handshake. It returns the selected
// device, or nil when the client aborted.
func (s *Server) negotiate(rw io.ReadWriter) (*gate.Device, error) {
	var hello [18]byte
	binary.BigEndian.PutUint64(hello[0:], nbdMagic)
	binary.BigEndian.PutUint64(hello[8:], optMagic)
	binary.BigEndian.PutUint16(hello[16:], flagFixedNewstyle|flagNoZeroes)
	if _, err := rw.Write(hello[:]); err != nil {
		return nil, errors.Wrap(err, "writing greeting")
	}

	var clientFlags uint32
	if err := binary.Read(rw, binary.BigEndian, &clientFlags); err != nil {
		return nil, errors.Wrap(err, "reading client flags")
	}
	if clientFlags&clientFixedNewstyle == 0 {
		return nil, errors.New("client does not support fixed newstyle negotiation")
	}
	noZeroes := clientFlags&clientNoZeroes != 0

	for {
		var hdr optionHeader
		if err := binary.Read(rw, binary.BigEndian, &hdr); err != nil {
			return nil, errors.Wrap(err, "reading option")
		}
		if hdr.Magic != optMagic {
			return nil, errors.Errorf("bad option magic %#x", hdr.Magic)
		}
		if hdr.Length > maxOptionLength {
			return nil, errors.Errorf("option %d too long: %d bytes", hdr.Option, hdr.Length)
		}

		data := make([]byte, hdr.Length)
		if _, err := io.ReadFull(rw, data); err != nil {
			return nil, errors.Wrap(err, "reading option data")
		}

		var err error
		switch hdr.Option {
		case optExportName:
			dev := s.lookup(string(data))
			if dev == nil {
				return nil, errors.Errorf("unknown export %q", data)
			}
			return dev, s.writeExportName(rw, dev, noZeroes)

		case optList:
			err = s.writeList(rw, data)

		case optInfo, optGo:
			var dev *gate.Device
			dev, err = s.writeInfo(rw, hdr.Option, data)
			if err == nil && dev != nil && hdr.Option == optGo {
				return dev, nil
			}

		case optAbort:
			writeOptionReply(rw, hdr.Option, repAck, nil)
			return nil, nil

		default:
			err = writeOptionReply(rw, hdr.Option, repErrUnsup, nil)
		}

		if err != nil {
			return nil, err
		}
	}
}

func (s *Server) transmissionFlags() uint16 {
	return transHasFlags | transSendFlush
}

func (s *Server) writeExportName(w io.Writer, dev *gate.Device, noZeroes bool) error {
	b := make([]byte, 10, 134)
	binary.BigEndian.PutUint64(b[0:], uint64(dev.Capacity()))
	binary.BigEndian.PutUint16(b[8:], s.transmissionFlags())
	if !noZeroes {
		b = b[:134]
	}

	_, err := w.Write(b)

	return errors.Wrap(err, "writing export information")
}

func (s *Server) writeList(w io.Writer, data []byte) error {
	if len(data) != 0 {
		return writeOptionReply(w, optList, repErrInvalid, nil)
	}

	for _, name := range s.Exports() {
		b := make([]byte, 4+len(name))
		binary.BigEndian.PutUint32(b, uint32(len(name)))
		copy(b[4:], name)
		if err := writeOptionReply(w, optList, repServer, b); err != nil {
			return err
		}
	}

	return writeOptionReply(w, optList, repAck, nil)
}

// Answers NBD_OPT_INFO or NBD_OPT_GO. Returns the device when the export
// exists.
func (s *Server) writeInfo(w io.Writer, option uint32, data []byte) (*gate.Device, error) {
	name, err := parseInfoRequest(data)
	if err != nil {
		return nil, writeOptionReply(w, option, repErrInvalid, []byte(err.Error()))
	}

	dev := s.lookup(name)
	if dev == nil {
		return nil, writeOptionReply(w, option, repErrUnknown, []byte("unknown export"))
	}

	if err := writeOptionReply(w, option, repInfo, exportInfo(uint64(dev.Capacity()), s.transmissionFlags())); err != nil {
		return nil, err
	}
	if err := writeOptionReply(w, option, repInfo, blockSizeInfo(s.maxLength)); err != nil {
		return nil, err
	}

	return dev, writeOptionReply(w, option, repAck, nil)
}

// conn is one client in the transmission phase. Requests are read by serve,
// replies are written by writeReplies in the order the operations complete.
type conn struct {
	nc        net.Conn
	dev       *gate.Device
	maxLength uint32

	replies   chan reply
	closed    chan struct{}
	closeOnce sync.Once

	// Operations submitted and not answered yet.
	pending sync.WaitGroup
}

func newConn(nc net.Conn, dev *gate.Device, maxLength uint32) *conn {
	return &conn{
		nc:        nc,
		dev:       dev,
		maxLength: maxLength,
		replies:   make(chan reply, 64),
		closed:    make(chan struct{}),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
}

func (c *conn) serve() {
	defer c.close()
	go c.writeReplies()

	r := bufio.NewReader(c.nc)
	for {
		var req request
		if err := binary.Read(r, binary.BigEndian, &req); err != nil {
			if err != io.EOF {
				c.debug(err, "Reading NBD request failed.")
			}
			return
		}

		if req.Magic != requestMagic {
			c.debug(errors.Errorf("bad request magic %#x", req.Magic), "Closing NBD connection.")
			return
		}

		switch req.Type {
		case cmdRead:
			if errno := c.check(req); errno != 0 {
				c.send(reply{handle: req.Handle, errno: errno})
				continue
			}
			c.submit(gate.Read, req, nil)

		case cmdWrite:
			if req.Length > hardMaxLength {
				c.debug(errors.Errorf("write of %d bytes", req.Length), "Closing NBD connection.")
				return
			}
			data := make([]byte, req.Length)
			if _, err := io.ReadFull(r, data); err != nil {
				c.debug(err, "Reading NBD write payload failed.")
				return
			}
			if errno := c.check(req); errno != 0 {
				c.send(reply{handle: req.Handle, errno: errno})
				continue
			}
			c.submit(gate.Write, req, data)

		case cmdFlush:
			c.pending.Wait()
			c.send(reply{handle: req.Handle})

		case cmdDisc:
			c.pending.Wait()
			return

		default:
			c.send(reply{handle: req.Handle, errno: uint32(unix.EINVAL)})
		}
	}
}

func (c *conn) check(req request) uint32 {
	switch {
	case req.Length == 0, req.Offset%gate.SectorSize != 0, req.Length%gate.SectorSize != 0:
		return uint32(unix.EINVAL)
	case req.Length > c.maxLength:
		return uint32(unix.EOVERFLOW)
	}

	return 0
}

func (c *conn) submit(dir gate.Direction, req request, data []byte) {
	c.pending.Add(1)

	_, err := c.dev.Submit(dir, req.Offset/gate.SectorSize, req.Length, data, func(err error, data []byte) {
		defer c.pending.Done()

		if err != nil {
			c.send(reply{handle: req.Handle, errno: errnoOf(err)})
			return
		}

		// Workers may return less than asked, the rest reads as zeros.
		if dir == gate.Read && uint32(len(data)) < req.Length {
			padded := make([]byte, req.Length)
			copy(padded, data)
			data = padded
		}
		c.send(reply{handle: req.Handle, data: data})
	})

	if err != nil {
		c.pending.Done()
		c.send(reply{handle: req.Handle, errno: errnoOf(err)})
	}
}

func (c *conn) send(r reply) {
	select {
	case c.replies <- r:
	case <-c.closed:
	}
}

func (c *conn) writeReplies() {
	w := bufio.NewWriter(c.nc)

	for {
		select {
		case r := <-c.replies:
			err := writeReply(w, r)
			if err == nil && len(c.replies) == 0 {
				err = w.Flush()
			}
			if err != nil {
				c.debug(err, "Writing NBD reply failed.")
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) debug(err error, msg string) {
	log.Debug().Err(err).Str("export", c.dev.Name()).Msg(msg)
}
