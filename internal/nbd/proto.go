// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package nbd

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/asch/bdgate/internal/gate"
)

// Wire constants of the NBD protocol, fixed newstyle negotiation only.
const (
	nbdMagic         = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic         = 0x49484156454f5054 // "IHAVEOPT"
	optReplyMagic    = 0x0003e889045565a9
	requestMagic     = 0x25609513
	simpleReplyMagic = 0x67446698

	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1

	clientFixedNewstyle = 1 << 0
	clientNoZeroes      = 1 << 1

	optExportName = 1
	optAbort      = 2
	optList       = 3
	optInfo       = 6
	optGo         = 7

	repAck        = 1
	repServer     = 2
	repInfo       = 3
	repErrUnsup   = 1<<31 + 1
	repErrInvalid = 1<<31 + 3
	repErrUnknown = 1<<31 + 6

	infoExport    = 0
	infoBlockSize = 3

	transHasFlags  = 1 << 0
	transSendFlush = 1 << 2

	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3
)

const (
	// Longest option payload accepted during negotiation.
	maxOptionLength = 4096

	// Commands longer than this close the connection, the client is broken.
	hardMaxLength = 32 << 20

	preferredBlockSize = 4096
)

type optionHeader struct {
	Magic  uint64
	Option uint32
	Length uint32
}

type request struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

type reply struct {
	handle uint64
	errno  uint32
	data   []byte
}

func writeOptionReply(w io.Writer, option, kind uint32, data []byte) error {
	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[0:], optReplyMagic)
	binary.BigEndian.PutUint32(hdr[8:], option)
	binary.BigEndian.PutUint32(hdr[12:], kind)
	binary.BigEndian.PutUint32(hdr[16:], uint32(len(data)))

	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing option reply")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "writing option reply")
	}

	return nil
}

func writeReply(w io.Writer, r reply) error {
	var hdr [16]byte
	binary.BigEndian.PutUint32(hdr[0:], simpleReplyMagic)
	binary.BigEndian.PutUint32(hdr[4:], r.errno)
	binary.BigEndian.PutUint64(hdr[8:], r.handle)

	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing reply")
	}
	if r.errno == 0 && len(r.data) > 0 {
		if _, err := w.Write(r.data); err != nil {
			return errors.Wrap(err, "writing reply payload")
		}
	}

	return nil
}

// Parses the payload of NBD_OPT_INFO and NBD_OPT_GO: the export name and the
// list of requested information types. The list is ignored, the export and
// block size information is always sent.
func parseInfoRequest(data []byte) (string, error) {
	if len(data) < 6 {
		return "", errors.New("info request too short")
	}

	nameLength := binary.BigEndian.Uint32(data)
	if uint64(nameLength)+6 > uint64(len(data)) {
		return "", errors.New("export name overflows info request")
	}
	name := string(data[4 : 4+nameLength])

	requests := binary.BigEndian.Uint16(data[4+nameLength:])
	if int(4+nameLength+2)+int(requests)*2 != len(data) {
		return "", errors.New("malformed information request list")
	}

	return name, nil
}

func exportInfo(size uint64, flags uint16) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint16(b[0:], infoExport)
	binary.BigEndian.PutUint64(b[2:], size)
	binary.BigEndian.PutUint16(b[10:], flags)

	return b
}

func blockSizeInfo(maximum uint32) []byte {
	b := make([]byte, 14)
	binary.BigEndian.PutUint16(b[0:], infoBlockSize)
	binary.BigEndian.PutUint32(b[2:], gate.SectorSize)
	binary.BigEndian.PutUint32(b[6:], preferredBlockSize)
	binary.BigEndian.PutUint32(b[10:], maximum)

	return b
}

// Errno values a server may send, anything else is reported as EIO.
var allowedErrnos = map[int32]bool{
	int32(unix.EPERM):     true,
	int32(unix.EIO):       true,
	int32(unix.ENOMEM):    true,
	int32(unix.EINVAL):    true,
	int32(unix.ENOSPC):    true,
	int32(unix.EOVERFLOW): true,
	int32(unix.ESHUTDOWN): true,
}

// errnoOf translates the failure of an operation to the errno sent to the
// client.
func errnoOf(err error) uint32 {
	var ioErr *gate.IOError

	switch {
	case err == nil:
		return 0
	case errors.As(err, &ioErr):
		if allowedErrnos[ioErr.Status] {
			return uint32(ioErr.Status)
		}
	case errors.Is(err, gate.ErrOutOfRange), errors.Is(err, gate.ErrProtocolViolation):
		return uint32(unix.EINVAL)
	case errors.Is(err, gate.ErrResourceExhausted):
		return uint32(unix.ENOMEM)
	}

	return uint32(unix.EIO)
}
