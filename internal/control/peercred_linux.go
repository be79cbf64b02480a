// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/asch/bdgate/internal/gate"
)

// peerIdentity returns the credentials of the process on the other side of
// the connection, as recorded by the kernel at connect time.
func peerIdentity(conn *net.UnixConn) (gate.Identity, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return gate.Identity{}, errors.Wrap(err, "accessing socket")
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return gate.Identity{}, errors.Wrap(err, "accessing socket")
	}
	if credErr != nil {
		return gate.Identity{}, errors.Wrap(credErr, "reading peer credentials")
	}

	return gate.Identity{UID: cred.Uid, PID: cred.Pid}, nil
}
