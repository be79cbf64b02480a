// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build !linux

package control

import (
	"net"

	"github.com/pkg/errors"

	"github.com/asch/bdgate/internal/gate"
)

func peerIdentity(conn *net.UnixConn) (gate.Identity, error) {
	return gate.Identity{}, errors.New("peer credentials are supported on linux only")
}
