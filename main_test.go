// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenNBD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nbd.sock")

	l, err := listenNBD("unix", path)
	require.NoError(t, err)
	l.Close()

	_, err = listenNBD("unix", filepath.Join(t.TempDir(), "missing", "nbd.sock"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on unix")

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "got %v", err)
}
