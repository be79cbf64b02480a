// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ram

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	r := New(4096)
	assert.Equal(t, int64(4096), r.Size())

	payload := bytes.Repeat([]byte{0x11}, 1024)
	require.NoError(t, r.WriteAt(payload, 1024))

	p := make([]byte, 2048)
	require.NoError(t, r.ReadAt(p, 512))
	assert.Equal(t, make([]byte, 512), p[:512])
	assert.Equal(t, payload, p[512:1536])
	assert.Equal(t, make([]byte, 512), p[1536:])
}

func TestOutOfRange(t *testing.T) {
	r := New(4096)

	for _, off := range []int64{-512, 3584 + 512, 4096} {
		assert.True(t, errors.Is(r.ReadAt(make([]byte, 512), off), ErrOutOfRange), "offset %d", off)
		assert.True(t, errors.Is(r.WriteAt(make([]byte, 512), off), ErrOutOfRange), "offset %d", off)
	}

	assert.NoError(t, r.ReadAt(make([]byte, 512), 3584))
}
