// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 stores the content of a device in an object storage. The device
// is split into chunks of fixed size, every chunk is one zstd compressed
// object. Chunks never written do not exist and read as zeros.
//
// Writes are synchronous. A write covering a chunk only partially downloads
// the chunk, patches it and uploads it back, so a chunk is never modified by
// two writes at the same time.
package s3

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdgate/internal/s3/objproxy"
)

// Number of lock stripes serializing read-modify-write cycles of chunks.
const stripes = 64

// Backend is a worker backend backed by an object store.
type Backend struct {
	proxy     *objproxy.ObjectProxy
	size      int64
	chunkSize int64

	locks [stripes]sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a backend of size bytes split into chunks of chunkSize bytes
// stored through proxy.
func New(proxy *objproxy.ObjectProxy, size, chunkSize int64) (*Backend, error) {
	if chunkSize <= 0 || size <= 0 {
		return nil, errors.Errorf("invalid geometry: size %d, chunk size %d", size, chunkSize)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errors.Wrap(err, "creating compressor")
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating decompressor")
	}

	return &Backend{
		proxy:     proxy,
		size:      size,
		chunkSize: chunkSize,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// PreRun reports how much of the image already exists.
func (b *Backend) PreRun() error {
	keys, err := b.proxy.Instance.Keys()
	if err != nil {
		return err
	}

	log.Info().Int("chunks", len(keys)).Int64("chunk_size", b.chunkSize).Int64("size", b.size).
		Msg("Object storage image opened.")

	return nil
}

// PostRemove stops the transfer workers.
func (b *Backend) PostRemove() {
	b.proxy.Close()
	b.decoder.Close()
	b.encoder.Close()
}

func (b *Backend) ReadAt(p []byte, off int64) error {
	if err := b.check(len(p), off); err != nil {
		return err
	}

	return b.forChunks(p, off, func(key int64, chunkOff int64, part []byte) error {
		chunk, err := b.load(key, true)
		if err != nil {
			return err
		}

		copy(part, chunk[chunkOff:])
		return nil
	})
}

func (b *Backend) WriteAt(p []byte, off int64) error {
	if err := b.check(len(p), off); err != nil {
		return err
	}

	return b.forChunks(p, off, func(key int64, chunkOff int64, part []byte) error {
		lock := &b.locks[key%stripes]
		lock.Lock()
		defer lock.Unlock()

		var chunk []byte
		if chunkOff == 0 && int64(len(part)) == b.chunkSize {
			chunk = part
		} else {
			var err error
			if chunk, err = b.load(key, false); err != nil {
				return err
			}
			copy(chunk[chunkOff:], part)
		}

		return b.proxy.Upload(key, b.encoder.EncodeAll(chunk, nil))
	})
}

func (b *Backend) check(length int, off int64) error {
	if off < 0 || int64(length) > b.size-off {
		return errors.Errorf("access of %d bytes at %d beyond the image of %d bytes", length, off, b.size)
	}

	return nil
}

// Splits p at chunk boundaries and calls fn for every part with the key of
// the chunk and the offset of the part inside the chunk.
func (b *Backend) forChunks(p []byte, off int64, fn func(key, chunkOff int64, part []byte) error) error {
	for len(p) > 0 {
		key := off / b.chunkSize
		chunkOff := off % b.chunkSize

		n := b.chunkSize - chunkOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}

		if err := fn(key, chunkOff, p[:n]); err != nil {
			return err
		}

		p = p[n:]
		off += n
	}

	return nil
}

// Returns the decompressed chunk, zeros when it was never written.
func (b *Backend) load(key int64, prio bool) ([]byte, error) {
	data, err := b.proxy.Download(key, prio)
	if errors.Is(err, objproxy.ErrNotExist) {
		return make([]byte, b.chunkSize), nil
	}
	if err != nil {
		return nil, err
	}

	chunk, err := b.decoder.DecodeAll(data, make([]byte, 0, b.chunkSize))
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing chunk %d", key)
	}
	if int64(len(chunk)) != b.chunkSize {
		return nil, errors.Errorf("chunk %d has %d bytes, expected %d", key, len(chunk), b.chunkSize)
	}

	return chunk, nil
}
