// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package ram keeps the content of a device in memory. The content is lost
// when the worker exits.
package ram

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("access beyond the end of the memory region")

type RAM struct {
	mutex sync.RWMutex
	data  []byte
}

func New(size int64) *RAM {
	return &RAM{data: make([]byte, size)}
}

func (r *RAM) Size() int64 {
	return int64(len(r.data))
}

func (r *RAM) ReadAt(p []byte, off int64) error {
	if err := r.check(len(p), off); err != nil {
		return err
	}

	r.mutex.RLock()
	copy(p, r.data[off:])
	r.mutex.RUnlock()

	return nil
}

func (r *RAM) WriteAt(p []byte, off int64) error {
	if err := r.check(len(p), off); err != nil {
		return err
	}

	r.mutex.Lock()
	copy(r.data[off:], p)
	r.mutex.Unlock()

	return nil
}

func (r *RAM) check(length int, off int64) error {
	if off < 0 || off > int64(len(r.data)) || int64(length) > int64(len(r.data))-off {
		return errors.Wrapf(ErrOutOfRange, "offset %d length %d size %d", off, length, len(r.data))
	}

	return nil
}
