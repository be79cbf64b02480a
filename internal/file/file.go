// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file stores the content of a device in a regular file or in
// another block device.
package file

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type File struct {
	path string
	f    *os.File

	// Sync after every write.
	durable bool
}

// Open opens or creates the file at path and grows it to size bytes. Files
// are never shrunk, block devices are used as they are.
func Open(path string, size int64, durable bool) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "inspecting %s", path)
	}

	if info.Mode().IsRegular() && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "resizing %s to %d bytes", path, size)
		}
	}

	return &File{path: path, f: f, durable: durable}, nil
}

// ReadAt reads from the file. The part of p beyond the end of the file reads
// as zeros.
func (f *File) ReadAt(p []byte, off int64) error {
	n, err := f.f.ReadAt(p, off)
	if err == io.EOF {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return nil
	}

	return errors.Wrapf(err, "reading %d bytes at %d from %s", len(p), off, f.path)
}

func (f *File) WriteAt(p []byte, off int64) error {
	if _, err := f.f.WriteAt(p, off); err != nil {
		return errors.Wrapf(err, "writing %d bytes at %d to %s", len(p), off, f.path)
	}

	if f.durable {
		return errors.Wrapf(f.f.Sync(), "syncing %s", f.path)
	}

	return nil
}

// PostRemove flushes and closes the file.
func (f *File) PostRemove() {
	if err := f.f.Sync(); err != nil {
		log.Error().Err(err).Str("path", f.path).Msg("Syncing backing file failed.")
	}

	if err := f.f.Close(); err != nil {
		log.Error().Err(err).Str("path", f.path).Msg("Closing backing file failed.")
	}
}
