// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectStore which bounds the number of
// concurrent transfers and prioritizes downloads serving reads of the device.
package objproxy

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotExist is returned by Download when there is no object with the key.
var ErrNotExist = errors.New("object does not exist")

// Interface for the backend storage of chunks. Anything implementing this
// interface can be used as a storage backend.
type ObjectStore interface {
	// Uploads data in buf under the key identifier, replacing the previous
	// object with the same key.
	Upload(key int64, buf []byte) error

	// Downloads the whole object identified by key. Returns ErrNotExist
	// when there is no such object.
	Download(key int64) ([]byte, error)

	// Lists keys of all stored objects. Needed only for reporting the state
	// of the image. Otherwise can have empty implementation.
	Keys() ([]int64, error)
}

// Proxy for the backend storage which prioritizes requests. Downloads coming
// to the priority channel are handled first, so reads of the device are not
// slowed down by the read-modify-write cycles of partial chunk writes.
type ObjectProxy struct {
	Instance ObjectStore

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Internal channels.
	uploads       chan request
	downloads     chan request
	downloadsPrio chan request

	quit     chan struct{}
	quitOnce sync.Once
	workers  sync.WaitGroup
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key  int64
	data []byte
	done chan result
}

type result struct {
	data []byte
	err  error
}

var errClosed = errors.New("object proxy closed")

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload and download workers.
func New(storeInstance ObjectStore, uploaders, downloaders int) *ObjectProxy {
	if uploaders <= 0 {
		uploaders = 1
	}
	if downloaders <= 0 {
		downloaders = 1
	}

	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		uploads:       make(chan request),
		downloads:     make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	p.workers.Add(p.uploaders + p.downloaders)

	for i := 0; i < p.uploaders; i++ {
		go p.uploadWorker()
	}

	for i := 0; i < p.downloaders; i++ {
		go p.downloadWorker()
	}

	return p
}

// Proxy function for uploading the object with key. It waits for the reply.
func (p *ObjectProxy) Upload(key int64, body []byte) error {
	r := p.submit(p.uploads, request{key: key, data: body})
	return r.err
}

// Proxy function for downloading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, prio bool) ([]byte, error) {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	r := p.submit(c, request{key: key})
	return r.data, r.err
}

func (p *ObjectProxy) submit(c chan request, r request) result {
	r.done = make(chan result, 1)

	select {
	case c <- r:
	case <-p.quit:
		return result{err: errClosed}
	}

	return <-r.done
}

// Close stops the workers after they finish the transfers in progress.
func (p *ObjectProxy) Close() {
	p.quitOnce.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

// Generic function for prioritization used by the download workers. Returns
// false when the proxy is closed.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
		return r, true
	case <-p.quit:
		return r, false
	default:
	}

	select {
	case r = <-prio:
	case r = <-normal:
	case <-p.quit:
		return r, false
	}

	return r, true
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *ObjectProxy) uploadWorker() {
	defer p.workers.Done()

	for {
		select {
		case r := <-p.uploads:
			r.done <- result{err: p.Instance.Upload(r.key, r.data)}
		case <-p.quit:
			return
		}
	}
}

// Download worker just calls Download() on the instance provided in New().
func (p *ObjectProxy) downloadWorker() {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(p.downloadsPrio, p.downloads)
		if !ok {
			return
		}

		data, err := p.Instance.Download(r.key)
		r.done <- result{data: data, err: err}
	}
}
