// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objproxy

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowStore struct {
	mutex   sync.Mutex
	objects map[int64][]byte

	running int32
	peak    int32
}

func (s *slowStore) track() func() {
	n := atomic.AddInt32(&s.running, 1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	return func() { atomic.AddInt32(&s.running, -1) }
}

func (s *slowStore) Upload(key int64, buf []byte) error {
	defer s.track()()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.objects[key] = buf

	return nil
}

func (s *slowStore) Download(key int64) ([]byte, error) {
	defer s.track()()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotExist
	}

	return data, nil
}

func (s *slowStore) Keys() ([]int64, error) {
	return nil, nil
}

func TestProxyBoundsConcurrency(t *testing.T) {
	store := &slowStore{objects: make(map[int64][]byte)}
	p := New(store, 2, 3)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			assert.NoError(t, p.Upload(key, []byte{byte(key)}))
		}(int64(i))
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&store.peak), int32(2))

	atomic.StoreInt32(&store.peak, 0)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			data, err := p.Download(key, key%2 == 0)
			assert.NoError(t, err)
			assert.Equal(t, []byte{byte(key)}, data)
		}(int64(i))
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&store.peak), int32(3))
}

func TestProxyMissingObject(t *testing.T) {
	p := New(&slowStore{objects: make(map[int64][]byte)}, 1, 1)
	defer p.Close()

	_, err := p.Download(7, true)
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestProxyClosed(t *testing.T) {
	p := New(&slowStore{objects: make(map[int64][]byte)}, 1, 1)
	p.Close()
	p.Close()

	require.Error(t, p.Upload(1, nil))
	_, err := p.Download(1, false)
	require.Error(t, err)
}
