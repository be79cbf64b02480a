// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/bdgate/internal/metrics"
)

var (
	alice = Identity{UID: 1000, PID: 10}
	bob   = Identity{UID: 1001, PID: 20}
)

var (
	metricsOnce     sync.Once
	metricsRegistry *prometheus.Registry
)

func registerMetrics(t *testing.T) *prometheus.Registry {
	t.Helper()

	metricsOnce.Do(func() {
		metricsRegistry = prometheus.NewRegistry()
		metrics.Register(metricsRegistry)
	})

	return metricsRegistry
}

// Number of operation gauges recorded for the device with serial.
func queueSeries(t *testing.T, reg *prometheus.Registry, serial string) int {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	n := 0
	for _, f := range families {
		if f.GetName() != "bdgate_operations" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "serial" && l.GetValue() == serial {
					n++
				}
			}
		}
	}

	return n
}

type fakeLayer struct {
	mutex    sync.Mutex
	attached map[string]bool
	detached []string
	fail     error
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{attached: make(map[string]bool)}
}

func (l *fakeLayer) Attach(dev *Device) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.fail != nil {
		return l.fail
	}
	if l.attached[dev.Name()] {
		return errors.Errorf("export %s exists", dev.Name())
	}
	l.attached[dev.Name()] = true

	return nil
}

func (l *fakeLayer) Detach(dev *Device) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.attached, dev.Name())
	l.detached = append(l.detached, dev.Name())
}

func TestHandlesIncreasePerOwner(t *testing.T) {
	r := NewRegistry(nil, Limits{})

	a1, err := r.Create("a1", 8, 1, alice)
	require.NoError(t, err)
	a2, err := r.Create("a2", 8, 1, alice)
	require.NoError(t, err)
	b1, err := r.Create("b1", 8, 1, bob)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a1.Handle())
	assert.Equal(t, uint64(2), a2.Handle())
	assert.Equal(t, uint64(1), b1.Handle())
	assert.Equal(t, int64(8*SectorSize), a1.Capacity())
	assert.NotEqual(t, a1.Serial(), b1.Serial())
}

func TestHandlesAreNeverReused(t *testing.T) {
	r := NewRegistry(nil, Limits{})

	dev, err := r.Create("disk", 8, 0, alice)
	require.NoError(t, err)
	require.NoError(t, r.Remove(dev.Handle(), alice))

	dev, err = r.Create("disk", 8, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dev.Handle())

	require.NoError(t, r.Remove(dev.Handle(), alice))
	dev, err = r.Create("disk", 8, 0, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), dev.Handle())
}

func TestCreateAfterClose(t *testing.T) {
	r := NewRegistry(nil, Limits{})
	r.Close()

	_, err := r.Create("disk", 8, 0, alice)
	assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)
	assert.Empty(t, r.Devices())
}

// Attach blocks until released.
type slowLayer struct {
	*fakeLayer
	entered chan struct{}
	release chan struct{}
}

func (l *slowLayer) Attach(dev *Device) error {
	close(l.entered)
	<-l.release
	return l.fakeLayer.Attach(dev)
}

func TestCloseDuringAttach(t *testing.T) {
	layer := &slowLayer{
		fakeLayer: newFakeLayer(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	r := NewRegistry(layer, Limits{})

	created := make(chan error, 1)
	go func() {
		_, err := r.Create("disk", 8, 0, alice)
		created <- err
	}()

	select {
	case <-layer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("attach not reached")
	}

	r.Close()
	close(layer.release)

	select {
	case err := <-created:
		assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("create did not return")
	}

	assert.Empty(t, r.Devices())
	assert.Empty(t, layer.attached)
	assert.Equal(t, []string{"disk"}, layer.detached)
}

func TestSameNameMetricsAreSeparate(t *testing.T) {
	reg := registerMetrics(t)
	r := NewRegistry(nil, Limits{})

	a, err := r.Create("shared", 8, 0, alice)
	require.NoError(t, err)
	b, err := r.Create("shared", 8, 0, bob)
	require.NoError(t, err)

	assert.Equal(t, 2, queueSeries(t, reg, b.Serial().String()))

	require.NoError(t, r.Remove(a.Handle(), alice))
	assert.Equal(t, 0, queueSeries(t, reg, a.Serial().String()))
	assert.Equal(t, 2, queueSeries(t, reg, b.Serial().String()))

	require.NoError(t, r.Remove(b.Handle(), bob))
	assert.Equal(t, 0, queueSeries(t, reg, b.Serial().String()))
}

func TestCreateRejectsInvalidCapacity(t *testing.T) {
	r := NewRegistry(nil, Limits{})

	for _, capacity := range []int64{0, -8, math.MaxInt64} {
		_, err := r.Create("disk", capacity, 0, alice)
		assert.True(t, errors.Is(err, ErrCapacityInvalid), "capacity %d: got %v", capacity, err)
	}

	assert.Empty(t, r.Devices())
}

func TestCreateDeviceLimit(t *testing.T) {
	r := NewRegistry(nil, Limits{MaxDevices: 2})

	_, err := r.Create("a", 8, 0, alice)
	require.NoError(t, err)
	_, err = r.Create("b", 8, 0, bob)
	require.NoError(t, err)

	_, err = r.Create("c", 8, 0, alice)
	assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)
	assert.Len(t, r.Devices(), 2)
}

func TestCreateAttachFailure(t *testing.T) {
	layer := newFakeLayer()
	r := NewRegistry(layer, Limits{})

	_, err := r.Create("disk", 8, 0, alice)
	require.NoError(t, err)

	_, err = r.Create("disk", 8, 0, bob)
	assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)

	layer.fail = errors.New("no capacity left")
	_, err = r.Create("other", 8, 0, bob)
	assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)

	devices := r.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, alice, devices[0].Owner())
}

func TestLookupChecksOwnership(t *testing.T) {
	r := NewRegistry(nil, Limits{})

	_, err := r.Create("a1", 8, 0, alice)
	require.NoError(t, err)
	a2, err := r.Create("a2", 8, 0, alice)
	require.NoError(t, err)
	_, err = r.Create("b1", 8, 0, bob)
	require.NoError(t, err)

	dev, err := r.Lookup(2, alice)
	require.NoError(t, err)
	assert.Same(t, a2, dev)

	dev, err = r.Lookup(1, bob)
	require.NoError(t, err)
	assert.Equal(t, "b1", dev.Name())

	_, err = r.Lookup(2, bob)
	assert.True(t, errors.Is(err, ErrPermissionDenied), "got %v", err)

	_, err = r.Lookup(7, bob)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	stranger := Identity{UID: 1000, PID: 11}
	_, err = r.Lookup(1, stranger)
	assert.True(t, errors.Is(err, ErrPermissionDenied), "got %v", err)
}

func TestRemoveTearsDown(t *testing.T) {
	layer := newFakeLayer()
	r := NewRegistry(layer, Limits{})

	dev, err := r.Create("disk", 8, 0, alice)
	require.NoError(t, err)

	done, results := collect()
	_, err = dev.Submit(Read, 0, 512, nil, done)
	require.NoError(t, err)

	err = r.Remove(dev.Handle(), bob)
	assert.True(t, errors.Is(err, ErrPermissionDenied), "got %v", err)

	require.NoError(t, r.Remove(dev.Handle(), alice))
	assert.True(t, errors.Is(receive(t, results).err, ErrDeviceRemoved))
	assert.Equal(t, []string{"disk"}, layer.detached)
	assert.Empty(t, r.Devices())

	err = r.Remove(dev.Handle(), alice)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestDevicesAndClose(t *testing.T) {
	layer := newFakeLayer()
	r := NewRegistry(layer, Limits{})

	for _, c := range []struct {
		name  string
		owner Identity
	}{{"b1", bob}, {"a1", alice}, {"a2", alice}} {
		_, err := r.Create(c.name, 8, 0, c.owner)
		require.NoError(t, err)
	}

	var names []string
	for _, dev := range r.Devices() {
		names = append(names, dev.Name())
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, names)

	r.Close()
	assert.Empty(t, r.Devices())
	assert.Empty(t, layer.attached)
	assert.Len(t, layer.detached, 3)
}
