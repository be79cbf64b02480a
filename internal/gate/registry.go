// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/bdgate/internal/gate/seq"
	"github.com/asch/bdgate/internal/metrics"
)

// Identity of a caller. Only the identity which created a device may operate
// on it. The control channel fills it from the credentials of the peer
// process.
type Identity struct {
	UID uint32
	PID int32
}

func (i Identity) String() string {
	return fmt.Sprintf("uid=%d pid=%d", i.UID, i.PID)
}

// BlockLayer is the storage side the devices are exposed to. Attach makes the
// device available with its name and capacity and fails when the device
// cannot be registered, e.g. because of a name collision. Detach is called
// after the device was removed from the registry.
type BlockLayer interface {
	Attach(dev *Device) error
	Detach(dev *Device)
}

type nopBlockLayer struct{}

func (nopBlockLayer) Attach(*Device) error { return nil }
func (nopBlockLayer) Detach(*Device)       {}

// Limits bound the resources of the registry. Zero values mean unlimited.
type Limits struct {
	// Maximum number of registered devices over all owners.
	MaxDevices int

	// Maximum length of one operation in bytes. Longer operations are
	// failed at fetch time.
	MaxPayload uint32

	// Maximum sum of lengths of in flight operations of one device.
	InFlightBudget int64
}

// Registry is the collection of all devices. Handles are allocated per owner
// from a monotonic counter, so they strictly increase and are never reused,
// not even after the device is removed.
//
// The registry lock guards only the collection. Device I/O and registration
// with the block layer happen outside of it.
type Registry struct {
	layer  BlockLayer
	limits Limits

	mutex   sync.Mutex
	owners  map[Identity]*ownerDevices
	count   int
	pending int
	closed  bool
}

type ownerDevices struct {
	handles *seq.Counter
	devices map[uint64]*Device
}

// NewRegistry returns an empty registry exposing devices on layer. A nil
// layer keeps devices reachable only through Submit.
func NewRegistry(layer BlockLayer, limits Limits) *Registry {
	if layer == nil {
		layer = nopBlockLayer{}
	}

	return &Registry{
		layer:  layer,
		limits: limits,
		owners: make(map[Identity]*ownerDevices),
	}
}

// Limits returns the limits the registry was created with.
func (r *Registry) Limits() Limits {
	return r.limits
}

// Create registers a new device with capacity given in sectors. The name is
// used as is, sanitizing is the job of the caller. On failure no trace of the
// device is left in the registry.
func (r *Registry) Create(name string, capacity int64, minors int32, owner Identity) (*Device, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrCapacityInvalid, "capacity %d sectors", capacity)
	}

	if capacity > math.MaxInt64/SectorSize {
		return nil, errors.Wrapf(ErrCapacityInvalid, "capacity %d sectors overflows", capacity)
	}

	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil, errors.Wrap(ErrResourceExhausted, "registry closed")
	}
	if r.limits.MaxDevices > 0 && r.count+r.pending >= r.limits.MaxDevices {
		r.mutex.Unlock()
		return nil, errors.Wrapf(ErrResourceExhausted, "device limit %d reached", r.limits.MaxDevices)
	}
	handle := r.ownerLocked(owner).handles.Next()
	r.pending++
	r.mutex.Unlock()

	dev := newDevice(name, handle, capacity*SectorSize, minors, owner, r.limits)

	if err := r.layer.Attach(dev); err != nil {
		r.mutex.Lock()
		r.pending--
		r.mutex.Unlock()

		return nil, errors.Wrapf(ErrResourceExhausted, "registering device %s: %v", name, err)
	}

	r.mutex.Lock()
	r.pending--
	if r.closed {
		r.mutex.Unlock()
		r.teardown(dev)
		return nil, errors.Wrapf(ErrResourceExhausted, "registering device %s: registry closed", name)
	}
	r.ownerLocked(owner).devices[handle] = dev
	r.count++
	count := r.count
	r.mutex.Unlock()

	metrics.RecordDevices(count)
	metrics.RecordQueue(dev.name, dev.serial.String(), 0, 0)

	log.Info().Str("device", name).Uint64("handle", handle).Stringer("owner", owner).
		Int64("capacity", dev.capacity).Str("serial", dev.serial.String()).Msg("Device created.")

	return dev, nil
}

func (r *Registry) ownerLocked(owner Identity) *ownerDevices {
	o, ok := r.owners[owner]
	if !ok {
		o = &ownerDevices{
			handles: seq.New(1),
			devices: make(map[uint64]*Device),
		}
		r.owners[owner] = o
	}

	return o
}

// Lookup returns the device with the handle owned by owner. It fails with
// ErrPermissionDenied when the handle is known only for another owner and with
// ErrNotFound when nobody owns it.
func (r *Registry) Lookup(handle uint64, owner Identity) (*Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.lookupLocked(handle, owner)
}

func (r *Registry) lookupLocked(handle uint64, owner Identity) (*Device, error) {
	if o, ok := r.owners[owner]; ok {
		if dev, ok := o.devices[handle]; ok {
			return dev, nil
		}
	}

	for id, o := range r.owners {
		if id == owner {
			continue
		}
		if _, ok := o.devices[handle]; ok {
			return nil, errors.Wrapf(ErrPermissionDenied, "handle %d is not owned by %s", handle, owner)
		}
	}

	return nil, errors.Wrapf(ErrNotFound, "handle %d", handle)
}

// Remove tears the device down. The device is removed from the registry and
// detached from the block layer, its queued and in flight operations are
// failed with ErrDeviceRemoved and blocked fetchers are woken up.
func (r *Registry) Remove(handle uint64, owner Identity) error {
	r.mutex.Lock()
	dev, err := r.lookupLocked(handle, owner)
	if err != nil {
		r.mutex.Unlock()
		return err
	}
	delete(r.owners[owner].devices, handle)
	r.count--
	count := r.count
	r.mutex.Unlock()

	r.teardown(dev)
	metrics.RecordDevices(count)

	return nil
}

func (r *Registry) teardown(dev *Device) {
	r.layer.Detach(dev)
	dev.shutdown()

	log.Info().Str("device", dev.name).Uint64("handle", dev.handle).Stringer("owner", dev.owner).
		Msg("Device removed.")
}

// Devices returns all registered devices ordered by owner and handle.
func (r *Registry) Devices() []*Device {
	r.mutex.Lock()
	devices := make([]*Device, 0, r.count)
	for _, o := range r.owners {
		for _, dev := range o.devices {
			devices = append(devices, dev)
		}
	}
	r.mutex.Unlock()

	sort.Slice(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		if a.owner.UID != b.owner.UID {
			return a.owner.UID < b.owner.UID
		}
		if a.owner.PID != b.owner.PID {
			return a.owner.PID < b.owner.PID
		}
		return a.handle < b.handle
	})

	return devices
}

// Close removes all devices and refuses to create new ones. A device still
// being attached while Close runs is torn down instead of being registered.
func (r *Registry) Close() {
	r.mutex.Lock()
	r.closed = true
	var devices []*Device
	for _, o := range r.owners {
		for handle, dev := range o.devices {
			devices = append(devices, dev)
			delete(o.devices, handle)
		}
	}
	r.count = 0
	r.mutex.Unlock()

	for _, dev := range devices {
		r.teardown(dev)
	}
	metrics.RecordDevices(0)
}
