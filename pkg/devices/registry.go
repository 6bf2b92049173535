package devices

import (
	"fmt"
	"sync"

	"github.com/panda-one/go-panda/internal/log"
)

// Registry holds the most recent device snapshot and answers lookups
// against it. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	enum    Enumerator
	devices []Device
}

// NewRegistry creates a registry over the given enumerator and takes an
// initial snapshot. An enumeration failure is not fatal here: the registry
// simply starts empty and callers see ErrNoDevices until Refresh succeeds.
func NewRegistry(enum Enumerator) *Registry {
	r := &Registry{enum: enum}
	if err := r.Refresh(); err != nil {
		log.Warn("initial device enumeration failed", "error", err)
	}
	return r
}

// Refresh re-enumerates devices and replaces the snapshot.
// Indices are reassigned; previously returned indices may now point at
// different hardware.
func (r *Registry) Refresh() error {
	devs, err := r.enum.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}

	r.mu.Lock()
	r.devices = devs
	r.mu.Unlock()

	log.Debug("device snapshot refreshed", "count", len(devs))
	return nil
}

// List returns a copy of the current snapshot.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Inputs returns devices with input capability.
func (r *Registry) Inputs() []Device {
	return r.filter(Device.IsInput)
}

// Outputs returns devices with output capability.
func (r *Registry) Outputs() []Device {
	return r.filter(Device.IsOutput)
}

func (r *Registry) filter(keep func(Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// ByIndex looks up a device in the current snapshot.
func (r *Registry) ByIndex(index int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}

// DefaultInput returns the default input device, falling back to the first
// input-capable device when no default is flagged.
func (r *Registry) DefaultInput() (Device, bool) {
	return r.defaultFor(Input)
}

// DefaultOutput returns the default output device, falling back to the
// first output-capable device when no default is flagged.
func (r *Registry) DefaultOutput() (Device, bool) {
	return r.defaultFor(Output)
}

func (r *Registry) defaultFor(dir Direction) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var first *Device
	for i, d := range r.devices {
		switch dir {
		case Input:
			if !d.IsInput() {
				continue
			}
			if d.IsDefaultInput {
				return d, true
			}
		case Output:
			if !d.IsOutput() {
				continue
			}
			if d.IsDefaultOutput {
				return d, true
			}
		}
		if first == nil {
			first = &r.devices[i]
		}
	}
	if first != nil {
		return *first, true
	}
	return Device{}, false
}

// Validate checks that index refers to a usable device for the given
// direction and returns it. A nil index resolves the default device.
// The two failure modes are distinguished: an index that does not exist
// wraps ErrNotFound; one that exists but lacks the capability wraps
// ErrWrongDirection.
func (r *Registry) Validate(index *int, dir Direction) (Device, error) {
	if index == nil {
		d, ok := r.defaultFor(dir)
		if !ok {
			return Device{}, fmt.Errorf("no default %s device: %w", dir, ErrNoDevices)
		}
		return d, nil
	}

	d, ok := r.ByIndex(*index)
	if !ok {
		return Device{}, fmt.Errorf("device index %d: %w", *index, ErrNotFound)
	}

	switch dir {
	case Input:
		if !d.IsInput() {
			return Device{}, fmt.Errorf("device %d (%s) is not an input device: %w", d.Index, d.Name, ErrWrongDirection)
		}
	case Output:
		if !d.IsOutput() {
			return Device{}, fmt.Errorf("device %d (%s) is not an output device: %w", d.Index, d.Name, ErrWrongDirection)
		}
	}
	return d, nil
}
