// Package devices enumerates audio input/output devices and validates
// device selections before any stream is opened.
//
// Devices are addressed by a registry-assigned integer index plus display
// name. Indices are not stable across re-enumeration: a persisted index
// must be re-validated before each use.
package devices

import (
	"errors"
	"fmt"
)

// Direction selects which capability a device is validated for.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Sentinel errors for device validation.
var (
	ErrNoDevices      = errors.New("devices: no audio devices found")
	ErrNotFound       = errors.New("devices: index not found")
	ErrWrongDirection = errors.New("devices: wrong direction")
)

// Device is an immutable snapshot of one audio device.
// Snapshots are refreshed on demand; the index is only meaningful within
// the snapshot it came from.
type Device struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	HostAPI           string  `json:"hostapi"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_samplerate"`
	IsDefaultInput    bool    `json:"is_default_input"`
	IsDefaultOutput   bool    `json:"is_default_output"`
}

// IsInput reports whether the device can record.
func (d Device) IsInput() bool {
	return d.MaxInputChannels > 0
}

// IsOutput reports whether the device can play.
func (d Device) IsOutput() bool {
	return d.MaxOutputChannels > 0
}

func (d Device) String() string {
	return fmt.Sprintf("[%d] %s (in=%d out=%d)", d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels)
}

// Enumerator lists the audio devices present on the system.
type Enumerator interface {
	Enumerate() ([]Device, error)
}

// Static is an Enumerator over a fixed device list, used in tests and as
// a fallback when platform probing is unavailable.
type Static []Device

// Enumerate returns the fixed list.
func (s Static) Enumerate() ([]Device, error) {
	return []Device(s), nil
}
