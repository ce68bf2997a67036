package device

import (
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
)

// ServiceProfile lists the characteristics used under one service.
type ServiceProfile struct {
	UUID            bluetooth.UUID
	Characteristics []bluetooth.UUID
}

// Profile is the immutable GATT table of a device type.
type Profile struct {
	Services []ServiceProfile
	// Notify lists characteristics subscribed as soon as they are found.
	Notify []ble.Characteristic
	// Required must be discovered before the device reports Connected. The
	// zero value means the device is Connected as soon as the link is up.
	Required ble.Characteristic
}

// ServiceUUIDs returns the service UUIDs in table order.
func (p Profile) ServiceUUIDs() []bluetooth.UUID {
	out := make([]bluetooth.UUID, len(p.Services))
	for i, s := range p.Services {
		out[i] = s.UUID
	}
	return out
}

// Service returns the profile entry for u.
func (p Profile) Service(u bluetooth.UUID) (ServiceProfile, bool) {
	for _, s := range p.Services {
		if s.UUID == u {
			return s, true
		}
	}
	return ServiceProfile{}, false
}

// Contains reports whether c is part of the table.
func (p Profile) Contains(c ble.Characteristic) bool {
	s, ok := p.Service(c.Service)
	if !ok {
		return false
	}
	for _, u := range s.Characteristics {
		if u == c.UUID {
			return true
		}
	}
	return false
}

func (p Profile) notifies(c ble.Characteristic) bool {
	for _, n := range p.Notify {
		if n == c {
			return true
		}
	}
	return false
}

// Descriptor describes a device type.
type Descriptor struct {
	Profile Profile
	// RetryCount is the number of reconnection attempts after a failed
	// connect before the failure is surfaced.
	RetryCount int
	// MaxAdvertisingInterval is how long a device stays reachable after its
	// last advertisement. Zero never expires.
	MaxAdvertisingInterval time.Duration
	// ConnectionTimeout bounds each connect attempt. An attempt that has
	// not come up in time is cancelled and counts as failed. Zero waits
	// for the host.
	ConnectionTimeout time.Duration
}

// Strategy receives device-type specific callbacks. All hooks run on the
// device's loop.
type Strategy interface {
	// CharacteristicDiscovered is called once per characteristic per
	// connection, before the device may become Connected.
	CharacteristicDiscovered(d *Device, c ble.Characteristic)
	ValueUpdated(d *Device, c ble.Characteristic, value []byte, err error)
	ValueWritten(d *Device, c ble.Characteristic, err error)
	StateChanged(d *Device, from, to State, err error)
	ReachabilityChanged(d *Device, reachable bool)
}

// NopStrategy implements Strategy with no-ops. Embed it to override only the
// hooks a device type needs.
type NopStrategy struct{}

func (NopStrategy) CharacteristicDiscovered(*Device, ble.Characteristic)    {}
func (NopStrategy) ValueUpdated(*Device, ble.Characteristic, []byte, error) {}
func (NopStrategy) ValueWritten(*Device, ble.Characteristic, error)         {}
func (NopStrategy) StateChanged(*Device, State, State, error)               {}
func (NopStrategy) ReachabilityChanged(*Device, bool)                       {}
