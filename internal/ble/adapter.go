// Package ble is the boundary to the host Bluetooth LE stack. The Host
// interface is asynchronous: requests return immediately and results arrive
// as typed Events on the handler registered with SetHandler, in the order the
// stack produced them. Events may be delivered from any goroutine.
package ble

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

var (
	// ErrNotConnected is returned for GATT requests on a peripheral that has
	// no live connection.
	ErrNotConnected = errors.New("ble: peripheral not connected")
	// ErrUnknownCharacteristic is returned when a characteristic has not
	// been discovered on the peripheral.
	ErrUnknownCharacteristic = errors.New("ble: unknown characteristic")
)

// PowerState is the host radio state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (s PowerState) String() string {
	switch s {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	}
	return "unknown"
}

// PeripheralState is the host's view of a peripheral's link.
type PeripheralState int

const (
	PeripheralDisconnected PeripheralState = iota
	PeripheralConnecting
	PeripheralConnected
	PeripheralDisconnecting
)

func (s PeripheralState) String() string {
	switch s {
	case PeripheralConnecting:
		return "connecting"
	case PeripheralConnected:
		return "connected"
	case PeripheralDisconnecting:
		return "disconnecting"
	}
	return "disconnected"
}

// WriteMode selects write with or without response.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

// Characteristic identifies a GATT characteristic by its service and its own
// UUID. It is comparable and used as a map key.
type Characteristic struct {
	Service bluetooth.UUID
	UUID    bluetooth.UUID
}

func (c Characteristic) String() string {
	return fmt.Sprintf("%s/%s", c.Service, c.UUID)
}

// Service is a discovered GATT service with the characteristics discovered so
// far.
type Service struct {
	UUID            bluetooth.UUID
	Characteristics []Characteristic
}

// Peripheral is a host handle for a remote device. Services reports what the
// host has already discovered on the current connection.
type Peripheral interface {
	ID() uuid.UUID
	Name() string
	State() PeripheralState
	Services() []Service
}

// Advertisement is the subset of advertising data the driver uses.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []bluetooth.UUID
	RSSI         int
}

// Host is the asynchronous host BLE stack.
type Host interface {
	PowerState() PowerState
	// Scan starts (or retunes) scanning for peripherals advertising any of
	// filter. An empty filter reports every peripheral.
	Scan(filter []bluetooth.UUID, allowDuplicates bool) error
	StopScan()
	Connect(p Peripheral)
	CancelConnect(p Peripheral)
	DiscoverServices(p Peripheral, uuids []bluetooth.UUID)
	DiscoverCharacteristics(p Peripheral, service bluetooth.UUID, uuids []bluetooth.UUID)
	SetNotify(p Peripheral, c Characteristic, enabled bool) error
	ReadValue(p Peripheral, c Characteristic) error
	WriteValue(p Peripheral, c Characteristic, data []byte, mode WriteMode) error
	// RetrievePeripherals returns handles for previously known identities.
	// Unknown identities are skipped.
	RetrievePeripherals(ids []uuid.UUID) []Peripheral
	SetHandler(h func(Event))
}

// HasCharacteristic reports whether p has discovered c.
func HasCharacteristic(p Peripheral, c Characteristic) bool {
	for _, s := range p.Services() {
		if s.UUID != c.Service {
			continue
		}
		for _, pc := range s.Characteristics {
			if pc == c {
				return true
			}
		}
	}
	return false
}

// AddressOf returns the host address of p, or "" when the host does not
// expose one.
func AddressOf(p Peripheral) string {
	if a, ok := p.(interface{ Address() string }); ok {
		return a.Address()
	}
	return ""
}
