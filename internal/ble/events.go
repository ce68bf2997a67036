package ble

import (
	"time"

	"tinygo.org/x/bluetooth"
)

// Event is a notification from the host stack. The concrete types below are
// the complete set.
type Event interface {
	event()
}

// DiscoverEvent reports one advertisement.
type DiscoverEvent struct {
	Peripheral    Peripheral
	Advertisement Advertisement
	At            time.Time
}

// ConnectEvent reports an established link.
type ConnectEvent struct {
	Peripheral Peripheral
}

// ConnectFailedEvent reports a connection attempt that did not complete.
type ConnectFailedEvent struct {
	Peripheral Peripheral
	Err        error
}

// DisconnectEvent reports a dropped or cancelled link. Err is nil for a
// requested disconnect.
type DisconnectEvent struct {
	Peripheral Peripheral
	Err        error
}

// ServicesDiscoveredEvent completes DiscoverServices.
type ServicesDiscoveredEvent struct {
	Peripheral Peripheral
	Services   []Service
	Err        error
}

// CharacteristicsDiscoveredEvent completes DiscoverCharacteristics.
type CharacteristicsDiscoveredEvent struct {
	Peripheral      Peripheral
	Service         bluetooth.UUID
	Characteristics []Characteristic
	Err             error
}

// ValueUpdatedEvent carries a read response or a notification.
type ValueUpdatedEvent struct {
	Peripheral     Peripheral
	Characteristic Characteristic
	Value          []byte
	Err            error
}

// ValueWrittenEvent acknowledges a WithResponse write.
type ValueWrittenEvent struct {
	Peripheral     Peripheral
	Characteristic Characteristic
	Err            error
}

// PowerStateEvent reports a radio state change.
type PowerStateEvent struct {
	State PowerState
}

// RestoreEvent hands over peripherals the host kept across a relaunch.
type RestoreEvent struct {
	Peripherals []Peripheral
}

func (DiscoverEvent) event()                  {}
func (ConnectEvent) event()                   {}
func (ConnectFailedEvent) event()             {}
func (DisconnectEvent) event()                {}
func (ServicesDiscoveredEvent) event()        {}
func (CharacteristicsDiscoveredEvent) event() {}
func (ValueUpdatedEvent) event()              {}
func (ValueWrittenEvent) event()              {}
func (PowerStateEvent) event()                {}
func (RestoreEvent) event()                   {}

// EventPeripheral returns the peripheral an event concerns, or nil for
// host-wide events.
func EventPeripheral(ev Event) Peripheral {
	switch e := ev.(type) {
	case DiscoverEvent:
		return e.Peripheral
	case ConnectEvent:
		return e.Peripheral
	case ConnectFailedEvent:
		return e.Peripheral
	case DisconnectEvent:
		return e.Peripheral
	case ServicesDiscoveredEvent:
		return e.Peripheral
	case CharacteristicsDiscoveredEvent:
		return e.Peripheral
	case ValueUpdatedEvent:
		return e.Peripheral
	case ValueWrittenEvent:
		return e.Peripheral
	}
	return nil
}
