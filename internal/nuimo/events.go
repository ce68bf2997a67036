package nuimo

import (
	"fmt"

	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/gesture"
)

// EventKind identifies a controller event.
type EventKind int

const (
	ConnectionStateChanged EventKind = iota + 1
	GestureReceived
	BatteryLevelUpdated
	FirmwareVersionRead
	HardwareVersionRead
	ModelNumberRead
	HeartbeatReceived
	MatrixDisplayed
	ReachabilityChanged
)

var kindNames = [...]string{
	ConnectionStateChanged: "ConnectionStateChanged",
	GestureReceived:        "GestureReceived",
	BatteryLevelUpdated:    "BatteryLevelUpdated",
	FirmwareVersionRead:    "FirmwareVersionRead",
	HardwareVersionRead:    "HardwareVersionRead",
	ModelNumberRead:        "ModelNumberRead",
	HeartbeatReceived:      "HeartbeatReceived",
	MatrixDisplayed:        "MatrixDisplayed",
	ReachabilityChanged:    "ReachabilityChanged",
}

func (k EventKind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *EventKind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if i > 0 && name == string(text) {
			*k = EventKind(i)
			return nil
		}
	}
	return fmt.Errorf("nuimo: unknown event kind %q", text)
}

// Event is one of the concrete event types below.
type Event interface {
	Kind() EventKind
}

type ConnectionStateEvent struct {
	From, State device.State
	// Err is set when the transition was caused by a failure, such as
	// exhausted connection retries or a dropped link.
	Err error
}

type GestureEvent struct {
	gesture.Event
}

type BatteryLevelEvent struct {
	Level int // percent
}

type FirmwareVersionEvent struct{ Version string }
type HardwareVersionEvent struct{ Version string }
type ModelNumberEvent struct{ Model string }

// HeartbeatEvent is sent by the controller at the configured heartbeat
// interval.
type HeartbeatEvent struct{}

// MatrixDisplayedEvent confirms that the controller acknowledged a matrix
// write.
type MatrixDisplayedEvent struct{}

type ReachabilityEvent struct{ Reachable bool }

func (ConnectionStateEvent) Kind() EventKind { return ConnectionStateChanged }
func (GestureEvent) Kind() EventKind         { return GestureReceived }
func (BatteryLevelEvent) Kind() EventKind    { return BatteryLevelUpdated }
func (FirmwareVersionEvent) Kind() EventKind { return FirmwareVersionRead }
func (HardwareVersionEvent) Kind() EventKind { return HardwareVersionRead }
func (ModelNumberEvent) Kind() EventKind     { return ModelNumberRead }
func (HeartbeatEvent) Kind() EventKind       { return HeartbeatReceived }
func (MatrixDisplayedEvent) Kind() EventKind { return MatrixDisplayed }
func (ReachabilityEvent) Kind() EventKind    { return ReachabilityChanged }

// Observer receives controller events. Bluetooth controllers deliver on their
// discovery loop, so implementations must not block.
type Observer interface {
	HandleEvent(c Controller, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(c Controller, ev Event)

func (f ObserverFunc) HandleEvent(c Controller, ev Event) { f(c, ev) }

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) HandleEvent(Controller, Event) {}

// Observers delivers each event to every observer in order.
type Observers []Observer

func (os Observers) HandleEvent(c Controller, ev Event) {
	for _, o := range os {
		if o != nil {
			o.HandleEvent(c, ev)
		}
	}
}
