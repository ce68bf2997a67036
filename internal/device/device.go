// Package device implements the per-peripheral connection and reachability
// state machine shared by every device type. A Device is parameterised by a
// Descriptor (GATT table, retry bound, advertising timeout) and a Strategy
// that receives the device-type specific callbacks.
//
// A Device is owned by a Coordinator and must only be used on its loop.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/loop"
)

// ErrConnectTimeout is reported for a connect attempt that exceeded the
// descriptor's ConnectionTimeout.
var ErrConnectTimeout = errors.New("device: connect timed out")

// Coordinator owns devices and the host connection. It is implemented by
// discovery.Manager.
type Coordinator interface {
	Loop() *loop.Loop
	Host() ble.Host
	PowerState() ble.PowerState
	// DeviceStoppedAdvertising is called when a device's advertising
	// timeout fires.
	DeviceStoppedAdvertising(d *Device)
}

// Device is the connection state machine for one peripheral identity.
type Device struct {
	coord      Coordinator
	desc       Descriptor
	strategy   Strategy
	peripheral ble.Peripheral
	id         uuid.UUID

	state                 State
	autoReconnect         bool
	didInitiateConnection bool
	attempt               int
	connTimer             *loop.Timer

	advertising       bool
	lastAdvertisement time.Time
	advTimer          *loop.Timer
	wasReachable      bool

	// per connection
	handled   map[ble.Characteristic]bool
	requested map[bluetooth.UUID]bool
}

// New creates a Disconnected device for p.
func New(c Coordinator, p ble.Peripheral, desc Descriptor, s Strategy) *Device {
	if s == nil {
		s = NopStrategy{}
	}
	return &Device{
		coord:      c,
		desc:       desc,
		strategy:   s,
		peripheral: p,
		id:         p.ID(),
	}
}

func (d *Device) ID() uuid.UUID              { return d.id }
func (d *Device) Peripheral() ble.Peripheral { return d.peripheral }
func (d *Device) Descriptor() Descriptor     { return d.desc }
func (d *Device) State() State               { return d.state }

// SetStrategy replaces the strategy. Used by device types that construct
// their strategy around the device.
func (d *Device) SetStrategy(s Strategy) {
	if s == nil {
		s = NopStrategy{}
	}
	d.strategy = s
}

// SetPeripheral swaps in a fresh host handle for the same identity. Ignored
// while a connection is in progress.
func (d *Device) SetPeripheral(p ble.Peripheral) {
	if !d.check("SetPeripheral") || p == nil || p.ID() != d.id {
		return
	}
	if d.state == Disconnected || d.state == Invalidated {
		d.peripheral = p
	}
}

// DidInitiateConnection reports whether this instance asked the host for the
// current connection.
func (d *Device) DidInitiateConnection() bool { return d.didInitiateConnection }

// AutoReconnect reports whether the device reconnects after a drop.
func (d *Device) AutoReconnect() bool { return d.autoReconnect }

// LastAdvertisement is the time of the most recent advertisement seen.
func (d *Device) LastAdvertisement() time.Time { return d.lastAdvertisement }

// IsReachable reports whether the device can be talked to: the radio is on
// and the device is connected or advertised recently.
func (d *Device) IsReachable() bool {
	if d.coord.PowerState() != ble.PowerOn {
		return false
	}
	return d.state == Connected || d.advertising
}

func (d *Device) check(op string) bool {
	return d.coord.Loop().Check("device." + op)
}

func (d *Device) host() ble.Host { return d.coord.Host() }

// Connect starts connecting. It is a no-op unless the radio is on, or while
// a connection is already in progress or established.
func (d *Device) Connect(autoReconnect bool) {
	if !d.check("Connect") {
		return
	}
	if d.coord.PowerState() != ble.PowerOn || d.peripheral == nil {
		slog.Debug("[DEVICE] connect skipped, radio off", "id", d.id)
		return
	}
	switch d.state {
	case Connecting, Connected:
		return
	case Disconnecting, Invalidated:
		slog.Debug("[DEVICE] connect skipped", "id", d.id, "state", d.state)
		return
	}
	d.autoReconnect = autoReconnect
	d.attempt = 0
	d.hostConnect()
	d.setState(Connecting, nil)
}

// hostConnect asks the host for a link and arms the connection timeout.
func (d *Device) hostConnect() {
	d.didInitiateConnection = true
	d.host().Connect(d.peripheral)
	d.connTimer.Stop()
	d.connTimer = nil
	if d.desc.ConnectionTimeout <= 0 {
		return
	}
	d.connTimer = d.coord.Loop().AfterFunc(d.desc.ConnectionTimeout, d.connectTimedOut)
}

func (d *Device) connectTimedOut() {
	d.connTimer = nil
	if d.state != Connecting {
		return
	}
	slog.Warn("[DEVICE] connect timed out", "id", d.id, "after", d.desc.ConnectionTimeout)
	d.host().CancelConnect(d.peripheral)
	d.HandleConnectFailed(ErrConnectTimeout)
}

// Disconnect tears the connection down and disables auto-reconnect.
func (d *Device) Disconnect() {
	if !d.check("Disconnect") {
		return
	}
	d.autoReconnect = false
	switch d.state {
	case Disconnected, Disconnecting, Invalidated:
		return
	}
	d.connTimer.Stop()
	d.connTimer = nil
	if !d.didInitiateConnection {
		d.setState(Disconnected, nil)
		return
	}
	d.host().CancelConnect(d.peripheral)
	d.setState(Disconnecting, nil)
}

// HandleEvent routes a host event for this device's peripheral.
func (d *Device) HandleEvent(ev ble.Event) {
	switch e := ev.(type) {
	case ble.ConnectEvent:
		d.HandleConnected()
	case ble.ConnectFailedEvent:
		d.HandleConnectFailed(e.Err)
	case ble.DisconnectEvent:
		d.HandleDisconnected(e.Err)
	case ble.ServicesDiscoveredEvent:
		d.HandleServicesDiscovered(e.Services, e.Err)
	case ble.CharacteristicsDiscoveredEvent:
		d.HandleCharacteristicsDiscovered(e.Service, e.Characteristics, e.Err)
	case ble.ValueUpdatedEvent:
		d.HandleValueUpdated(e.Characteristic, e.Value, e.Err)
	case ble.ValueWrittenEvent:
		d.HandleValueWritten(e.Characteristic, e.Err)
	}
}

// HandleConnected starts GATT discovery. The device becomes Connected once
// the descriptor's required characteristic is found.
func (d *Device) HandleConnected() {
	if !d.check("HandleConnected") {
		return
	}
	if d.state != Connecting {
		slog.Debug("[DEVICE] unexpected connect", "id", d.id, "state", d.state)
		return
	}
	d.advTimer.Stop()
	d.advTimer = nil
	d.connTimer.Stop()
	d.connTimer = nil
	d.attempt = 0
	d.handled = make(map[ble.Characteristic]bool)
	d.requested = make(map[bluetooth.UUID]bool)

	slog.Debug("[DEVICE] link up, discovering services", "id", d.id)
	d.discover()

	if d.desc.Profile.Required == (ble.Characteristic{}) {
		d.setState(Connected, nil)
	}
}

// discover replays what the host already knows, then asks only for what is
// missing.
func (d *Device) discover() {
	known := d.peripheral.Services()
	have := make(map[bluetooth.UUID]bool, len(known))
	for _, s := range known {
		have[s.UUID] = true
	}

	var missing []bluetooth.UUID
	for _, sp := range d.desc.Profile.Services {
		if !have[sp.UUID] {
			missing = append(missing, sp.UUID)
		}
	}

	for _, s := range known {
		d.serviceFound(s)
	}
	if len(missing) > 0 && d.linked() {
		d.host().DiscoverServices(d.peripheral, missing)
	}
}

func (d *Device) serviceFound(s ble.Service) {
	sp, ok := d.desc.Profile.Service(s.UUID)
	if !ok {
		return
	}
	have := make(map[bluetooth.UUID]bool, len(s.Characteristics))
	for _, c := range s.Characteristics {
		have[c.UUID] = true
		if d.desc.Profile.Contains(c) {
			d.characteristicFound(c)
		}
	}
	if d.requested[s.UUID] {
		return
	}
	var missing []bluetooth.UUID
	for _, u := range sp.Characteristics {
		if !have[u] {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 && d.linked() {
		d.requested[s.UUID] = true
		d.host().DiscoverCharacteristics(d.peripheral, s.UUID, missing)
	}
}

func (d *Device) characteristicFound(c ble.Characteristic) {
	if d.handled == nil || d.handled[c] {
		return
	}
	d.handled[c] = true

	if d.desc.Profile.notifies(c) {
		if err := d.host().SetNotify(d.peripheral, c, true); err != nil {
			slog.Warn("[DEVICE] subscribe failed", "id", d.id, "characteristic", c, "error", err)
		}
	}
	d.strategy.CharacteristicDiscovered(d, c)

	if c == d.desc.Profile.Required && d.state == Connecting {
		d.setState(Connected, nil)
	}
}

// linked reports whether the link is up or coming up.
func (d *Device) linked() bool {
	return d.state == Connecting || d.state == Connected
}

// HandleServicesDiscovered continues discovery. A discovery error tears the
// connection down.
func (d *Device) HandleServicesDiscovered(services []ble.Service, err error) {
	if !d.check("HandleServicesDiscovered") || !d.linked() || d.handled == nil {
		return
	}
	if err != nil {
		slog.Warn("[DEVICE] service discovery failed", "id", d.id, "error", err)
		d.host().CancelConnect(d.peripheral)
		return
	}
	for _, s := range services {
		d.serviceFound(s)
	}
}

func (d *Device) HandleCharacteristicsDiscovered(service bluetooth.UUID, chars []ble.Characteristic, err error) {
	if !d.check("HandleCharacteristicsDiscovered") || !d.linked() || d.handled == nil {
		return
	}
	if err != nil {
		slog.Warn("[DEVICE] characteristic discovery failed", "id", d.id, "service", service.String(), "error", err)
		return
	}
	for _, c := range chars {
		if d.desc.Profile.Contains(c) {
			d.characteristicFound(c)
		}
	}
}

func (d *Device) HandleValueUpdated(c ble.Characteristic, value []byte, err error) {
	if !d.check("HandleValueUpdated") || !d.linked() {
		return
	}
	d.strategy.ValueUpdated(d, c, value, err)
}

func (d *Device) HandleValueWritten(c ble.Characteristic, err error) {
	if !d.check("HandleValueWritten") || !d.linked() {
		return
	}
	d.strategy.ValueWritten(d, c, err)
}

// HandleConnectFailed retries while attempts remain, then surfaces err and
// moves to Disconnected.
func (d *Device) HandleConnectFailed(err error) {
	if !d.check("HandleConnectFailed") {
		return
	}
	switch d.state {
	case Disconnecting:
		d.setState(Disconnected, nil)
		return
	case Connecting:
	default:
		return
	}
	if d.attempt < d.desc.RetryCount {
		d.attempt++
		slog.Info("[DEVICE] connect failed, retrying", "id", d.id, "attempt", d.attempt, "of", d.desc.RetryCount, "error", err)
		d.hostConnect()
		return
	}
	slog.Warn("[DEVICE] connect failed", "id", d.id, "attempts", d.attempt+1, "error", err)
	d.resetConnection()
	d.setState(Disconnected, fmt.Errorf("device: connect %s: %w", d.id, err))
}

// HandleDisconnected moves to Disconnected and reconnects if requested.
func (d *Device) HandleDisconnected(err error) {
	if !d.check("HandleDisconnected") {
		return
	}
	if d.state == Disconnected || d.state == Invalidated {
		return
	}
	if err != nil {
		slog.Warn("[DEVICE] disconnected", "id", d.id, "error", err)
	} else {
		slog.Info("[DEVICE] disconnected", "id", d.id)
	}
	before := d.IsReachable()
	d.resetConnection()
	d.advertising = false
	d.setState(Disconnected, err)
	d.notifyReachability(before)

	if d.autoReconnect {
		d.Connect(true)
	}
}

func (d *Device) resetConnection() {
	d.connTimer.Stop()
	d.connTimer = nil
	d.handled = nil
	d.requested = nil
	d.didInitiateConnection = false
}

// HandleAdvertisement records an advertisement seen at. When the device has
// an advertising timeout and more advertisements are expected, the timeout
// restarts; on expiry the device becomes unreachable.
func (d *Device) HandleAdvertisement(at time.Time, willReceiveMore bool) {
	if !d.check("HandleAdvertisement") {
		return
	}
	before := d.IsReachable()
	d.lastAdvertisement = at
	d.advertising = true

	if d.desc.MaxAdvertisingInterval > 0 && willReceiveMore && d.state != Connected {
		d.advTimer.Stop()
		d.advTimer = d.coord.Loop().AfterFunc(d.desc.MaxAdvertisingInterval, d.advertisingTimedOut)
	}
	d.notifyReachability(before)
}

func (d *Device) advertisingTimedOut() {
	d.advTimer = nil
	if d.state == Connected || !d.advertising {
		return
	}
	before := d.IsReachable()
	d.advertising = false
	slog.Debug("[DEVICE] stopped advertising", "id", d.id)
	d.notifyReachability(before)
	d.coord.DeviceStoppedAdvertising(d)
}

// HandlePowerState invalidates the device when the radio goes away and
// brings it back to Disconnected, reconnecting if requested, when it returns.
func (d *Device) HandlePowerState(s ble.PowerState) {
	if !d.check("HandlePowerState") {
		return
	}
	if s != ble.PowerOn {
		d.Invalidate()
		return
	}
	if d.state != Invalidated {
		return
	}
	d.setState(Disconnected, nil)
	if d.autoReconnect {
		d.Connect(true)
	}
}

// Invalidate drops all connection state after the host lost its radio.
func (d *Device) Invalidate() {
	if !d.check("Invalidate") {
		return
	}
	was := d.wasReachable
	d.advTimer.Stop()
	d.advTimer = nil
	d.resetConnection()
	d.advertising = false
	d.setState(Invalidated, nil)
	d.notifyReachability(was)
}

// Restore adopts a connection the host kept across a relaunch. A connected
// peripheral is re-discovered without a new connect.
func (d *Device) Restore() {
	if !d.check("Restore") || d.state != Disconnected {
		return
	}
	switch d.peripheral.State() {
	case ble.PeripheralConnected:
		d.didInitiateConnection = true
		d.setState(Connecting, nil)
		d.HandleConnected()
	case ble.PeripheralConnecting:
		d.didInitiateConnection = true
		d.setState(Connecting, nil)
	}
}

// HasCharacteristic reports whether c was found on the current connection.
func (d *Device) HasCharacteristic(c ble.Characteristic) bool {
	return d.handled[c]
}

// Read requests the value of c; the result arrives through the strategy's
// ValueUpdated hook.
func (d *Device) Read(c ble.Characteristic) error {
	if err := d.ready(c); err != nil {
		return err
	}
	return d.host().ReadValue(d.peripheral, c)
}

// Write writes data to c. WithResponse writes are acknowledged through the
// strategy's ValueWritten hook.
func (d *Device) Write(c ble.Characteristic, data []byte, mode ble.WriteMode) error {
	if err := d.ready(c); err != nil {
		return err
	}
	return d.host().WriteValue(d.peripheral, c, data, mode)
}

func (d *Device) ready(c ble.Characteristic) error {
	if !d.check("io") {
		return fmt.Errorf("device: %s: called off loop", d.id)
	}
	if !d.linked() || d.handled == nil {
		return ble.ErrNotConnected
	}
	if !d.handled[c] {
		return fmt.Errorf("%w: %s", ble.ErrUnknownCharacteristic, c)
	}
	return nil
}

func (d *Device) setState(to State, err error) {
	from := d.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		slog.Warn("[DEVICE] invalid state transition dropped", "id", d.id, "from", from, "to", to)
		return
	}
	before := d.IsReachable()
	d.state = to
	slog.Info("[DEVICE] state changed", "id", d.id, "from", from, "to", to)
	d.strategy.StateChanged(d, from, to, err)
	d.notifyReachability(before)
}

func (d *Device) notifyReachability(before bool) {
	now := d.IsReachable()
	d.wasReachable = now
	if now != before {
		d.strategy.ReachabilityChanged(d, now)
	}
}
