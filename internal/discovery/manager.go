// Package discovery runs scan sessions against the host stack and owns one
// device.Device per peripheral identity for the life of the Manager. It
// de-duplicates advertisements, forwards host events to devices, pauses and
// resumes with the radio, and adopts peripherals restored after a relaunch.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/loop"
)

// DefaultScanRestartInterval is the minimum spacing of scan restarts.
const DefaultScanRestartInterval = time.Second

// Factory creates the device for a newly seen peripheral, or returns nil to
// ignore it for the rest of the scan session. adv is empty for restored
// peripherals.
type Factory func(c device.Coordinator, p ble.Peripheral, adv ble.Advertisement) *device.Device

// Observer receives discovery notifications on the manager's loop.
type Observer interface {
	DidDiscover(d *device.Device)
	DidRestore(d *device.Device)
	DidStopAdvertising(d *device.Device)
	DidStartDiscovery()
	DidStopDiscovery()
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) DidDiscover(*device.Device)        {}
func (NopObserver) DidRestore(*device.Device)         {}
func (NopObserver) DidStopAdvertising(*device.Device) {}
func (NopObserver) DidStartDiscovery()                {}
func (NopObserver) DidStopDiscovery()                 {}

// Options configures a Manager.
type Options struct {
	Factory  Factory
	Observer Observer
	// ScanRestartInterval throttles scan restarts after advertising
	// timeouts. Zero uses DefaultScanRestartInterval.
	ScanRestartInterval time.Duration
}

// Manager coordinates scanning and the devices it produced. Its state lives
// on its loop; exported methods are safe to call from any goroutine.
type Manager struct {
	loop *loop.Loop
	host ble.Host
	opts Options

	power   ble.PowerState
	devices map[uuid.UUID]*device.Device

	// per scan session
	seen     map[uuid.UUID]bool
	rejected map[uuid.UUID]bool

	wantScan           bool
	scanning           bool
	filter             []bluetooth.UUID
	updateReachability bool

	restartLimiter *rate.Limiter
	restartTimer   *loop.Timer

	pendingIDs         []uuid.UUID
	pendingPeripherals []ble.Peripheral
}

// New creates a manager and takes over host's event handler. Panics if
// opts.Factory is nil (programmer error).
func New(l *loop.Loop, host ble.Host, opts Options) *Manager {
	if opts.Factory == nil {
		panic("discovery: New called without a Factory")
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.ScanRestartInterval <= 0 {
		opts.ScanRestartInterval = DefaultScanRestartInterval
	}
	m := &Manager{
		loop:           l,
		host:           host,
		opts:           opts,
		power:          host.PowerState(),
		devices:        make(map[uuid.UUID]*device.Device),
		seen:           make(map[uuid.UUID]bool),
		rejected:       make(map[uuid.UUID]bool),
		restartLimiter: rate.NewLimiter(rate.Every(opts.ScanRestartInterval), 1),
	}
	host.SetHandler(func(ev ble.Event) {
		l.Do(func() { m.handleEvent(ev) })
	})
	return m
}

func (m *Manager) Loop() *loop.Loop { return m.loop }
func (m *Manager) Host() ble.Host   { return m.host }

// PowerState is the last radio state reported by the host. Loop only.
func (m *Manager) PowerState() ble.PowerState { return m.power }

// run executes fn on the loop, inline when already there.
func (m *Manager) run(fn func()) {
	if err := m.loop.Call(context.Background(), fn); err != nil {
		slog.Debug("[DISCOVERY] loop closed, request dropped", "error", err)
	}
}

// StartDiscovery starts a scan session for peripherals advertising any of
// filter. With updateReachability the host reports every advertisement so
// device reachability tracks advertising timeouts. If the radio is off the
// scan starts when it comes on.
func (m *Manager) StartDiscovery(filter []bluetooth.UUID, updateReachability bool) {
	m.run(func() {
		m.filter = append([]bluetooth.UUID(nil), filter...)
		m.updateReachability = updateReachability
		m.wantScan = true
		if m.power != ble.PowerOn {
			slog.Info("[DISCOVERY] radio not powered, scan deferred", "power", m.power)
			return
		}
		m.startScan()
	})
}

// StopDiscovery ends the scan session.
func (m *Manager) StopDiscovery() {
	m.run(func() {
		m.wantScan = false
		m.stopScan()
	})
}

// IsDiscovering reports whether a scan session is active.
func (m *Manager) IsDiscovering() bool {
	var scanning bool
	m.run(func() { scanning = m.scanning })
	return scanning
}

// Restore adopts previously known identities. Peripherals the host still
// knows are handed to the factory and restored; unknown identities are
// skipped. Deferred until the radio is on.
func (m *Manager) Restore(ids []uuid.UUID) {
	m.run(func() {
		if m.power != ble.PowerOn {
			m.pendingIDs = append(m.pendingIDs, ids...)
			return
		}
		for _, p := range m.host.RetrievePeripherals(ids) {
			m.adopt(p)
		}
	})
}

// Devices returns every device created so far, ordered by identity.
func (m *Manager) Devices() []*device.Device {
	var out []*device.Device
	m.run(func() {
		out = make([]*device.Device, 0, len(m.devices))
		for _, d := range m.devices {
			out = append(out, d)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// Device returns the device for id, if any.
func (m *Manager) Device(id uuid.UUID) (*device.Device, bool) {
	var d *device.Device
	m.run(func() { d = m.devices[id] })
	return d, d != nil
}

// Close stops scanning, disconnects every device and detaches from the host.
func (m *Manager) Close() {
	m.run(func() {
		m.wantScan = false
		m.stopScan()
		for _, d := range m.devices {
			d.Disconnect()
		}
	})
	m.host.SetHandler(nil)
}

func (m *Manager) startScan() {
	m.newSession()
	if err := m.host.Scan(m.filter, m.updateReachability); err != nil {
		slog.Error("[DISCOVERY] scan failed", "error", err)
		return
	}
	m.scanning = true
	slog.Info("[DISCOVERY] scanning", "services", len(m.filter), "update_reachability", m.updateReachability)
	m.opts.Observer.DidStartDiscovery()
}

func (m *Manager) stopScan() {
	m.restartTimer.Stop()
	m.restartTimer = nil
	if !m.scanning {
		return
	}
	m.host.StopScan()
	m.scanning = false
	m.newSession()
	slog.Info("[DISCOVERY] scan stopped")
	m.opts.Observer.DidStopDiscovery()
}

func (m *Manager) newSession() {
	m.seen = make(map[uuid.UUID]bool)
	m.rejected = make(map[uuid.UUID]bool)
}

// restartScan restarts the running scan so the host reports peripherals it
// had already de-duplicated. Restarts are throttled and never dropped.
func (m *Manager) restartScan() {
	if !m.scanning || m.restartTimer.Active() {
		return
	}
	delay := m.restartLimiter.Reserve().Delay()
	if delay == 0 {
		m.doRestart()
		return
	}
	slog.Debug("[DISCOVERY] scan restart throttled", "delay", delay)
	m.restartTimer = m.loop.AfterFunc(delay, func() {
		m.restartTimer = nil
		m.doRestart()
	})
}

func (m *Manager) doRestart() {
	if !m.scanning {
		return
	}
	m.host.StopScan()
	m.newSession()
	if err := m.host.Scan(m.filter, m.updateReachability); err != nil {
		slog.Error("[DISCOVERY] scan restart failed", "error", err)
		m.scanning = false
		m.opts.Observer.DidStopDiscovery()
		return
	}
	slog.Debug("[DISCOVERY] scan restarted")
}

// DeviceStoppedAdvertising implements device.Coordinator.
func (m *Manager) DeviceStoppedAdvertising(d *device.Device) {
	delete(m.seen, d.ID())
	slog.Info("[DISCOVERY] device stopped advertising", "id", d.ID())
	m.opts.Observer.DidStopAdvertising(d)
	m.restartScan()
}

func (m *Manager) handleEvent(ev ble.Event) {
	switch e := ev.(type) {
	case ble.PowerStateEvent:
		m.handlePower(e.State)
	case ble.RestoreEvent:
		if m.power != ble.PowerOn {
			m.pendingPeripherals = append(m.pendingPeripherals, e.Peripherals...)
			return
		}
		for _, p := range e.Peripherals {
			m.adopt(p)
		}
	case ble.DiscoverEvent:
		m.handleDiscover(e)
	default:
		p := ble.EventPeripheral(ev)
		if p == nil {
			return
		}
		d := m.devices[p.ID()]
		if d == nil {
			return
		}
		switch ev.(type) {
		case ble.ConnectFailedEvent, ble.DisconnectEvent:
			delete(m.seen, p.ID())
		}
		d.HandleEvent(ev)
	}
}

func (m *Manager) handlePower(s ble.PowerState) {
	if s == m.power {
		return
	}
	slog.Info("[DISCOVERY] power state changed", "from", m.power, "to", s)
	m.power = s

	if s != ble.PowerOn {
		// The host dropped the scan with the radio.
		m.restartTimer.Stop()
		m.restartTimer = nil
		if m.scanning {
			m.scanning = false
			m.newSession()
			m.opts.Observer.DidStopDiscovery()
		}
		for _, d := range m.devices {
			d.HandlePowerState(s)
		}
		return
	}

	for _, d := range m.devices {
		d.HandlePowerState(s)
	}

	peripherals := m.pendingPeripherals
	m.pendingPeripherals = nil
	if len(m.pendingIDs) > 0 {
		peripherals = append(peripherals, m.host.RetrievePeripherals(m.pendingIDs)...)
		m.pendingIDs = nil
	}
	for _, p := range peripherals {
		m.adopt(p)
	}

	if m.wantScan && !m.scanning {
		m.startScan()
	}
}

func (m *Manager) handleDiscover(e ble.DiscoverEvent) {
	if !m.scanning {
		return
	}
	id := e.Peripheral.ID()
	if m.rejected[id] {
		return
	}

	d := m.devices[id]
	if d == nil {
		d = m.opts.Factory(m, e.Peripheral, e.Advertisement)
		if d == nil {
			m.rejected[id] = true
			return
		}
		m.devices[id] = d
		slog.Info("[DISCOVERY] new device", "id", id, "name", e.Advertisement.LocalName, "rssi", e.Advertisement.RSSI)
	} else {
		d.SetPeripheral(e.Peripheral)
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	d.HandleAdvertisement(at, m.updateReachability)

	if !m.seen[id] {
		m.seen[id] = true
		m.opts.Observer.DidDiscover(d)
	}
}

func (m *Manager) adopt(p ble.Peripheral) {
	id := p.ID()
	d := m.devices[id]
	if d == nil {
		d = m.opts.Factory(m, p, ble.Advertisement{LocalName: p.Name()})
		if d == nil {
			return
		}
		m.devices[id] = d
	} else {
		d.SetPeripheral(p)
	}
	slog.Info("[DISCOVERY] restoring device", "id", id, "host_state", p.State())
	d.Restore()
	m.opts.Observer.DidRestore(d)
}

// Compile-time check that Manager implements device.Coordinator.
var _ device.Coordinator = (*Manager)(nil)
