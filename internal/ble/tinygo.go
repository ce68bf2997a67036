package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

const (
	// readBufferSize bounds a single characteristic read.
	readBufferSize = 512
	// DefaultConnectTimeout is the link-layer connect timeout passed to the
	// adapter.
	DefaultConnectTimeout = 5 * time.Second
	// scanStopTimeout bounds how long StopScan waits for the scan to end.
	scanStopTimeout = 2 * time.Second
)

// scanner is the scanning half of *bluetooth.Adapter.
type scanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// TinygoHost implements Host on top of tinygo.org/x/bluetooth. tinygo's API
// is blocking, so every request runs on its own goroutine and reports back
// through the event handler. GATT requests on one peripheral are serialized.
//
// On macOS peripheral addresses are CoreBluetooth UUIDs, elsewhere they are
// MAC addresses; IdentityFor maps both to a stable identity.
type TinygoHost struct {
	adapter        *bluetooth.Adapter
	scanner        scanner
	connectTimeout time.Duration

	mu          sync.Mutex
	handler     func(Event)
	power       PowerState
	peripherals map[uuid.UUID]*tinygoPeripheral
	byAddress   map[string]*tinygoPeripheral

	// scanDone is closed when the running scan returns; nil while idle.
	scanDone        chan struct{}
	scanFilter      []bluetooth.UUID
	allowDuplicates bool
	scanSeen        map[string]bool
}

// NewTinygoHost creates a host over the default adapter. Call Enable before
// use.
func NewTinygoHost() *TinygoHost {
	return &TinygoHost{
		adapter:        bluetooth.DefaultAdapter,
		scanner:        bluetooth.DefaultAdapter,
		connectTimeout: DefaultConnectTimeout,
		peripherals:    make(map[uuid.UUID]*tinygoPeripheral),
		byAddress:      make(map[string]*tinygoPeripheral),
	}
}

// SetConnectTimeout changes the link-layer connect timeout for later
// connects. Non-positive values select DefaultConnectTimeout.
func (h *TinygoHost) SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultConnectTimeout
	}
	h.mu.Lock()
	h.connectTimeout = d
	h.mu.Unlock()
}

// Enable powers on the adapter and starts reporting power state until ctx is
// done.
func (h *TinygoHost) Enable(ctx context.Context) error {
	if err := h.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	h.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		h.mu.Lock()
		p := h.byAddress[device.Address.String()]
		h.mu.Unlock()
		if p != nil && p.markDisconnected() {
			slog.Info("[BLE] peripheral disconnected", "id", p.id)
			h.emit(DisconnectEvent{Peripheral: p})
		}
	})

	if err := watchPower(ctx, h.setPower); err != nil {
		return fmt.Errorf("ble: watch power state: %w", err)
	}
	return nil
}

func (h *TinygoHost) setPower(s PowerState) {
	h.mu.Lock()
	changed := h.power != s
	h.power = s
	h.mu.Unlock()
	if changed {
		slog.Info("[BLE] power state", "state", s)
		h.emit(PowerStateEvent{State: s})
	}
}

func (h *TinygoHost) SetHandler(fn func(Event)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *TinygoHost) emit(ev Event) {
	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (h *TinygoHost) PowerState() PowerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.power
}

// SetKnownAddress registers the address of a previously seen peripheral so
// RetrievePeripherals can hand it out before it advertises again.
func (h *TinygoHost) SetKnownAddress(id uuid.UUID, address, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peripheralLocked(id, address, name)
}

// peripheralLocked returns the handle for id, creating it on first sight.
// Caller must hold h.mu.
func (h *TinygoHost) peripheralLocked(id uuid.UUID, address, name string) *tinygoPeripheral {
	if p, ok := h.peripherals[id]; ok {
		if name != "" {
			p.setName(name)
		}
		return p
	}
	var addr bluetooth.Address
	addr.Set(address)
	p := &tinygoPeripheral{id: id, address: addr, name: name}
	h.peripherals[id] = p
	h.byAddress[addr.String()] = p
	return p
}

func (h *TinygoHost) RetrievePeripherals(ids []uuid.UUID) []Peripheral {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Peripheral
	for _, id := range ids {
		if p, ok := h.peripherals[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (h *TinygoHost) Scan(filter []bluetooth.UUID, allowDuplicates bool) error {
	h.mu.Lock()
	h.scanFilter = append([]bluetooth.UUID(nil), filter...)
	h.allowDuplicates = allowDuplicates
	h.scanSeen = make(map[string]bool)
	if h.scanDone != nil {
		h.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	h.scanDone = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		slog.Debug("[BLE] scan started", "filter", len(filter))
		err := h.scanner.Scan(h.onScanResult)
		h.mu.Lock()
		if h.scanDone == done {
			h.scanDone = nil
		}
		h.mu.Unlock()
		if err != nil {
			slog.Error("[BLE] scan failed", "error", err)
		}
	}()
	return nil
}

func (h *TinygoHost) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	address := result.Address.String()

	h.mu.Lock()
	var matched []bluetooth.UUID
	for _, u := range h.scanFilter {
		if result.HasServiceUUID(u) {
			matched = append(matched, u)
		}
	}
	if len(h.scanFilter) > 0 && len(matched) == 0 {
		h.mu.Unlock()
		return
	}
	if !h.allowDuplicates {
		if h.scanSeen[address] {
			h.mu.Unlock()
			return
		}
		h.scanSeen[address] = true
	}
	p := h.peripheralLocked(IdentityFor(address), address, result.LocalName())
	h.mu.Unlock()

	h.emit(DiscoverEvent{
		Peripheral: p,
		Advertisement: Advertisement{
			LocalName:    result.LocalName(),
			ServiceUUIDs: matched,
			RSSI:         int(result.RSSI),
		},
		At: time.Now(),
	})
}

// StopScan stops the running scan and waits for it to end, so a Scan
// right after it starts a new one.
func (h *TinygoHost) StopScan() {
	h.mu.Lock()
	done := h.scanDone
	h.mu.Unlock()
	if done == nil {
		return
	}
	if err := h.scanner.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
		return
	}
	select {
	case <-done:
	case <-time.After(scanStopTimeout):
		slog.Warn("[BLE] scan did not stop in time")
		h.mu.Lock()
		if h.scanDone == done {
			h.scanDone = nil
		}
		h.mu.Unlock()
	}
}

func (h *TinygoHost) Connect(p Peripheral) {
	tp, ok := p.(*tinygoPeripheral)
	if !ok {
		h.emit(ConnectFailedEvent{Peripheral: p, Err: fmt.Errorf("ble: foreign peripheral %s", p.ID())})
		return
	}
	if !tp.beginConnect() {
		return
	}

	h.mu.Lock()
	params := bluetooth.ConnectionParams{ConnectionTimeout: bluetooth.NewDuration(h.connectTimeout)}
	h.mu.Unlock()

	go func() {
		device, err := h.adapter.Connect(tp.address, params)
		if err != nil {
			tp.markDisconnected()
			slog.Warn("[BLE] connect failed", "id", tp.id, "error", err)
			h.emit(ConnectFailedEvent{Peripheral: tp, Err: fmt.Errorf("ble: connect to %s: %w", tp.address.String(), err)})
			return
		}
		if !tp.finishConnect(&device) {
			// CancelConnect arrived while the link was coming up.
			if err := device.Disconnect(); err != nil {
				slog.Warn("[BLE] disconnect after cancel failed", "id", tp.id, "error", err)
			}
			h.emit(DisconnectEvent{Peripheral: tp})
			return
		}
		slog.Info("[BLE] connected", "id", tp.id, "address", tp.address.String())
		h.emit(ConnectEvent{Peripheral: tp})
	}()
}

func (h *TinygoHost) CancelConnect(p Peripheral) {
	tp, ok := p.(*tinygoPeripheral)
	if !ok {
		return
	}
	device := tp.beginDisconnect()
	if device == nil {
		return
	}
	go func() {
		if err := device.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "id", tp.id, "error", err)
		}
		if tp.markDisconnected() {
			h.emit(DisconnectEvent{Peripheral: tp})
		}
	}()
}

func (h *TinygoHost) DiscoverServices(p Peripheral, uuids []bluetooth.UUID) {
	tp, device, err := connected(p)
	if err != nil {
		h.emit(ServicesDiscoveredEvent{Peripheral: p, Err: err})
		return
	}
	go tp.withGATT(func() {
		// Ask for everything and filter: tinygo fails the whole call when a
		// requested UUID is absent.
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			h.emit(ServicesDiscoveredEvent{Peripheral: tp, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		for i := range svcs {
			if len(uuids) == 0 || containsUUID(uuids, svcs[i].UUID()) {
				tp.addService(&svcs[i])
			}
		}
		h.emit(ServicesDiscoveredEvent{Peripheral: tp, Services: tp.Services()})
	})
}

func (h *TinygoHost) DiscoverCharacteristics(p Peripheral, service bluetooth.UUID, uuids []bluetooth.UUID) {
	tp, _, err := connected(p)
	if err != nil {
		h.emit(CharacteristicsDiscoveredEvent{Peripheral: p, Service: service, Err: err})
		return
	}
	svc := tp.service(service)
	if svc == nil {
		h.emit(CharacteristicsDiscoveredEvent{Peripheral: p, Service: service, Err: fmt.Errorf("ble: service %s not discovered", service)})
		return
	}
	go tp.withGATT(func() {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			h.emit(CharacteristicsDiscoveredEvent{Peripheral: tp, Service: service, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		var found []Characteristic
		for i := range chars {
			if len(uuids) > 0 && !containsUUID(uuids, chars[i].UUID()) {
				continue
			}
			c := Characteristic{Service: service, UUID: chars[i].UUID()}
			tp.addCharacteristic(c, &chars[i])
			found = append(found, c)
		}
		h.emit(CharacteristicsDiscoveredEvent{Peripheral: tp, Service: service, Characteristics: found})
	})
}

func (h *TinygoHost) SetNotify(p Peripheral, c Characteristic, enabled bool) error {
	tp, dc, err := characteristic(p, c)
	if err != nil {
		return err
	}
	go tp.withGATT(func() {
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				value := make([]byte, len(buf))
				copy(value, buf)
				h.emit(ValueUpdatedEvent{Peripheral: tp, Characteristic: c, Value: value})
			}
		}
		if err := dc.EnableNotifications(cb); err != nil {
			slog.Warn("[BLE] set notify failed", "id", tp.id, "characteristic", c, "enabled", enabled, "error", err)
		}
	})
	return nil
}

func (h *TinygoHost) ReadValue(p Peripheral, c Characteristic) error {
	tp, dc, err := characteristic(p, c)
	if err != nil {
		return err
	}
	go tp.withGATT(func() {
		buf := make([]byte, readBufferSize)
		n, err := dc.Read(buf)
		if err != nil {
			h.emit(ValueUpdatedEvent{Peripheral: tp, Characteristic: c, Err: fmt.Errorf("ble: read %s: %w", c, err)})
			return
		}
		h.emit(ValueUpdatedEvent{Peripheral: tp, Characteristic: c, Value: buf[:n]})
	})
	return nil
}

func (h *TinygoHost) WriteValue(p Peripheral, c Characteristic, data []byte, mode WriteMode) error {
	tp, dc, err := characteristic(p, c)
	if err != nil {
		return err
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	go tp.withGATT(func() {
		if mode == WithoutResponse {
			if _, err := dc.WriteWithoutResponse(payload); err != nil {
				slog.Warn("[BLE] write without response failed", "id", tp.id, "characteristic", c, "error", err)
			}
			return
		}
		_, err := dc.Write(payload)
		if err != nil {
			err = fmt.Errorf("ble: write %s: %w", c, err)
		}
		h.emit(ValueWrittenEvent{Peripheral: tp, Characteristic: c, Err: err})
	})
	return nil
}

// Compile-time check that TinygoHost implements Host.
var _ Host = (*TinygoHost)(nil)

func connected(p Peripheral) (*tinygoPeripheral, *bluetooth.Device, error) {
	tp, ok := p.(*tinygoPeripheral)
	if !ok {
		return nil, nil, fmt.Errorf("ble: foreign peripheral %s", p.ID())
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.state != PeripheralConnected || tp.device == nil {
		return nil, nil, ErrNotConnected
	}
	return tp, tp.device, nil
}

func characteristic(p Peripheral, c Characteristic) (*tinygoPeripheral, *bluetooth.DeviceCharacteristic, error) {
	tp, _, err := connected(p)
	if err != nil {
		return nil, nil, err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	dc, ok := tp.chars[c]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, c)
	}
	return tp, dc, nil
}

func containsUUID(list []bluetooth.UUID, u bluetooth.UUID) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}

type tinygoPeripheral struct {
	id      uuid.UUID
	address bluetooth.Address

	// gatt serializes blocking tinygo calls on this peripheral.
	gatt sync.Mutex

	mu           sync.Mutex
	name         string
	state        PeripheralState
	device       *bluetooth.Device
	cancelled    bool
	services     map[bluetooth.UUID]*bluetooth.DeviceService
	serviceOrder []bluetooth.UUID
	chars        map[Characteristic]*bluetooth.DeviceCharacteristic
	charOrder    []Characteristic
}

func (p *tinygoPeripheral) ID() uuid.UUID { return p.id }

// Address is the MAC (or platform UUID) the host uses for this peripheral.
func (p *tinygoPeripheral) Address() string { return p.address.String() }

func (p *tinygoPeripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *tinygoPeripheral) setName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *tinygoPeripheral) State() PeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *tinygoPeripheral) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, 0, len(p.serviceOrder))
	for _, su := range p.serviceOrder {
		s := Service{UUID: su}
		for _, c := range p.charOrder {
			if c.Service == su {
				s.Characteristics = append(s.Characteristics, c)
			}
		}
		out = append(out, s)
	}
	return out
}

func (p *tinygoPeripheral) withGATT(fn func()) {
	p.gatt.Lock()
	defer p.gatt.Unlock()
	fn()
}

// beginConnect reports whether a new adapter connect must start. A pending
// connect that was cancelled is taken over instead.
func (p *tinygoPeripheral) beginConnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeripheralConnecting {
		p.cancelled = false
		return false
	}
	if p.state == PeripheralConnected {
		return false
	}
	p.state = PeripheralConnecting
	p.cancelled = false
	return true
}

func (p *tinygoPeripheral) finishConnect(device *bluetooth.Device) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		p.state = PeripheralDisconnected
		p.cancelled = false
		return false
	}
	p.state = PeripheralConnected
	p.device = device
	p.services = make(map[bluetooth.UUID]*bluetooth.DeviceService)
	p.serviceOrder = nil
	p.chars = make(map[Characteristic]*bluetooth.DeviceCharacteristic)
	p.charOrder = nil
	return true
}

// beginDisconnect returns the device to disconnect, or nil when there is no
// live link. A pending connect is flagged and torn down when it completes.
func (p *tinygoPeripheral) beginDisconnect() *bluetooth.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case PeripheralConnecting:
		p.cancelled = true
		return nil
	case PeripheralConnected:
		p.state = PeripheralDisconnecting
		return p.device
	}
	return nil
}

// markDisconnected clears the link and reports whether the state changed.
func (p *tinygoPeripheral) markDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeripheralDisconnected {
		return false
	}
	p.state = PeripheralDisconnected
	p.device = nil
	p.services = nil
	p.serviceOrder = nil
	p.chars = nil
	p.charOrder = nil
	return true
}

func (p *tinygoPeripheral) addService(svc *bluetooth.DeviceService) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.services == nil {
		return
	}
	u := svc.UUID()
	if _, ok := p.services[u]; !ok {
		p.serviceOrder = append(p.serviceOrder, u)
	}
	p.services[u] = svc
}

func (p *tinygoPeripheral) service(u bluetooth.UUID) *bluetooth.DeviceService {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services[u]
}

func (p *tinygoPeripheral) addCharacteristic(c Characteristic, dc *bluetooth.DeviceCharacteristic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chars == nil {
		return
	}
	if _, ok := p.chars[c]; !ok {
		p.charOrder = append(p.charOrder, c)
	}
	p.chars[c] = dc
}
