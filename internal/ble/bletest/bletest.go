// Package bletest provides an in-memory ble.Host for tests. FakeHost records
// every request and can answer connects, discovery, reads and writes from a
// configured GATT table; tests drive anything else with Emit.
package bletest

import (
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
)

// Host operations recorded in Call.Op.
const (
	OpScan                    = "Scan"
	OpStopScan                = "StopScan"
	OpConnect                 = "Connect"
	OpCancelConnect           = "CancelConnect"
	OpDiscoverServices        = "DiscoverServices"
	OpDiscoverCharacteristics = "DiscoverCharacteristics"
	OpSetNotify               = "SetNotify"
	OpReadValue               = "ReadValue"
	OpWriteValue              = "WriteValue"
)

// Call is one recorded host request.
type Call struct {
	Op             string
	Peripheral     uuid.UUID
	Service        bluetooth.UUID
	UUIDs          []bluetooth.UUID
	Characteristic ble.Characteristic
	Data           []byte
	Mode           ble.WriteMode
	Enabled        bool
	AllowDups      bool
}

// FakePeripheral is a settable ble.Peripheral.
type FakePeripheral struct {
	id   uuid.UUID
	name string

	mu       sync.Mutex
	state    ble.PeripheralState
	services []ble.Service
}

// NewPeripheral returns a disconnected peripheral with a fresh identity.
func NewPeripheral(name string) *FakePeripheral {
	return &FakePeripheral{id: uuid.New(), name: name}
}

func (p *FakePeripheral) ID() uuid.UUID { return p.id }
func (p *FakePeripheral) Name() string  { return p.name }

func (p *FakePeripheral) State() ble.PeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *FakePeripheral) SetState(s ble.PeripheralState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if s == ble.PeripheralDisconnected {
		p.services = nil
	}
}

func (p *FakePeripheral) Services() []ble.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ble.Service, len(p.services))
	for i, s := range p.services {
		out[i] = ble.Service{UUID: s.UUID, Characteristics: append([]ble.Characteristic(nil), s.Characteristics...)}
	}
	return out
}

// SetServices replaces what the host reports as already discovered.
func (p *FakePeripheral) SetServices(services []ble.Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = services
}

func (p *FakePeripheral) addService(u bluetooth.UUID) {
	for _, s := range p.services {
		if s.UUID == u {
			return
		}
	}
	p.services = append(p.services, ble.Service{UUID: u})
}

func (p *FakePeripheral) addCharacteristic(c ble.Characteristic) {
	for i, s := range p.services {
		if s.UUID != c.Service {
			continue
		}
		for _, existing := range s.Characteristics {
			if existing == c {
				return
			}
		}
		p.services[i].Characteristics = append(p.services[i].Characteristics, c)
		return
	}
}

// FakeHost is a scriptable ble.Host. The zero value is not usable; call
// NewHost.
type FakeHost struct {
	// GATT is the table served to DiscoverServices and
	// DiscoverCharacteristics. Nil disables automatic discovery responses.
	GATT map[bluetooth.UUID][]bluetooth.UUID
	// AutoConnect answers Connect with a ConnectEvent.
	AutoConnect bool
	// AutoAck answers WithResponse writes with a ValueWrittenEvent.
	AutoAck bool
	// Values answers ReadValue.
	Values map[ble.Characteristic][]byte
	// WriteErr is returned by WriteValue when set.
	WriteErr error

	mu          sync.Mutex
	handler     func(ble.Event)
	power       ble.PowerState
	calls       []Call
	peripherals map[uuid.UUID]*FakePeripheral
}

// NewHost returns a powered-on host with no peripherals.
func NewHost() *FakeHost {
	return &FakeHost{
		power:       ble.PowerOn,
		peripherals: make(map[uuid.UUID]*FakePeripheral),
	}
}

// Add registers p so RetrievePeripherals can find it.
func (h *FakeHost) Add(p *FakePeripheral) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peripherals[p.ID()] = p
}

// Emit delivers ev to the registered handler on the calling goroutine.
func (h *FakeHost) Emit(ev ble.Event) {
	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// SetPower changes the power state and emits a PowerStateEvent.
func (h *FakeHost) SetPower(s ble.PowerState) {
	h.mu.Lock()
	h.power = s
	h.mu.Unlock()
	h.Emit(ble.PowerStateEvent{State: s})
}

// Advertise emits a DiscoverEvent for p.
func (h *FakeHost) Advertise(p *FakePeripheral, adv ble.Advertisement) {
	h.Add(p)
	h.Emit(ble.DiscoverEvent{Peripheral: p, Advertisement: adv})
}

// Calls returns the recorded requests for op, or all requests when op is
// empty.
func (h *FakeHost) Calls(op string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of recorded requests for op.
func (h *FakeHost) Count(op string) int {
	return len(h.Calls(op))
}

func (h *FakeHost) record(c Call) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

func fake(p ble.Peripheral) *FakePeripheral {
	fp, _ := p.(*FakePeripheral)
	return fp
}

func (h *FakeHost) SetHandler(fn func(ble.Event)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *FakeHost) PowerState() ble.PowerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.power
}

func (h *FakeHost) Scan(filter []bluetooth.UUID, allowDuplicates bool) error {
	h.record(Call{Op: OpScan, UUIDs: filter, AllowDups: allowDuplicates})
	return nil
}

func (h *FakeHost) StopScan() {
	h.record(Call{Op: OpStopScan})
}

func (h *FakeHost) Connect(p ble.Peripheral) {
	h.record(Call{Op: OpConnect, Peripheral: p.ID()})
	if !h.AutoConnect {
		return
	}
	if fp := fake(p); fp != nil {
		fp.SetState(ble.PeripheralConnected)
	}
	h.Emit(ble.ConnectEvent{Peripheral: p})
}

func (h *FakeHost) CancelConnect(p ble.Peripheral) {
	h.record(Call{Op: OpCancelConnect, Peripheral: p.ID()})
}

func (h *FakeHost) DiscoverServices(p ble.Peripheral, uuids []bluetooth.UUID) {
	h.record(Call{Op: OpDiscoverServices, Peripheral: p.ID(), UUIDs: uuids})
	fp := fake(p)
	if h.GATT == nil || fp == nil {
		return
	}
	fp.mu.Lock()
	for _, u := range uuids {
		if _, ok := h.GATT[u]; ok {
			fp.addService(u)
		}
	}
	fp.mu.Unlock()
	h.Emit(ble.ServicesDiscoveredEvent{Peripheral: p, Services: fp.Services()})
}

func (h *FakeHost) DiscoverCharacteristics(p ble.Peripheral, service bluetooth.UUID, uuids []bluetooth.UUID) {
	h.record(Call{Op: OpDiscoverCharacteristics, Peripheral: p.ID(), Service: service, UUIDs: uuids})
	fp := fake(p)
	if h.GATT == nil || fp == nil {
		return
	}
	var found []ble.Characteristic
	fp.mu.Lock()
	for _, u := range uuids {
		for _, served := range h.GATT[service] {
			if served == u {
				c := ble.Characteristic{Service: service, UUID: u}
				fp.addCharacteristic(c)
				found = append(found, c)
			}
		}
	}
	fp.mu.Unlock()
	h.Emit(ble.CharacteristicsDiscoveredEvent{Peripheral: p, Service: service, Characteristics: found})
}

func (h *FakeHost) SetNotify(p ble.Peripheral, c ble.Characteristic, enabled bool) error {
	h.record(Call{Op: OpSetNotify, Peripheral: p.ID(), Characteristic: c, Enabled: enabled})
	return nil
}

func (h *FakeHost) ReadValue(p ble.Peripheral, c ble.Characteristic) error {
	h.record(Call{Op: OpReadValue, Peripheral: p.ID(), Characteristic: c})
	if v, ok := h.Values[c]; ok {
		h.Emit(ble.ValueUpdatedEvent{Peripheral: p, Characteristic: c, Value: v})
	}
	return nil
}

func (h *FakeHost) WriteValue(p ble.Peripheral, c ble.Characteristic, data []byte, mode ble.WriteMode) error {
	if h.WriteErr != nil {
		return h.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.record(Call{Op: OpWriteValue, Peripheral: p.ID(), Characteristic: c, Data: cp, Mode: mode})
	if h.AutoAck && mode == ble.WithResponse {
		h.Emit(ble.ValueWrittenEvent{Peripheral: p, Characteristic: c})
	}
	return nil
}

func (h *FakeHost) RetrievePeripherals(ids []uuid.UUID) []ble.Peripheral {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ble.Peripheral
	for _, id := range ids {
		if p, ok := h.peripherals[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Compile-time check that FakeHost implements ble.Host.
var _ ble.Host = (*FakeHost)(nil)
