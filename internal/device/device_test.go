package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/ble/bletest"
	"github.com/chaz8081/gonuimo/internal/loop"
)

var (
	svcA  = bluetooth.New16BitUUID(0xAAA0)
	svcB  = bluetooth.New16BitUUID(0xBBB0)
	chLED = ble.Characteristic{Service: svcA, UUID: bluetooth.New16BitUUID(0xAAA1)}
	chBtn = ble.Characteristic{Service: svcA, UUID: bluetooth.New16BitUUID(0xAAA2)}
	chBat = ble.Characteristic{Service: svcB, UUID: bluetooth.New16BitUUID(0xBBB1)}
)

func testProfile() Profile {
	return Profile{
		Services: []ServiceProfile{
			{UUID: svcA, Characteristics: []bluetooth.UUID{chLED.UUID, chBtn.UUID}},
			{UUID: svcB, Characteristics: []bluetooth.UUID{chBat.UUID}},
		},
		Notify:   []ble.Characteristic{chBtn, chBat},
		Required: chLED,
	}
}

func fullGATT() map[bluetooth.UUID][]bluetooth.UUID {
	return map[bluetooth.UUID][]bluetooth.UUID{
		svcA: {chLED.UUID, chBtn.UUID},
		svcB: {chBat.UUID},
	}
}

type testCoord struct {
	l    *loop.Loop
	host *bletest.FakeHost

	power   ble.PowerState
	stopped int
}

func (c *testCoord) Loop() *loop.Loop                 { return c.l }
func (c *testCoord) Host() ble.Host                   { return c.host }
func (c *testCoord) PowerState() ble.PowerState       { return c.power }
func (c *testCoord) DeviceStoppedAdvertising(*Device) { c.stopped++ }

type transition struct {
	from, to State
	err      error
}

// recordingStrategy is only touched on the loop.
type recordingStrategy struct {
	NopStrategy
	transitions  []transition
	discovered   []ble.Characteristic
	reachability []bool
	updates      int
}

func (s *recordingStrategy) CharacteristicDiscovered(_ *Device, c ble.Characteristic) {
	s.discovered = append(s.discovered, c)
}

func (s *recordingStrategy) StateChanged(_ *Device, from, to State, err error) {
	s.transitions = append(s.transitions, transition{from, to, err})
}

func (s *recordingStrategy) ReachabilityChanged(_ *Device, reachable bool) {
	s.reachability = append(s.reachability, reachable)
}

func (s *recordingStrategy) ValueUpdated(*Device, ble.Characteristic, []byte, error) {
	s.updates++
}

type harness struct {
	t     *testing.T
	l     *loop.Loop
	host  *bletest.FakeHost
	coord *testCoord
	p     *bletest.FakePeripheral
	dev   *Device
	strat *recordingStrategy
}

func newHarness(t *testing.T, desc Descriptor) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(loop.Options{Strict: true})
	l.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})

	host := bletest.NewHost()
	coord := &testCoord{l: l, host: host, power: ble.PowerOn}
	p := bletest.NewPeripheral("Nuimo")
	host.Add(p)
	strat := &recordingStrategy{}
	dev := New(coord, p, desc, strat)

	host.SetHandler(func(ev ble.Event) {
		l.Do(func() { dev.HandleEvent(ev) })
	})
	return &harness{t: t, l: l, host: host, coord: coord, p: p, dev: dev, strat: strat}
}

// do runs fn on the loop and lets the events it caused settle.
func (h *harness) do(fn func()) {
	h.t.Helper()
	if err := h.l.Call(context.Background(), fn); err != nil {
		h.t.Fatalf("Call() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := h.l.Call(context.Background(), func() {}); err != nil {
			h.t.Fatalf("Call() error = %v", err)
		}
	}
}

func (h *harness) state() State {
	var s State
	h.do(func() { s = h.dev.State() })
	return s
}

func defaultDescriptor() Descriptor {
	return Descriptor{Profile: testProfile(), RetryCount: 3}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connecting, Disconnecting, true},
		{Connected, Connecting, false},
		{Connected, Disconnecting, true},
		{Disconnecting, Connecting, false},
		{Disconnecting, Disconnected, true},
		{Connected, Invalidated, true},
		{Disconnected, Invalidated, true},
		{Invalidated, Invalidated, false},
		{Invalidated, Connecting, false},
		{Invalidated, Disconnected, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestConnectReachesConnected(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.host.AutoConnect = true
	h.host.GATT = fullGATT()

	h.do(func() { h.dev.Connect(false) })

	if got := h.state(); got != Connected {
		t.Fatalf("state = %s, want connected", got)
	}
	h.do(func() {
		want := []transition{{Disconnected, Connecting, nil}, {Connecting, Connected, nil}}
		if len(h.strat.transitions) != len(want) {
			t.Errorf("transitions = %+v, want %+v", h.strat.transitions, want)
			return
		}
		for i := range want {
			if h.strat.transitions[i] != want[i] {
				t.Errorf("transition %d = %+v, want %+v", i, h.strat.transitions[i], want[i])
			}
		}
		if len(h.strat.discovered) != 3 {
			t.Errorf("discovered = %v, want 3 characteristics once each", h.strat.discovered)
		}
		if !h.dev.DidInitiateConnection() {
			t.Error("DidInitiateConnection() = false")
		}
		if !h.dev.HasCharacteristic(chBat) {
			t.Error("HasCharacteristic(battery) = false")
		}
	})

	notified := map[ble.Characteristic]bool{}
	for _, c := range h.host.Calls(bletest.OpSetNotify) {
		notified[c.Characteristic] = c.Enabled
	}
	if !notified[chBtn] || !notified[chBat] || len(notified) != 2 {
		t.Errorf("SetNotify calls = %v, want button and battery", notified)
	}
}

func TestConnectNoOpWhileConnectingOrConnected(t *testing.T) {
	h := newHarness(t, defaultDescriptor())

	h.do(func() {
		h.dev.Connect(false)
		h.dev.Connect(true)
	})
	if got := h.host.Count(bletest.OpConnect); got != 1 {
		t.Fatalf("host Connect calls while connecting = %d, want 1", got)
	}

	h.host.GATT = fullGATT()
	h.host.Emit(ble.ConnectEvent{Peripheral: h.p})
	if got := h.state(); got != Connected {
		t.Fatalf("state = %s, want connected", got)
	}
	h.do(func() { h.dev.Connect(true) })
	if got := h.host.Count(bletest.OpConnect); got != 1 {
		t.Errorf("host Connect calls while connected = %d, want 1", got)
	}
	h.do(func() {
		if len(h.strat.transitions) != 2 {
			t.Errorf("transitions = %+v, want exactly 2", h.strat.transitions)
		}
	})
}

func TestDisconnectNoOpWhileDisconnected(t *testing.T) {
	h := newHarness(t, defaultDescriptor())

	h.do(func() { h.dev.Disconnect() })

	if got := h.host.Count(bletest.OpCancelConnect); got != 0 {
		t.Errorf("CancelConnect calls = %d, want 0", got)
	}
	h.do(func() {
		if len(h.strat.transitions) != 0 {
			t.Errorf("transitions = %+v, want none", h.strat.transitions)
		}
	})
}

func TestConnectSkippedWhenPoweredOff(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.do(func() {
		h.coord.power = ble.PowerOff
		h.dev.Connect(true)
	})
	if got := h.host.Count(bletest.OpConnect); got != 0 {
		t.Errorf("host Connect calls = %d, want 0", got)
	}
}

func TestRetryBound(t *testing.T) {
	const retries = 3
	h := newHarness(t, Descriptor{Profile: testProfile(), RetryCount: retries})
	cause := errors.New("link timeout")

	h.do(func() { h.dev.Connect(false) })
	for i := 0; i < retries; i++ {
		h.host.Emit(ble.ConnectFailedEvent{Peripheral: h.p, Err: cause})
		if got := h.state(); got != Connecting {
			t.Fatalf("after failure %d state = %s, want connecting", i+1, got)
		}
	}
	h.host.Emit(ble.ConnectFailedEvent{Peripheral: h.p, Err: cause})

	if got := h.state(); got != Disconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if got := h.host.Count(bletest.OpConnect); got != retries+1 {
		t.Errorf("host Connect calls = %d, want %d", got, retries+1)
	}
	h.do(func() {
		if len(h.strat.transitions) != 2 {
			t.Errorf("transitions = %+v, want connecting then disconnected", h.strat.transitions)
			return
		}
		last := h.strat.transitions[1]
		if last.to != Disconnected || !errors.Is(last.err, cause) {
			t.Errorf("final transition = %+v, want disconnected wrapping %v", last, cause)
		}
	})
}

func TestConnectTimeoutCountsAsFailure(t *testing.T) {
	const retries = 2
	h := newHarness(t, Descriptor{Profile: testProfile(), RetryCount: retries, ConnectionTimeout: 20 * time.Millisecond})

	h.do(func() { h.dev.Connect(false) })
	deadline := time.Now().Add(2 * time.Second)
	for h.state() != Disconnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want disconnected after %d timeouts", h.state(), retries+1)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := h.host.Count(bletest.OpConnect); got != retries+1 {
		t.Errorf("host Connect calls = %d, want %d", got, retries+1)
	}
	if got := h.host.Count(bletest.OpCancelConnect); got != retries+1 {
		t.Errorf("host CancelConnect calls = %d, want %d", got, retries+1)
	}
	h.do(func() {
		last := h.strat.transitions[len(h.strat.transitions)-1]
		if !errors.Is(last.err, ErrConnectTimeout) {
			t.Errorf("final transition error = %v, want ErrConnectTimeout", last.err)
		}
	})
}

func TestConnectTimeoutStopsOnConnect(t *testing.T) {
	desc := defaultDescriptor()
	desc.ConnectionTimeout = 20 * time.Millisecond
	h := newHarness(t, desc)
	h.host.AutoConnect = true
	h.host.GATT = fullGATT()

	h.do(func() { h.dev.Connect(false) })
	time.Sleep(60 * time.Millisecond)

	if got := h.state(); got != Connected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := h.host.Count(bletest.OpCancelConnect); got != 0 {
		t.Errorf("host CancelConnect calls = %d, want 0", got)
	}
}

func TestConnectedRequiresLEDCharacteristic(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.host.AutoConnect = true
	h.host.GATT = map[bluetooth.UUID][]bluetooth.UUID{
		svcA: {chBtn.UUID},
		svcB: {chBat.UUID},
	}

	h.do(func() { h.dev.Connect(false) })
	if got := h.state(); got != Connecting {
		t.Fatalf("state without LED characteristic = %s, want connecting", got)
	}

	h.host.Emit(ble.CharacteristicsDiscoveredEvent{Peripheral: h.p, Service: svcA, Characteristics: []ble.Characteristic{chLED}})
	if got := h.state(); got != Connected {
		t.Errorf("state after LED characteristic = %s, want connected", got)
	}
}

func TestDiscoveryReplaysKnownServices(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.p.SetServices([]ble.Service{{UUID: svcA, Characteristics: []ble.Characteristic{chLED}}})

	h.do(func() { h.dev.Connect(false) })
	h.host.Emit(ble.ConnectEvent{Peripheral: h.p})

	if got := h.state(); got != Connected {
		t.Fatalf("state = %s, want connected from replayed LED characteristic", got)
	}

	svcCalls := h.host.Calls(bletest.OpDiscoverServices)
	if len(svcCalls) != 1 || len(svcCalls[0].UUIDs) != 1 || svcCalls[0].UUIDs[0] != svcB {
		t.Errorf("DiscoverServices calls = %+v, want only the missing service", svcCalls)
	}
	charCalls := h.host.Calls(bletest.OpDiscoverCharacteristics)
	if len(charCalls) != 1 || charCalls[0].Service != svcA || len(charCalls[0].UUIDs) != 1 || charCalls[0].UUIDs[0] != chBtn.UUID {
		t.Errorf("DiscoverCharacteristics calls = %+v, want only the missing button characteristic", charCalls)
	}

	// Replaying the same discovery result does not re-run the hooks.
	h.host.Emit(ble.CharacteristicsDiscoveredEvent{Peripheral: h.p, Service: svcA, Characteristics: []ble.Characteristic{chLED, chBtn}})
	h.host.Emit(ble.CharacteristicsDiscoveredEvent{Peripheral: h.p, Service: svcA, Characteristics: []ble.Characteristic{chBtn}})
	h.do(func() {
		if len(h.strat.discovered) != 2 {
			t.Errorf("discovered = %v, want LED and button once each", h.strat.discovered)
		}
	})
}

func TestDisconnectCancelsAndStaysDown(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.host.AutoConnect = true
	h.host.GATT = fullGATT()
	h.do(func() { h.dev.Connect(true) })

	h.do(func() { h.dev.Disconnect() })
	if got := h.state(); got != Disconnecting {
		t.Fatalf("state = %s, want disconnecting", got)
	}
	if got := h.host.Count(bletest.OpCancelConnect); got != 1 {
		t.Fatalf("CancelConnect calls = %d, want 1", got)
	}

	h.host.Emit(ble.DisconnectEvent{Peripheral: h.p})
	if got := h.state(); got != Disconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if got := h.host.Count(bletest.OpConnect); got != 1 {
		t.Errorf("host Connect calls = %d, want no reconnect after Disconnect", got)
	}
}

func TestDroppedConnectionReconnects(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.host.GATT = fullGATT()
	h.do(func() { h.dev.Connect(true) })
	h.host.Emit(ble.ConnectEvent{Peripheral: h.p})
	if got := h.state(); got != Connected {
		t.Fatalf("state = %s, want connected", got)
	}

	h.host.Emit(ble.DisconnectEvent{Peripheral: h.p, Err: errors.New("supervision timeout")})

	if got := h.state(); got != Connecting {
		t.Errorf("state = %s, want connecting again", got)
	}
	if got := h.host.Count(bletest.OpConnect); got != 2 {
		t.Errorf("host Connect calls = %d, want 2", got)
	}
	h.do(func() {
		n := len(h.strat.transitions)
		if n < 2 || h.strat.transitions[n-2].to != Disconnected || h.strat.transitions[n-1].to != Connecting {
			t.Errorf("transitions = %+v, want disconnected then connecting", h.strat.transitions)
		}
	})
}

func TestAdvertisingTimeout(t *testing.T) {
	h := newHarness(t, Descriptor{Profile: testProfile(), MaxAdvertisingInterval: 30 * time.Millisecond})

	h.do(func() {
		h.dev.HandleAdvertisement(time.Now(), true)
		if !h.dev.IsReachable() {
			t.Error("IsReachable() = false right after advertisement")
		}
	})
	time.Sleep(120 * time.Millisecond)

	h.do(func() {
		if h.dev.IsReachable() {
			t.Error("IsReachable() = true after advertising timeout")
		}
		if h.coord.stopped != 1 {
			t.Errorf("DeviceStoppedAdvertising calls = %d, want 1", h.coord.stopped)
		}
		if len(h.strat.reachability) != 2 || !h.strat.reachability[0] || h.strat.reachability[1] {
			t.Errorf("reachability changes = %v, want [true false]", h.strat.reachability)
		}
	})
}

func TestAdvertisementWithoutMoreNeverExpires(t *testing.T) {
	h := newHarness(t, Descriptor{Profile: testProfile(), MaxAdvertisingInterval: 20 * time.Millisecond})

	h.do(func() { h.dev.HandleAdvertisement(time.Now(), false) })
	time.Sleep(60 * time.Millisecond)

	h.do(func() {
		if !h.dev.IsReachable() {
			t.Error("IsReachable() = false, want true when no further advertisements are promised")
		}
		if h.coord.stopped != 0 {
			t.Errorf("DeviceStoppedAdvertising calls = %d, want 0", h.coord.stopped)
		}
	})
}

func TestRestoreConnectedPeripheral(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.p.SetState(ble.PeripheralConnected)
	h.p.SetServices([]ble.Service{
		{UUID: svcA, Characteristics: []ble.Characteristic{chLED, chBtn}},
		{UUID: svcB, Characteristics: []ble.Characteristic{chBat}},
	})

	h.do(func() { h.dev.Restore() })

	if got := h.state(); got != Connected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := h.host.Count(bletest.OpConnect); got != 0 {
		t.Errorf("host Connect calls = %d, want 0 for a restored connection", got)
	}
	if got := h.host.Count(bletest.OpDiscoverServices) + h.host.Count(bletest.OpDiscoverCharacteristics); got != 0 {
		t.Errorf("discovery requests = %d, want 0 with a fully known table", got)
	}
	h.do(func() {
		if !h.dev.DidInitiateConnection() {
			t.Error("DidInitiateConnection() = false after restore")
		}
	})
}

func TestPowerCycleInvalidatesAndReconnects(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.host.AutoConnect = true
	h.host.GATT = fullGATT()
	h.do(func() { h.dev.Connect(true) })

	h.do(func() {
		h.coord.power = ble.PowerOff
		h.dev.HandlePowerState(ble.PowerOff)
	})
	if got := h.state(); got != Invalidated {
		t.Fatalf("state after power off = %s, want invalidated", got)
	}

	// The host link is gone; a late disconnect must not revive the device.
	h.p.SetState(ble.PeripheralDisconnected)
	h.host.Emit(ble.DisconnectEvent{Peripheral: h.p})
	if got := h.state(); got != Invalidated {
		t.Fatalf("state after late disconnect = %s, want invalidated", got)
	}

	h.do(func() {
		h.coord.power = ble.PowerOn
		h.dev.HandlePowerState(ble.PowerOn)
	})
	if got := h.state(); got != Connected {
		t.Errorf("state after power on = %s, want connected again", got)
	}
	if got := h.host.Count(bletest.OpConnect); got != 2 {
		t.Errorf("host Connect calls = %d, want 2", got)
	}
}

func TestReadWriteRequireDiscovery(t *testing.T) {
	h := newHarness(t, defaultDescriptor())
	h.do(func() {
		if err := h.dev.Write(chLED, []byte{1}, ble.WithResponse); !errors.Is(err, ble.ErrNotConnected) {
			t.Errorf("Write() before connect error = %v, want ErrNotConnected", err)
		}
	})

	h.host.AutoConnect = true
	h.host.GATT = map[bluetooth.UUID][]bluetooth.UUID{svcA: {chLED.UUID, chBtn.UUID}}
	h.do(func() { h.dev.Connect(false) })

	h.do(func() {
		if err := h.dev.Read(chBat); !errors.Is(err, ble.ErrUnknownCharacteristic) {
			t.Errorf("Read(battery) error = %v, want ErrUnknownCharacteristic", err)
		}
		if err := h.dev.Write(chLED, []byte{1}, ble.WithoutResponse); err != nil {
			t.Errorf("Write(LED) error = %v", err)
		}
	})
	if got := h.host.Count(bletest.OpWriteValue); got != 1 {
		t.Errorf("WriteValue calls = %d, want 1", got)
	}
}
