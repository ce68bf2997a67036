package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// fakeScanner blocks in Scan until StopScan, then takes a moment to return,
// like a real adapter tearing its scan down.
type fakeScanner struct {
	mu      sync.Mutex
	starts  int
	running bool
	stop    chan struct{}
}

func (s *fakeScanner) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("already scanning")
	}
	s.running = true
	s.starts++
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	<-stop
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *fakeScanner) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return errors.New("not scanning")
	}
	close(s.stop)
	s.stop = nil
	return nil
}

func (s *fakeScanner) status() (starts int, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.running
}

func newScanHost(s scanner) *TinygoHost {
	return &TinygoHost{
		scanner:     s,
		peripherals: make(map[uuid.UUID]*tinygoPeripheral),
		byAddress:   make(map[string]*tinygoPeripheral),
	}
}

func waitScanning(t *testing.T, s *fakeScanner, starts int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, running := s.status()
		if got == starts && running {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("scanner starts = %d, running = %v; want %d running", got, running, starts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScanRestartStartsNewScan(t *testing.T) {
	s := &fakeScanner{}
	h := newScanHost(s)

	if err := h.Scan(nil, false); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	waitScanning(t, s, 1)

	h.StopScan()
	if _, running := s.status(); running {
		t.Fatal("StopScan() returned while the scan was still running")
	}
	if err := h.Scan(nil, true); err != nil {
		t.Fatalf("Scan() after StopScan error = %v", err)
	}
	waitScanning(t, s, 2)

	h.StopScan()
	if _, running := s.status(); running {
		t.Error("scan still running after final StopScan")
	}
}

func TestScanWhileScanningKeepsOneScan(t *testing.T) {
	s := &fakeScanner{}
	h := newScanHost(s)
	defer h.StopScan()

	if err := h.Scan(nil, false); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	waitScanning(t, s, 1)
	if err := h.Scan(nil, true); err != nil {
		t.Fatalf("second Scan() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if starts, _ := s.status(); starts != 1 {
		t.Errorf("scanner starts = %d, want 1", starts)
	}
}

func TestStopScanIdle(t *testing.T) {
	s := &fakeScanner{}
	newScanHost(s).StopScan()
	if starts, running := s.status(); starts != 0 || running {
		t.Errorf("idle StopScan touched the scanner: starts = %d, running = %v", starts, running)
	}
}

func TestBeginConnectTakesOverCancelledConnect(t *testing.T) {
	p := &tinygoPeripheral{}
	if !p.beginConnect() {
		t.Fatal("beginConnect() = false on an idle peripheral")
	}
	if p.beginDisconnect() != nil {
		t.Fatal("beginDisconnect() returned a device while connecting")
	}
	if p.beginConnect() {
		t.Error("beginConnect() = true while a connect is pending")
	}
	if !p.finishConnect(&bluetooth.Device{}) {
		t.Error("finishConnect() = false, want the retried connect to be kept")
	}
	if p.State() != PeripheralConnected {
		t.Errorf("State() = %s, want connected", p.State())
	}
}
