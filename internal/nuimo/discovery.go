package nuimo

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/discovery"
	"github.com/chaz8081/gonuimo/internal/loop"
)

// DiscoveryObserver receives controller discovery notifications on the loop.
type DiscoveryObserver interface {
	ControllerDiscovered(c *BluetoothController)
	ControllerRestored(c *BluetoothController)
	ControllerStoppedAdvertising(c *BluetoothController)
}

// NopDiscoveryObserver implements DiscoveryObserver with no-ops.
type NopDiscoveryObserver struct{}

func (NopDiscoveryObserver) ControllerDiscovered(*BluetoothController)         {}
func (NopDiscoveryObserver) ControllerRestored(*BluetoothController)           {}
func (NopDiscoveryObserver) ControllerStoppedAdvertising(*BluetoothController) {}

// DiscoveryOptions configures a Discovery.
type DiscoveryOptions struct {
	// Names lists accepted advertised names. Nil accepts DefaultName only;
	// an empty non-nil slice accepts any name.
	Names []string
	// Filter lists the advertised services to scan for. Nil scans for the
	// Nuimo services.
	Filter              []bluetooth.UUID
	ScanRestartInterval time.Duration
	Controller          Options
	Observer            DiscoveryObserver
}

// Discovery finds Nuimo controllers and owns one BluetoothController per
// identity.
type Discovery struct {
	loop *loop.Loop
	mgr  *discovery.Manager
	opts DiscoveryOptions

	// loop only
	controllers map[uuid.UUID]*BluetoothController
	trusted     map[uuid.UUID]bool
}

// NewDiscovery creates a discovery over host. The loop must be started by
// the caller.
func NewDiscovery(l *loop.Loop, host ble.Host, opts DiscoveryOptions) *Discovery {
	if opts.Names == nil {
		opts.Names = []string{DefaultName}
	}
	if opts.Filter == nil {
		opts.Filter = ServiceUUIDs()
	}
	if opts.Observer == nil {
		opts.Observer = NopDiscoveryObserver{}
	}
	d := &Discovery{
		loop:        l,
		opts:        opts,
		controllers: make(map[uuid.UUID]*BluetoothController),
		trusted:     make(map[uuid.UUID]bool),
	}
	d.mgr = discovery.New(l, host, discovery.Options{
		Factory:             d.create,
		Observer:            managerObserver{d},
		ScanRestartInterval: opts.ScanRestartInterval,
	})
	return d
}

func (d *Discovery) create(c device.Coordinator, p ble.Peripheral, adv ble.Advertisement) *device.Device {
	if !d.trusted[p.ID()] && !d.accepts(p.Name(), adv.LocalName) {
		slog.Debug("[NUIMO] ignoring peripheral", "id", p.ID(), "name", adv.LocalName)
		return nil
	}
	bc := NewBluetoothController(c, p, d.opts.Controller)
	d.controllers[p.ID()] = bc
	return bc.Device()
}

func (d *Discovery) accepts(names ...string) bool {
	if len(d.opts.Names) == 0 {
		return true
	}
	for _, n := range names {
		for _, want := range d.opts.Names {
			if n != "" && n == want {
				return true
			}
		}
	}
	return false
}

// Start starts scanning. See discovery.Manager.StartDiscovery.
func (d *Discovery) Start(updateReachability bool) {
	d.mgr.StartDiscovery(d.opts.Filter, updateReachability)
}

func (d *Discovery) Stop() { d.mgr.StopDiscovery() }

func (d *Discovery) IsDiscovering() bool { return d.mgr.IsDiscovering() }

// Restore adopts previously known controllers. Restored identities bypass
// the name filter.
func (d *Discovery) Restore(ids []uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	_ = d.loop.Call(context.Background(), func() {
		for _, id := range ids {
			d.trusted[id] = true
		}
	})
	d.mgr.Restore(ids)
}

// Controllers returns every controller created so far, ordered by identity.
func (d *Discovery) Controllers() []*BluetoothController {
	var out []*BluetoothController
	_ = d.loop.Call(context.Background(), func() {
		out = make([]*BluetoothController, 0, len(d.controllers))
		for _, c := range d.controllers {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Controller looks a controller up by identity string.
func (d *Discovery) Controller(id string) (*BluetoothController, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	var c *BluetoothController
	_ = d.loop.Call(context.Background(), func() { c = d.controllers[u] })
	return c, c != nil
}

// Close stops scanning and disconnects every controller.
func (d *Discovery) Close() { d.mgr.Close() }

type managerObserver struct{ d *Discovery }

func (o managerObserver) controller(dev *device.Device) *BluetoothController {
	return o.d.controllers[dev.ID()]
}

func (o managerObserver) DidDiscover(dev *device.Device) {
	if c := o.controller(dev); c != nil {
		o.d.opts.Observer.ControllerDiscovered(c)
	}
}

func (o managerObserver) DidRestore(dev *device.Device) {
	if c := o.controller(dev); c != nil {
		o.d.opts.Observer.ControllerRestored(c)
	}
}

func (o managerObserver) DidStopAdvertising(dev *device.Device) {
	if c := o.controller(dev); c != nil {
		o.d.opts.Observer.ControllerStoppedAdvertising(c)
	}
}

func (managerObserver) DidStartDiscovery() { slog.Debug("[NUIMO] discovery started") }
func (managerObserver) DidStopDiscovery()  { slog.Debug("[NUIMO] discovery stopped") }
