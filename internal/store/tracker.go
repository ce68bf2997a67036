package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/nuimo"
)

// Tracker records controllers as they are discovered and connected, and
// optionally connects them. It is both a nuimo.Observer and a
// nuimo.DiscoveryObserver. Callbacks only queue work; Run writes it.
type Tracker struct {
	store       *Store
	autoConnect bool
	now         func() time.Time
	queue       chan func(context.Context) error
}

func NewTracker(s *Store, autoConnect bool) *Tracker {
	return &Tracker{
		store:       s,
		autoConnect: autoConnect,
		now:         time.Now,
		queue:       make(chan func(context.Context) error, 64),
	}
}

// AddressBook accepts last known peripheral addresses. ble.TinygoHost is an
// AddressBook.
type AddressBook interface {
	SetKnownAddress(id uuid.UUID, address, name string)
}

// Restore loads the auto-connect identities and registers their last known
// addresses with host, returning the identities to pass to
// nuimo.Discovery.Restore.
func (t *Tracker) Restore(ctx context.Context, host AddressBook) ([]uuid.UUID, error) {
	list, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, c := range list {
		if !c.AutoConnect {
			continue
		}
		if host != nil && c.Address != "" {
			host.SetKnownAddress(c.ID, c.Address, c.Name)
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (t *Tracker) enqueue(op string, fn func(context.Context) error) {
	select {
	case t.queue <- fn:
	default:
		t.store.logger.Warn("store queue full, dropping update", "op", op)
	}
}

// Run applies queued updates until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-t.queue:
			if err := fn(ctx); err != nil {
				t.store.logger.Warn("store update failed", "err", err)
			}
		}
	}
}

func (t *Tracker) seen(id uuid.UUID, address, name string) {
	at := t.now()
	t.enqueue("mark seen", func(ctx context.Context) error {
		return t.store.MarkSeen(ctx, id, address, name, at)
	})
}

func (t *Tracker) discovered(c *nuimo.BluetoothController) {
	dev := c.Device()
	address, name := "", ""
	if p := dev.Peripheral(); p != nil {
		address, name = ble.AddressOf(p), p.Name()
	}
	t.seen(dev.ID(), address, name)
	if t.autoConnect {
		slog.Info("[STORE] auto-connecting", "controller", dev.ID())
		c.Connect(true)
	}
}

func (t *Tracker) ControllerDiscovered(c *nuimo.BluetoothController) { t.discovered(c) }
func (t *Tracker) ControllerRestored(c *nuimo.BluetoothController)   { t.discovered(c) }

func (t *Tracker) ControllerStoppedAdvertising(*nuimo.BluetoothController) {}

// HandleEvent records successful connections of Bluetooth controllers.
func (t *Tracker) HandleEvent(c nuimo.Controller, ev nuimo.Event) {
	s, ok := ev.(nuimo.ConnectionStateEvent)
	if !ok || s.State != device.Connected {
		return
	}
	id, err := uuid.Parse(c.ID())
	if err != nil {
		return
	}
	at := t.now()
	t.enqueue("mark connected", func(ctx context.Context) error {
		return t.store.MarkConnected(ctx, id, at)
	})
}

var (
	_ nuimo.Observer          = (*Tracker)(nil)
	_ nuimo.DiscoveryObserver = (*Tracker)(nil)
)
