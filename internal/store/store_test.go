package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "controllers.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMarkSeenCreatesAndUpdates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := uuid.New()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.MarkSeen(ctx, id, "AA:BB:CC:DD:EE:FF", "Nuimo", first); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.Address != "AA:BB:CC:DD:EE:FF" || c.Name != "Nuimo" {
		t.Errorf("Get() = %+v, want address and name stored", c)
	}
	if !c.AutoConnect {
		t.Error("new controller should auto-connect")
	}
	if !c.LastSeen.Equal(first) {
		t.Errorf("LastSeen = %v, want %v", c.LastSeen, first)
	}
	if !c.LastConnected.IsZero() {
		t.Errorf("LastConnected = %v, want zero", c.LastConnected)
	}

	later := first.Add(time.Hour)
	if err := s.MarkSeen(ctx, id, "", "", later); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	c, _ = s.Get(ctx, id)
	if c.Address != "AA:BB:CC:DD:EE:FF" || c.Name != "Nuimo" {
		t.Errorf("empty values overwrote stored ones: %+v", c)
	}
	if !c.LastSeen.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", c.LastSeen, later)
	}
}

func TestMarkConnected(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := uuid.New()
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)

	if err := s.MarkConnected(ctx, id, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkConnected() unknown error = %v, want ErrNotFound", err)
	}
	if err := s.MarkSeen(ctx, id, "", "Nuimo", at.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	if err := s.MarkConnected(ctx, id, at); err != nil {
		t.Fatalf("MarkConnected() error = %v", err)
	}
	c, _ := s.Get(ctx, id)
	if !c.LastConnected.Equal(at) {
		t.Errorf("LastConnected = %v, want %v", c.LastConnected, at)
	}
}

func TestListOrderAndAutoConnect(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older, newer, muted := uuid.New(), uuid.New(), uuid.New()

	for i, id := range []uuid.UUID{older, newer, muted} {
		if err := s.MarkSeen(ctx, id, "", "Nuimo", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("MarkSeen() error = %v", err)
		}
	}
	if err := s.SetAutoConnect(ctx, muted, false); err != nil {
		t.Fatalf("SetAutoConnect() error = %v", err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != muted || all[1].ID != newer || all[2].ID != older {
		t.Fatalf("List() = %+v, want 3 controllers, most recent first", all)
	}
	if all[0].AutoConnect || !all[1].AutoConnect || !all[2].AutoConnect {
		t.Errorf("AutoConnect = %v %v %v, want false true true", all[0].AutoConnect, all[1].AutoConnect, all[2].AutoConnect)
	}
}

func TestDelete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	id := uuid.New()
	if err := s.MarkSeen(ctx, id, "", "Nuimo", time.Now()); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controllers.db")
	ctx := context.Background()
	id := uuid.New()

	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.MarkSeen(ctx, id, "", "Nuimo", time.Now()); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	s.Close()

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open() again error = %v", err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, id); err != nil {
		t.Errorf("Get() after reopen error = %v", err)
	}
}

func TestCloseNil(t *testing.T) {
	var s *Store
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil = %v, want nil", err)
	}
}
