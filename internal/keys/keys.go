// Package keys turns controller gestures into keystrokes in the active
// application using robotgo.
package keys

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-vgo/robotgo"

	"github.com/chaz8081/gonuimo/internal/gesture"
	"github.com/chaz8081/gonuimo/internal/nuimo"
)

// Tapper presses one key with optional modifiers.
type Tapper interface {
	KeyTap(key string, mods ...string) error
}

// RobotTapper taps keys through robotgo.
type RobotTapper struct{}

func (RobotTapper) KeyTap(key string, mods ...string) error {
	args := make([]interface{}, len(mods))
	for i, m := range mods {
		args[i] = m
	}
	if err := robotgo.KeyTap(key, args...); err != nil {
		return fmt.Errorf("keys: key tap %s: %w", key, err)
	}
	return nil
}

// Binding is a key with modifiers, written "ctrl+shift+a".
type Binding struct {
	Key  string
	Mods []string
}

func (b Binding) String() string {
	return strings.Join(append(append([]string(nil), b.Mods...), b.Key), "+")
}

// ParseBinding parses "mod+mod+key". Names are lowercased robotgo key names.
func ParseBinding(s string) (Binding, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return Binding{}, fmt.Errorf("keys: empty key in binding %q", s)
		}
	}
	return Binding{Key: parts[len(parts)-1], Mods: parts[:len(parts)-1]}, nil
}

// Mapper implements nuimo.Observer. Gesture events are queued and tapped
// on the goroutine running Run, so observers on the event loop never wait
// for the desktop.
//
// A Rotate binding is written "clockwise|counterclockwise" and taps once
// per rotateStep units of accumulated rotation.
type Mapper struct {
	tapper     Tapper
	bindings   map[gesture.Gesture]Binding
	rotate     [2]*Binding // clockwise, counterclockwise
	rotateStep int

	queue  chan Binding
	paused atomic.Bool

	mu  sync.Mutex
	acc int
}

// New builds a Mapper from gesture identifier to binding strings.
func New(bindings map[string]string, rotateStep int, tapper Tapper) (*Mapper, error) {
	if tapper == nil {
		tapper = RobotTapper{}
	}
	if rotateStep <= 0 {
		rotateStep = 1
	}
	m := &Mapper{
		tapper:     tapper,
		bindings:   make(map[gesture.Gesture]Binding),
		rotateStep: rotateStep,
		queue:      make(chan Binding, 64),
	}
	for name, value := range bindings {
		g, err := gesture.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		if g == gesture.Rotate {
			cw, ccw, ok := strings.Cut(value, "|")
			if !ok {
				return nil, fmt.Errorf("keys: Rotate binding %q must be \"clockwise|counterclockwise\"", value)
			}
			for i, part := range []string{cw, ccw} {
				b, err := ParseBinding(part)
				if err != nil {
					return nil, err
				}
				m.rotate[i] = &b
			}
			continue
		}
		b, err := ParseBinding(value)
		if err != nil {
			return nil, err
		}
		m.bindings[g] = b
	}
	return m, nil
}

// SetPaused stops or resumes tapping. Rotation accumulated while paused is
// discarded.
func (m *Mapper) SetPaused(paused bool) {
	m.paused.Store(paused)
	if paused {
		m.mu.Lock()
		m.acc = 0
		m.mu.Unlock()
	}
	slog.Info("[KEYS] bindings toggled", "paused", paused)
}

func (m *Mapper) Paused() bool { return m.paused.Load() }

// HandleEvent implements nuimo.Observer.
func (m *Mapper) HandleEvent(c nuimo.Controller, ev nuimo.Event) {
	g, ok := ev.(nuimo.GestureEvent)
	if !ok || m.paused.Load() {
		return
	}
	for _, b := range m.resolve(g.Event) {
		select {
		case m.queue <- b:
		default:
			slog.Warn("[KEYS] queue full, dropping key", "controller", c.ID(), "key", b.String())
		}
	}
}

// resolve returns the keys a gesture maps to, in tap order.
func (m *Mapper) resolve(ev gesture.Event) []Binding {
	if ev.Gesture != gesture.Rotate {
		if b, ok := m.bindings[ev.Gesture]; ok {
			return []Binding{b}
		}
		return nil
	}
	if m.rotate[0] == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acc += ev.Value
	var out []Binding
	for m.acc >= m.rotateStep {
		out = append(out, *m.rotate[0])
		m.acc -= m.rotateStep
	}
	for m.acc <= -m.rotateStep {
		out = append(out, *m.rotate[1])
		m.acc += m.rotateStep
	}
	return out
}

// Run taps queued keys until ctx is cancelled.
func (m *Mapper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-m.queue:
			if m.paused.Load() {
				continue
			}
			if err := m.tapper.KeyTap(b.Key, b.Mods...); err != nil {
				slog.Warn("[KEYS] tap failed", "key", b.String(), "error", err)
			}
		}
	}
}

var _ nuimo.Observer = (*Mapper)(nil)
