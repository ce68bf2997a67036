// Package virtual implements a Nuimo controller backed by a websocket
// endpoint instead of hardware. The remote side sends gestures as text
// messages of the form "Gesture[,value]", for example "Rotate,-40" or
// "ButtonPress", and receives "OK" or "Invalid gesture event" in reply.
// Matrix frames are sent back as binary messages in the LED wire format.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/gesture"
	"github.com/chaz8081/gonuimo/internal/matrix"
	"github.com/chaz8081/gonuimo/internal/nuimo"
)

const (
	replyOK      = "OK"
	replyInvalid = "Invalid gesture event"

	dialTimeout  = 10 * time.Second
	writeTimeout = time.Second
	maxBackoff   = 20 * time.Second
)

// Options configures a Controller.
type Options struct {
	Observer nuimo.Observer
	// Dialer defaults to websocket.DefaultDialer.
	Dialer                *websocket.Dialer
	MatrixBrightness      float64 // 0 means full brightness
	MatrixDisplayInterval time.Duration
	// ReconnectBackoff is the first delay before reconnecting an
	// auto-reconnecting controller. It doubles up to 20s.
	ReconnectBackoff time.Duration
}

// Controller is a websocket-backed nuimo.Controller. It is safe for
// concurrent use; events are delivered from its connection goroutine.
type Controller struct {
	url    string
	opts   Options
	dialer *websocket.Dialer

	mu            sync.Mutex
	state         device.State
	conn          *websocket.Conn
	cancel        context.CancelFunc
	running       bool
	autoReconnect bool
	closing       bool

	writeMu sync.Mutex
}

// New returns a disconnected controller for url (ws:// or wss://).
func New(url string, opts Options) *Controller {
	if opts.Observer == nil {
		opts.Observer = nuimo.NopObserver{}
	}
	if opts.MatrixBrightness == 0 {
		opts.MatrixBrightness = nuimo.DefaultMatrixBrightness
	}
	if opts.MatrixDisplayInterval <= 0 {
		opts.MatrixDisplayInterval = nuimo.DefaultMatrixDisplayInterval
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Controller{url: url, opts: opts, dialer: dialer}
}

// ID is the endpoint URL.
func (c *Controller) ID() string { return c.url }

func (c *Controller) State() device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BatteryLevel is always unknown.
func (c *Controller) BatteryLevel() int { return -1 }

func (c *Controller) Info() nuimo.Info {
	s := c.State()
	return nuimo.Info{
		ID:           c.url,
		Name:         "virtual",
		Kind:         "websocket",
		State:        s,
		Reachable:    s == device.Connected,
		BatteryLevel: -1,
	}
}

// Connect dials the endpoint in the background. With autoReconnect the
// controller redials with backoff until Disconnect.
func (c *Controller) Connect(autoReconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.closing = false
	c.autoReconnect = autoReconnect
	c.cancel = cancel
	go c.run(ctx)
}

// Disconnect closes the connection and stops reconnecting.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if !c.running || c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.autoReconnect = false
	c.cancel()
	conn := c.conn
	c.mu.Unlock()

	c.setState(device.Disconnecting, nil)
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	conn.Close()
}

// DisplayMatrix sends the encoded frame as a binary message. Websocket
// writes are never acknowledged, so no MatrixDisplayed event follows.
func (c *Controller) DisplayMatrix(m matrix.Matrix, interval time.Duration, opts matrix.WriteOptions) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == device.Connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return nuimo.ErrNotConnected
	}
	if interval <= 0 {
		interval = c.opts.MatrixDisplayInterval
	}
	frame := matrix.Frame{
		Matrix:         m,
		Brightness:     c.opts.MatrixBrightness,
		Interval:       interval,
		FadeTransition: opts.WithFadeTransition,
	}
	if err := c.write(conn, websocket.BinaryMessage, frame.Encode()); err != nil {
		return fmt.Errorf("virtual: display matrix: %w", err)
	}
	return nil
}

func (c *Controller) write(conn *websocket.Conn, kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

func (c *Controller) setState(to device.State, err error) {
	c.mu.Lock()
	from := c.state
	if from == to || !device.CanTransition(from, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	slog.Info("[VIRTUAL] state changed", "url", c.url, "from", from, "to", to)
	c.opts.Observer.HandleEvent(c, nuimo.ConnectionStateEvent{From: from, State: to, Err: err})
	if to == device.Connected || from == device.Connected {
		c.opts.Observer.HandleEvent(c, nuimo.ReachabilityEvent{Reachable: to == device.Connected})
	}
}

func (c *Controller) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.conn = nil
		c.mu.Unlock()
	}()

	backoff := c.opts.ReconnectBackoff
	for {
		c.setState(device.Connecting, nil)
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(device.Disconnected, nil)
			return
		}
		c.setState(device.Disconnected, err)

		c.mu.Lock()
		again := c.autoReconnect
		c.mu.Unlock()
		if !again {
			return
		}
		slog.Warn("[VIRTUAL] connection lost, reconnecting", "url", c.url, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session dials and serves one connection until it ends.
func (c *Controller) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("virtual: dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(device.Connected, nil)

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("virtual: read: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		reply := replyOK
		if ev, perr := ParseMessage(string(msg)); perr != nil {
			slog.Debug("[VIRTUAL] invalid message", "url", c.url, "message", string(msg), "error", perr)
			reply = replyInvalid
		} else {
			c.opts.Observer.HandleEvent(c, nuimo.GestureEvent{Event: ev})
		}
		if err := c.write(conn, websocket.TextMessage, []byte(reply)); err != nil {
			return fmt.Errorf("virtual: reply: %w", err)
		}
	}
}

var errEmptyMessage = errors.New("virtual: empty message")

// ParseMessage parses "Gesture[,value]". A missing or malformed value is 0.
func ParseMessage(msg string) (gesture.Event, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return gesture.Event{}, errEmptyMessage
	}
	name, rawValue, hasValue := strings.Cut(msg, ",")
	g, err := gesture.Parse(strings.TrimSpace(name))
	if err != nil {
		return gesture.Event{}, err
	}
	ev := gesture.Event{Gesture: g, HasValue: true}
	if hasValue {
		if v, err := strconv.Atoi(strings.TrimSpace(rawValue)); err == nil {
			ev.Value = v
		}
	}
	return ev, nil
}

var _ nuimo.Controller = (*Controller)(nil)
