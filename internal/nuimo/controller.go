// Package nuimo implements the Nuimo controller on top of the generic device
// state machine: its GATT table, gesture and info notifications, LED matrix
// output and firmware commands.
package nuimo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/gesture"
	"github.com/chaz8081/gonuimo/internal/loop"
	"github.com/chaz8081/gonuimo/internal/matrix"
)

var (
	// ErrNotConnected is returned by output operations while the controller
	// has no usable link.
	ErrNotConnected = errors.New("nuimo: not connected")
	// ErrNotSupported is returned for commands the connected firmware does
	// not expose.
	ErrNotSupported = errors.New("nuimo: not supported by firmware")
)

// Controller is a Nuimo, either a Bluetooth device or a virtual one.
type Controller interface {
	// ID is stable for the controller's lifetime.
	ID() string
	State() device.State
	// BatteryLevel is in percent, -1 until known.
	BatteryLevel() int
	Info() Info
	Connect(autoReconnect bool)
	Disconnect()
	// DisplayMatrix shows m for interval. A non-positive interval uses the
	// controller's default display interval.
	DisplayMatrix(m matrix.Matrix, interval time.Duration, opts matrix.WriteOptions) error
}

// Info is a point-in-time snapshot of a controller.
type Info struct {
	ID                           string       `json:"id"`
	Name                         string       `json:"name"`
	Kind                         string       `json:"kind"`
	State                        device.State `json:"state"`
	Reachable                    bool         `json:"reachable"`
	BatteryLevel                 int          `json:"battery_level"`
	FirmwareVersion              string       `json:"firmware_version,omitempty"`
	HardwareVersion              string       `json:"hardware_version,omitempty"`
	ModelNumber                  string       `json:"model_number,omitempty"`
	SupportsRebootToDFUMode      bool         `json:"supports_reboot_to_dfu_mode"`
	SupportsFlySensorCalibration bool         `json:"supports_fly_sensor_calibration"`
}

// Options configures a BluetoothController. Zero values select the defaults.
type Options struct {
	RetryCount             int
	MaxAdvertisingInterval time.Duration
	// ConnectionTimeout bounds each connect attempt. Zero selects
	// DefaultConnectionTimeout.
	ConnectionTimeout time.Duration
	// MatrixBrightness is 0..1. Nil means DefaultMatrixBrightness.
	MatrixBrightness      *float64
	MatrixDisplayInterval time.Duration
	MatrixAckTimeout      time.Duration
	// HeartbeatInterval is written to the controller on connect, in whole
	// seconds clamped to 0..255. Zero disables the heartbeat.
	HeartbeatInterval time.Duration
	Observer          Observer
}

// BluetoothController drives one Nuimo over BLE. Its state lives on the
// discovery loop; exported methods are safe from any goroutine.
type BluetoothController struct {
	dev      *device.Device
	loop     *loop.Loop
	observer Observer

	displayInterval time.Duration
	brightness      float64
	ackTimeout      time.Duration
	heartbeat       time.Duration

	writer   *matrix.Writer
	battery  int
	firmware string
	hardware string
	model    string
}

// NewBluetoothController creates the controller and its device for p.
func NewBluetoothController(c device.Coordinator, p ble.Peripheral, opts Options) *BluetoothController {
	bc := &BluetoothController{
		loop:            c.Loop(),
		observer:        opts.Observer,
		displayInterval: opts.MatrixDisplayInterval,
		brightness:      DefaultMatrixBrightness,
		ackTimeout:      opts.MatrixAckTimeout,
		heartbeat:       opts.HeartbeatInterval,
		battery:         -1,
	}
	if bc.observer == nil {
		bc.observer = NopObserver{}
	}
	if bc.displayInterval <= 0 {
		bc.displayInterval = DefaultMatrixDisplayInterval
	}
	if opts.MatrixBrightness != nil {
		bc.brightness = *opts.MatrixBrightness
	}
	desc := NewDescriptor(opts.RetryCount, opts.MaxAdvertisingInterval)
	if opts.ConnectionTimeout > 0 {
		desc.ConnectionTimeout = opts.ConnectionTimeout
	}
	bc.dev = device.New(c, p, desc, bc)
	return bc
}

// Device returns the underlying state machine. Loop only.
func (c *BluetoothController) Device() *device.Device { return c.dev }

func (c *BluetoothController) ID() string { return c.dev.ID().String() }

// call runs fn on the loop, inline when already there.
func (c *BluetoothController) call(fn func()) error {
	if err := c.loop.Call(context.Background(), fn); err != nil {
		return fmt.Errorf("nuimo: %s: %w", c.dev.ID(), err)
	}
	return nil
}

func (c *BluetoothController) State() device.State {
	s := device.Disconnected
	_ = c.call(func() { s = c.dev.State() })
	return s
}

func (c *BluetoothController) BatteryLevel() int {
	level := -1
	_ = c.call(func() { level = c.battery })
	return level
}

func (c *BluetoothController) Info() Info {
	var info Info
	_ = c.call(func() { info = c.info() })
	return info
}

func (c *BluetoothController) info() Info {
	name := ""
	if p := c.dev.Peripheral(); p != nil {
		name = p.Name()
	}
	return Info{
		ID:                           c.ID(),
		Name:                         name,
		Kind:                         "bluetooth",
		State:                        c.dev.State(),
		Reachable:                    c.dev.IsReachable(),
		BatteryLevel:                 c.battery,
		FirmwareVersion:              c.firmware,
		HardwareVersion:              c.hardware,
		ModelNumber:                  c.model,
		SupportsRebootToDFUMode:      c.dev.HasCharacteristic(RebootToDFU),
		SupportsFlySensorCalibration: c.dev.HasCharacteristic(FlyCalibration),
	}
}

// SupportsRebootToDFUMode reports whether the connected firmware exposes the
// DFU reboot command.
func (c *BluetoothController) SupportsRebootToDFUMode() bool {
	var ok bool
	_ = c.call(func() { ok = c.dev.HasCharacteristic(RebootToDFU) })
	return ok
}

// SupportsFlySensorCalibration reports whether the connected firmware
// exposes fly sensor calibration.
func (c *BluetoothController) SupportsFlySensorCalibration() bool {
	var ok bool
	_ = c.call(func() { ok = c.dev.HasCharacteristic(FlyCalibration) })
	return ok
}

func (c *BluetoothController) Connect(autoReconnect bool) {
	_ = c.call(func() { c.dev.Connect(autoReconnect) })
}

func (c *BluetoothController) Disconnect() {
	_ = c.call(func() { c.dev.Disconnect() })
}

func (c *BluetoothController) DisplayMatrix(m matrix.Matrix, interval time.Duration, opts matrix.WriteOptions) error {
	var err error
	if cerr := c.call(func() {
		if c.writer == nil {
			err = ErrNotConnected
			return
		}
		if interval <= 0 {
			interval = c.displayInterval
		}
		c.writer.Write(m, interval, opts)
	}); cerr != nil {
		return cerr
	}
	return err
}

// SetMatrixBrightness sets the brightness (0..1) of subsequent frames.
func (c *BluetoothController) SetMatrixBrightness(b float64) {
	_ = c.call(func() {
		c.brightness = b
		if c.writer != nil {
			c.writer.SetBrightness(b)
		}
	})
}

// SetHeartbeatInterval changes the heartbeat interval and writes it to a
// connected controller.
func (c *BluetoothController) SetHeartbeatInterval(d time.Duration) error {
	var err error
	if cerr := c.call(func() {
		c.heartbeat = d
		if c.dev.State() == device.Connected {
			err = c.writeHeartbeat()
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// RebootToDFUMode restarts the controller into its firmware update mode.
func (c *BluetoothController) RebootToDFUMode() error {
	return c.command(RebootToDFU)
}

// CalibrateFlySensor starts the fly sensor calibration.
func (c *BluetoothController) CalibrateFlySensor() error {
	return c.command(FlyCalibration)
}

func (c *BluetoothController) command(ch ble.Characteristic) error {
	var err error
	if cerr := c.call(func() {
		if c.dev.State() != device.Connected {
			err = ErrNotConnected
			return
		}
		if !c.dev.HasCharacteristic(ch) {
			err = ErrNotSupported
			return
		}
		slog.Info("[NUIMO] sending command", "id", c.dev.ID(), "characteristic", ch)
		err = c.dev.Write(ch, []byte{0x01}, ble.WithResponse)
	}); cerr != nil {
		return cerr
	}
	return err
}

func heartbeatPayload(d time.Duration) []byte {
	secs := int64(d / time.Second)
	secs = max(0, min(maxHeartbeatSeconds, secs))
	return []byte{byte(secs)}
}

func (c *BluetoothController) writeHeartbeat() error {
	if !c.dev.HasCharacteristic(Heartbeat) {
		return nil
	}
	if err := c.dev.Write(Heartbeat, heartbeatPayload(c.heartbeat), ble.WithResponse); err != nil {
		return fmt.Errorf("nuimo: write heartbeat: %w", err)
	}
	return nil
}

func (c *BluetoothController) sendFrame(frame []byte, withAck bool) error {
	mode := ble.WithResponse
	if !withAck {
		mode = ble.WithoutResponse
	}
	return c.dev.Write(LEDMatrix, frame, mode)
}

func (c *BluetoothController) emit(ev Event) {
	c.observer.HandleEvent(c, ev)
}

// CharacteristicDiscovered implements device.Strategy.
func (c *BluetoothController) CharacteristicDiscovered(d *device.Device, ch ble.Characteristic) {
	switch ch {
	case FirmwareVersion, HardwareVersion, ModelNumber, BatteryLevel:
		if err := d.Read(ch); err != nil {
			slog.Warn("[NUIMO] read failed", "id", d.ID(), "characteristic", ch, "error", err)
		}
	case LEDMatrix:
		c.writer = matrix.NewWriter(c.loop, c.sendFrame, matrix.WriterOptions{AckTimeout: c.ackTimeout})
		c.writer.SetBrightness(c.brightness)
	case Heartbeat:
		if err := c.writeHeartbeat(); err != nil {
			slog.Warn("[NUIMO] heartbeat setup failed", "id", d.ID(), "error", err)
		}
	case RebootToDFU, FlyCalibration:
		slog.Debug("[NUIMO] firmware command available", "id", d.ID(), "characteristic", ch)
	}
}

// ValueUpdated implements device.Strategy.
func (c *BluetoothController) ValueUpdated(d *device.Device, ch ble.Characteristic, value []byte, err error) {
	if err != nil {
		slog.Warn("[NUIMO] value update failed", "id", d.ID(), "characteristic", ch, "error", err)
		return
	}
	switch ch {
	case FirmwareVersion:
		c.firmware = infoString(value)
		c.emit(FirmwareVersionEvent{Version: c.firmware})
	case HardwareVersion:
		c.hardware = infoString(value)
		c.emit(HardwareVersionEvent{Version: c.hardware})
	case ModelNumber:
		c.model = infoString(value)
		c.emit(ModelNumberEvent{Model: c.model})
	case BatteryLevel:
		if len(value) == 0 {
			return
		}
		c.battery = int(value[0])
		c.emit(BatteryLevelEvent{Level: c.battery})
	case Heartbeat:
		c.emit(HeartbeatEvent{})
	default:
		src, ok := gestureSources[ch]
		if !ok {
			return
		}
		ev, ok := gesture.Decode(src, value)
		if !ok {
			slog.Debug("[NUIMO] undecodable sensor payload dropped", "id", d.ID(), "characteristic", ch, "len", len(value))
			return
		}
		c.emit(GestureEvent{Event: ev})
	}
}

func infoString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// ValueWritten implements device.Strategy.
func (c *BluetoothController) ValueWritten(d *device.Device, ch ble.Characteristic, err error) {
	if ch != LEDMatrix {
		if err != nil {
			slog.Warn("[NUIMO] write failed", "id", d.ID(), "characteristic", ch, "error", err)
		}
		return
	}
	if c.writer == nil {
		return
	}
	c.writer.HandleAck()
	if err != nil {
		slog.Warn("[NUIMO] matrix write failed", "id", d.ID(), "error", err)
		return
	}
	c.emit(MatrixDisplayedEvent{})
}

// StateChanged implements device.Strategy.
func (c *BluetoothController) StateChanged(d *device.Device, from, to device.State, err error) {
	if to != device.Connecting && to != device.Connected && c.writer != nil {
		c.writer.Cancel()
		c.writer = nil
	}
	c.emit(ConnectionStateEvent{From: from, State: to, Err: err})
}

// ReachabilityChanged implements device.Strategy.
func (c *BluetoothController) ReachabilityChanged(_ *device.Device, reachable bool) {
	c.emit(ReachabilityEvent{Reachable: reachable})
}

var (
	_ Controller      = (*BluetoothController)(nil)
	_ device.Strategy = (*BluetoothController)(nil)
)
