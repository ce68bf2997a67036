// Package audio shows the default microphone's input level on a controller's
// LED matrix as a volume bar.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/gonuimo/internal/matrix"
	"github.com/chaz8081/gonuimo/internal/nuimo"
)

// floorDB is the level shown as an empty bar.
const floorDB = -60.0

// Meter captures audio from the default microphone and reports its RMS
// level since the previous reading.
type Meter struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32
	channels   uint32

	mu         sync.Mutex
	sumSquares float64
	count      int
	running    bool
}

// NewMeter creates a new level meter. Call Close() when done.
func NewMeter(sampleRate, channels uint32) (*Meter, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	return &Meter{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Start begins capturing audio from the default microphone.
func (m *Meter) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("already running")
	}
	m.sumSquares, m.count = 0, 0
	m.running = true
	m.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = m.channels
	deviceCfg.SampleRate = m.sampleRate

	device, err := malgo.InitDevice(m.ctx.Context, deviceCfg, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		m.setRunning(false)
		return fmt.Errorf("initializing capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		m.setRunning(false)
		return fmt.Errorf("starting capture device: %w", err)
	}

	m.mu.Lock()
	m.device = device
	m.mu.Unlock()

	slog.Info("[AUDIO] meter started", "sample_rate", m.sampleRate, "channels", m.channels)
	return nil
}

func (m *Meter) setRunning(v bool) {
	m.mu.Lock()
	m.running = v
	m.mu.Unlock()
}

// Stop ends the capture.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	m.running = false
}

// IsRunning returns whether the meter is currently capturing audio.
func (m *Meter) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Close releases all audio resources.
func (m *Meter) Close() error {
	m.Stop()
	if m.ctx != nil {
		if err := m.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		m.ctx.Free()
		m.ctx = nil
	}
	return nil
}

// Level returns the RMS of the samples captured since the last call, in
// 0..1, and resets the accumulator. It is 0 when nothing was captured.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return 0
	}
	rms := math.Sqrt(m.sumSquares / float64(m.count))
	m.sumSquares, m.count = 0, 0
	return rms
}

// onData is the malgo callback invoked when audio data is available.
// pSample contains the captured frames as little-endian float32.
func (m *Meter) onData(_, pSample []byte, frameCount uint32) {
	samples := bytesToFloat32(pSample, frameCount*m.channels)
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	m.mu.Lock()
	m.sumSquares += sum
	m.count += len(samples)
	m.mu.Unlock()
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Progress maps an RMS level to bar progress on a decibel scale: -60 dBFS
// and below is empty, 0 dBFS is full.
func Progress(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - floorDB) / -floorDB
	return math.Max(0, math.Min(1, p))
}

// LevelSource yields a level in 0..1 each time it is read.
type LevelSource interface {
	Level() float64
}

// Target is where level frames are shown. Every nuimo.Controller is a
// Target.
type Target interface {
	ID() string
	DisplayMatrix(m matrix.Matrix, interval time.Duration, opts matrix.WriteOptions) error
}

// Display reads src every interval and shows the level on c as a volume
// bar until ctx is cancelled. Frames go through the controller's matrix
// writer, which drops intermediate levels while a write is in flight.
func Display(ctx context.Context, src LevelSource, c Target, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bar := matrix.VolumeBar(Progress(src.Level()))
			err := c.DisplayMatrix(bar, 2*interval, matrix.WriteOptions{})
			if err != nil && !errors.Is(err, nuimo.ErrNotConnected) {
				slog.Warn("[AUDIO] display level failed", "controller", c.ID(), "error", err)
			}
		}
	}
}
