// Package matrix implements the Nuimo 9x9 LED matrix: the immutable Matrix
// value, its bit-packed wire encoding, and the flow-controlled Writer that
// sends frames to a connected controller.
package matrix

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// LEDCount is the number of cells on the display (9x9).
	LEDCount = 81
	// Width is the number of cells per row.
	Width = 9
	// PayloadSize is the bit-packed cell payload length.
	PayloadSize = 11
	// FrameSize is PayloadSize plus the brightness and interval bytes.
	FrameSize = PayloadSize + 2

	fadeTransitionBit = 1 << 4
	builtInBit        = 1 << 5
)

// Matrix is an immutable 81-cell LED frame. Two matrices are equal when their
// cells and built-in flag are equal; use Equal rather than ==.
type Matrix struct {
	leds    [LEDCount]bool
	builtIn bool
}

// Empty has every cell off.
var Empty = Matrix{}

// Busy asks the controller to play its built-in busy animation.
var Busy = BuiltIn(1)

// Parse builds a matrix from a row-major template. Spaces and '0' are off,
// any other rune is on. Templates longer than 81 runes are cut, shorter ones
// are padded with off cells.
func Parse(template string) Matrix {
	var m Matrix
	i := 0
	for _, r := range template {
		if i == LEDCount {
			break
		}
		m.leds[i] = r != ' ' && r != '0'
		i++
	}
	return m
}

// FromLEDs builds a matrix from explicit cells, truncating or padding with
// off cells to 81.
func FromLEDs(leds []bool) Matrix {
	var m Matrix
	copy(m.leds[:], leds)
	return m
}

// BuiltIn returns the matrix selecting built-in animation id. The id is
// carried in the low cells and the built-in flag is set on the wire.
func BuiltIn(id uint8) Matrix {
	m := Matrix{builtIn: true}
	for i := 0; id > 0; i++ {
		m.leds[i] = id&1 == 1
		id >>= 1
	}
	return m
}

// VerticalBar fills a centred column from the bottom, progress in 0..1.
func VerticalBar(progress float64) Matrix {
	var b strings.Builder
	for row := Width - 1; row >= 0; row-- {
		if progress > float64(row)/Width {
			b.WriteString("    .    ")
		} else {
			b.WriteString("         ")
		}
	}
	return Parse(b.String())
}

// VolumeBar draws a right-aligned staircase cut at progress*9 columns,
// progress in 0..1.
func VolumeBar(progress float64) Matrix {
	width := int(math.Ceil(clamp01(progress) * Width))
	var m Matrix
	for row := 0; row < Width; row++ {
		for col := 0; col < width; col++ {
			m.leds[row*Width+col] = col >= Width-1-row
		}
	}
	return m
}

// LEDs returns a copy of the cells in row-major order.
func (m Matrix) LEDs() []bool {
	leds := make([]bool, LEDCount)
	copy(leds, m.leds[:])
	return leds
}

// At reports whether the cell at row, col is on.
func (m Matrix) At(row, col int) bool {
	if row < 0 || row >= Width || col < 0 || col >= Width {
		return false
	}
	return m.leds[row*Width+col]
}

// IsBuiltIn reports whether the matrix selects a built-in animation.
func (m Matrix) IsBuiltIn() bool { return m.builtIn }

// Equal compares cells. A built-in animation only equals the same built-in
// animation.
func (m Matrix) Equal(other Matrix) bool {
	return m.builtIn == other.builtIn && m.leds == other.leds
}

// Template renders the matrix as an 81-rune template, '.' for on and ' ' for
// off. Parse(m.Template()) equals m.
func (m Matrix) Template() string {
	var b strings.Builder
	b.Grow(LEDCount)
	for _, on := range m.leds {
		if on {
			b.WriteByte('.')
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// String renders the matrix as nine lines.
func (m Matrix) String() string {
	t := m.Template()
	rows := make([]string, 0, Width)
	for i := 0; i < LEDCount; i += Width {
		rows = append(rows, t[i:i+Width])
	}
	return strings.Join(rows, "\n")
}

// Bytes bit-packs the cells LSB-first into 11 bytes. Flag bits are not set.
func (m Matrix) Bytes() [PayloadSize]byte {
	var out [PayloadSize]byte
	for i, on := range m.leds {
		if on {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Decode unpacks the first 11 bytes of a wire payload. Flag bits in the last
// byte are honoured for the built-in marker and otherwise ignored.
func Decode(payload []byte) (Matrix, error) {
	if len(payload) < PayloadSize {
		return Matrix{}, fmt.Errorf("matrix: payload must be at least %d bytes, got %d", PayloadSize, len(payload))
	}
	var m Matrix
	for i := range m.leds {
		m.leds[i] = payload[i/8]&(1<<(i%8)) != 0
	}
	m.builtIn = payload[PayloadSize-1]&builtInBit != 0
	return m, nil
}

// Frame is one display request as sent on the wire.
type Frame struct {
	Matrix         Matrix
	Brightness     float64       // 0..1
	Interval       time.Duration // how long the controller shows the frame
	FadeTransition bool
}

// Encode produces the 13-byte characteristic value: cells and flag bits,
// brightness (0..255) and the display interval in deciseconds, saturated.
func (f Frame) Encode() []byte {
	cells := f.Matrix.Bytes()
	out := make([]byte, FrameSize)
	copy(out, cells[:])
	if f.FadeTransition {
		out[PayloadSize-1] |= fadeTransitionBit
	}
	if f.Matrix.builtIn {
		out[PayloadSize-1] |= builtInBit
	}
	out[PayloadSize] = byte(clamp01(f.Brightness) * 255)
	out[PayloadSize+1] = deciseconds(f.Interval)
	return out
}

// DecodeFrame is the inverse of Encode.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) != FrameSize {
		return Frame{}, fmt.Errorf("matrix: frame must be %d bytes, got %d", FrameSize, len(b))
	}
	m, err := Decode(b[:PayloadSize])
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Matrix:         m,
		Brightness:     float64(b[PayloadSize]) / 255,
		Interval:       time.Duration(b[PayloadSize+1]) * 100 * time.Millisecond,
		FadeTransition: b[PayloadSize-1]&fadeTransitionBit != 0,
	}, nil
}

func deciseconds(d time.Duration) byte {
	ds := d / (100 * time.Millisecond)
	switch {
	case ds <= 0:
		return 0
	case ds >= math.MaxUint8:
		return math.MaxUint8
	}
	return byte(ds)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
