package matrix

import (
	"log/slog"
	"time"

	"github.com/chaz8081/gonuimo/internal/loop"
)

// DefaultAckTimeout is how long the Writer waits for a write response before
// assuming it was lost.
const DefaultAckTimeout = 500 * time.Millisecond

// WriteOptions tunes a single Write call.
type WriteOptions struct {
	// IgnoreDuplicates skips duplicate suppression, so an identical matrix is
	// sent again even while the previous one is still on display.
	IgnoreDuplicates bool
	// WithFadeTransition sets the fade bit on the frame.
	WithFadeTransition bool
	// WithoutAck writes without response. Such writes are never coalesced.
	WithoutAck bool
}

// SendFunc issues one characteristic write. withAck selects write with
// response; the Writer expects HandleAck for each acknowledged write.
type SendFunc func(frame []byte, withAck bool) error

// WriterOptions configures a Writer.
type WriterOptions struct {
	Brightness float64 // 0..1, default 1
	AckTimeout time.Duration
	Now        func() time.Time
}

type request struct {
	matrix   Matrix
	interval time.Duration
	opts     WriteOptions
}

// Writer implements single-flight, coalescing frame writes for one
// controller. It must only be used on its loop.
type Writer struct {
	loop *loop.Loop
	send SendFunc

	brightness float64
	ackTimeout time.Duration
	now        func() time.Time

	current *request

	hasWritten      bool
	lastWritten     Matrix
	lastWrittenAt   time.Time
	lastWrittenIntv time.Duration

	awaitingAck bool
	writeOnAck  bool
	ackTimer    *loop.Timer
	ackSeq      uint64
}

// NewWriter creates a Writer sending through send. Panics if send is nil
// (programmer error).
func NewWriter(l *loop.Loop, send SendFunc, opts WriterOptions) *Writer {
	if send == nil {
		panic("matrix: NewWriter called with nil send")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Brightness == 0 {
		opts.Brightness = 1
	}
	return &Writer{
		loop:       l,
		send:       send,
		brightness: clamp01(opts.Brightness),
		ackTimeout: opts.AckTimeout,
		now:        opts.Now,
	}
}

// SetBrightness changes the brightness used for subsequent frames.
func (w *Writer) SetBrightness(b float64) {
	if !w.loop.Check("matrix.Writer.SetBrightness") {
		return
	}
	w.brightness = clamp01(b)
}

// Write requests m to be displayed for interval. It returns immediately;
// the frame is sent now, coalesced behind an outstanding acknowledgment, or
// dropped as a duplicate of what is still on display.
func (w *Writer) Write(m Matrix, interval time.Duration, opts WriteOptions) {
	if !w.loop.Check("matrix.Writer.Write") {
		return
	}

	if !opts.IgnoreDuplicates && w.isOnDisplay(m) {
		slog.Debug("[MATRIX] duplicate matrix suppressed")
		return
	}

	w.current = &request{matrix: m, interval: interval, opts: opts}

	if !opts.WithoutAck && w.awaitingAck {
		w.writeOnAck = true
		return
	}
	w.dispatch()
}

// isOnDisplay reports whether m equals the last written matrix and that
// matrix's display interval has not elapsed yet. A zero interval never
// elapses.
func (w *Writer) isOnDisplay(m Matrix) bool {
	if !w.hasWritten || !m.Equal(w.lastWritten) {
		return false
	}
	if w.lastWrittenIntv <= 0 {
		return true
	}
	return w.now().Sub(w.lastWrittenAt) < w.lastWrittenIntv
}

func (w *Writer) dispatch() {
	req := w.current
	if req == nil {
		return
	}
	withAck := !req.opts.WithoutAck

	frame := Frame{
		Matrix:         req.matrix,
		Brightness:     w.brightness,
		Interval:       req.interval,
		FadeTransition: req.opts.WithFadeTransition,
	}
	if err := w.send(frame.Encode(), withAck); err != nil {
		slog.Warn("[MATRIX] write failed", "error", err)
		return
	}

	w.hasWritten = true
	w.lastWritten = req.matrix
	w.lastWrittenAt = w.now()
	w.lastWrittenIntv = req.interval

	if !withAck {
		// Supersedes any frame coalesced behind the pending ack.
		w.writeOnAck = false
		return
	}
	w.awaitingAck = true
	w.ackSeq++
	seq := w.ackSeq
	w.ackTimer.Stop()
	w.ackTimer = w.loop.AfterFunc(w.ackTimeout, func() {
		if seq != w.ackSeq || !w.awaitingAck {
			return
		}
		slog.Debug("[MATRIX] write response timed out, continuing")
		w.ackReceived()
	})
}

// HandleAck records the write response for the in-flight frame and sends the
// coalesced frame, if any.
func (w *Writer) HandleAck() {
	if !w.loop.Check("matrix.Writer.HandleAck") {
		return
	}
	w.ackReceived()
}

func (w *Writer) ackReceived() {
	if !w.awaitingAck {
		return
	}
	w.awaitingAck = false
	w.ackTimer.Stop()
	w.ackTimer = nil

	if w.writeOnAck {
		w.writeOnAck = false
		w.dispatch()
	}
}

// AwaitingAck reports whether an acknowledged write is in flight.
func (w *Writer) AwaitingAck() bool {
	return w.awaitingAck
}

// Cancel stops the ack timer and drops any coalesced frame. Used when the
// controller disconnects.
func (w *Writer) Cancel() {
	if !w.loop.Check("matrix.Writer.Cancel") {
		return
	}
	w.ackTimer.Stop()
	w.ackTimer = nil
	w.ackSeq++
	w.awaitingAck = false
	w.writeOnAck = false
	w.current = nil
}
