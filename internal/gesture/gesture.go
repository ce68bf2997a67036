// Package gesture decodes raw Nuimo sensor characteristic payloads into typed
// gesture events. Decoding is pure and total: unknown codes and short
// payloads produce no event.
package gesture

import (
	"encoding/binary"
	"fmt"
)

// Gesture identifies a user input on the controller.
type Gesture int

const (
	Undefined Gesture = iota
	ButtonPress
	ButtonRelease
	Rotate
	TouchLeft
	TouchRight
	TouchTop
	TouchBottom
	LongTouchLeft
	LongTouchRight
	LongTouchTop
	LongTouchBottom
	SwipeLeft
	SwipeRight
	SwipeUp
	SwipeDown
	FlyLeft
	FlyRight
	FlyBackwards
	FlyTowards
	FlyUpDown
)

var identifiers = [...]string{
	Undefined:       "Undefined",
	ButtonPress:     "ButtonPress",
	ButtonRelease:   "ButtonRelease",
	Rotate:          "Rotate",
	TouchLeft:       "TouchLeft",
	TouchRight:      "TouchRight",
	TouchTop:        "TouchTop",
	TouchBottom:     "TouchBottom",
	LongTouchLeft:   "LongTouchLeft",
	LongTouchRight:  "LongTouchRight",
	LongTouchTop:    "LongTouchTop",
	LongTouchBottom: "LongTouchBottom",
	SwipeLeft:       "SwipeLeft",
	SwipeRight:      "SwipeRight",
	SwipeUp:         "SwipeUp",
	SwipeDown:       "SwipeDown",
	FlyLeft:         "FlyLeft",
	FlyRight:        "FlyRight",
	FlyBackwards:    "FlyBackwards",
	FlyTowards:      "FlyTowards",
	FlyUpDown:       "FlyUpDown",
}

// String returns the gesture identifier, e.g. "SwipeLeft".
func (g Gesture) String() string {
	if g < 0 || int(g) >= len(identifiers) {
		return fmt.Sprintf("Gesture(%d)", int(g))
	}
	return identifiers[g]
}

// Parse returns the gesture for an identifier such as "ButtonPress".
// Undefined is not a valid identifier.
func Parse(identifier string) (Gesture, error) {
	for g, id := range identifiers {
		if Gesture(g) != Undefined && id == identifier {
			return Gesture(g), nil
		}
	}
	return Undefined, fmt.Errorf("gesture: unknown identifier %q", identifier)
}

// MarshalText implements encoding.TextMarshaler.
func (g Gesture) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Gesture) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Event is a decoded gesture with an optional value (rotation delta, fly
// speed, raw button byte).
type Event struct {
	Gesture  Gesture
	Value    int
	HasValue bool
}

func (e Event) String() string {
	if e.HasValue {
		return fmt.Sprintf("%s(%d)", e.Gesture, e.Value)
	}
	return e.Gesture.String()
}

func withValue(g Gesture, v int) Event { return Event{Gesture: g, Value: v, HasValue: true} }

// Source is the sensor characteristic a payload arrived on.
type Source int

const (
	SourceButton Source = iota + 1
	SourceRotation
	SourceTouch
	SourceFly
)

var touchGestures = map[byte]Gesture{
	0:  SwipeLeft,
	1:  SwipeRight,
	2:  SwipeUp,
	3:  SwipeDown,
	4:  TouchLeft,
	5:  TouchRight,
	6:  TouchTop,
	7:  TouchBottom,
	8:  LongTouchLeft,
	9:  LongTouchRight,
	10: LongTouchTop,
	11: LongTouchBottom,
}

var flyGestures = map[byte]Gesture{
	0: FlyLeft,
	1: FlyRight,
	2: FlyBackwards,
	3: FlyTowards,
	4: FlyUpDown,
}

// Decode maps a payload from src to a gesture event. ok is false when the
// payload does not describe a known gesture.
//
//	button:   1 byte, 1 = press, anything else = release
//	rotation: int16 little-endian delta
//	touch:    1 byte code (swipe, touch, long touch per edge)
//	fly:      1 byte direction + 1 byte speed (speed only for up/down)
func Decode(src Source, data []byte) (ev Event, ok bool) {
	switch src {
	case SourceButton:
		if len(data) < 1 {
			return Event{}, false
		}
		if data[0] == 1 {
			return withValue(ButtonPress, 1), true
		}
		return withValue(ButtonRelease, int(data[0])), true

	case SourceRotation:
		if len(data) < 2 {
			return Event{}, false
		}
		delta := int16(binary.LittleEndian.Uint16(data[:2]))
		return withValue(Rotate, int(delta)), true

	case SourceTouch:
		if len(data) < 1 {
			return Event{}, false
		}
		g, known := touchGestures[data[0]]
		if !known {
			return Event{}, false
		}
		return Event{Gesture: g}, true

	case SourceFly:
		if len(data) < 1 {
			return Event{}, false
		}
		g, known := flyGestures[data[0]]
		if !known {
			return Event{}, false
		}
		if g == FlyUpDown && len(data) >= 2 {
			return withValue(g, int(data[1])), true
		}
		return Event{Gesture: g}, true
	}
	return Event{}, false
}
