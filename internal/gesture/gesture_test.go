package gesture

import "testing"

func TestDecodeButton(t *testing.T) {
	tests := []struct {
		data []byte
		want Event
	}{
		{[]byte{1}, Event{Gesture: ButtonPress, Value: 1, HasValue: true}},
		{[]byte{0}, Event{Gesture: ButtonRelease, Value: 0, HasValue: true}},
		{[]byte{7}, Event{Gesture: ButtonRelease, Value: 7, HasValue: true}},
	}
	for _, tt := range tests {
		got, ok := Decode(SourceButton, tt.data)
		if !ok {
			t.Errorf("Decode(button, %x) ok = false", tt.data)
			continue
		}
		if got != tt.want {
			t.Errorf("Decode(button, %x) = %+v, want %+v", tt.data, got, tt.want)
		}
	}
}

func TestDecodeRotation(t *testing.T) {
	tests := []struct {
		data []byte
		want int
	}{
		{[]byte{0x05, 0x00}, 5},
		{[]byte{0xfb, 0xff}, -5},
		{[]byte{0x00, 0x80}, -32768},
		{[]byte{0xff, 0x7f}, 32767},
		{[]byte{0x10, 0x00, 0xaa}, 16}, // trailing bytes ignored
	}
	for _, tt := range tests {
		got, ok := Decode(SourceRotation, tt.data)
		if !ok {
			t.Errorf("Decode(rotation, %x) ok = false", tt.data)
			continue
		}
		if got.Gesture != Rotate || !got.HasValue || got.Value != tt.want {
			t.Errorf("Decode(rotation, %x) = %+v, want Rotate(%d)", tt.data, got, tt.want)
		}
	}
}

func TestDecodeTouchTable(t *testing.T) {
	want := []Gesture{
		SwipeLeft, SwipeRight, SwipeUp, SwipeDown,
		TouchLeft, TouchRight, TouchTop, TouchBottom,
		LongTouchLeft, LongTouchRight, LongTouchTop, LongTouchBottom,
	}
	for code, g := range want {
		got, ok := Decode(SourceTouch, []byte{byte(code)})
		if !ok || got.Gesture != g || got.HasValue {
			t.Errorf("Decode(touch, %d) = %+v, %v; want %s without value", code, got, ok, g)
		}
	}
}

func TestDecodeFly(t *testing.T) {
	tests := []struct {
		data []byte
		want Event
	}{
		{[]byte{0, 9}, Event{Gesture: FlyLeft}},
		{[]byte{1, 9}, Event{Gesture: FlyRight}},
		{[]byte{2, 9}, Event{Gesture: FlyBackwards}},
		{[]byte{3, 9}, Event{Gesture: FlyTowards}},
		{[]byte{4, 200}, Event{Gesture: FlyUpDown, Value: 200, HasValue: true}},
		{[]byte{4}, Event{Gesture: FlyUpDown}},
	}
	for _, tt := range tests {
		got, ok := Decode(SourceFly, tt.data)
		if !ok || got != tt.want {
			t.Errorf("Decode(fly, %x) = %+v, %v; want %+v", tt.data, got, ok, tt.want)
		}
	}
}

// Every byte value outside a characteristic's table decodes to no event.
func TestDecodeIsTotal(t *testing.T) {
	for b := 0; b < 256; b++ {
		data := []byte{byte(b), 0}
		if _, ok := Decode(SourceTouch, data); ok != (b < len(touchGestures)) {
			t.Errorf("Decode(touch, %d) ok = %v", b, ok)
		}
		if _, ok := Decode(SourceFly, data); ok != (b < len(flyGestures)) {
			t.Errorf("Decode(fly, %d) ok = %v", b, ok)
		}
		if _, ok := Decode(SourceButton, data); !ok {
			t.Errorf("Decode(button, %d) ok = false, every byte is a press or release", b)
		}
	}

	for _, src := range []Source{SourceButton, SourceRotation, SourceTouch, SourceFly, Source(0), Source(99)} {
		if _, ok := Decode(src, nil); ok {
			t.Errorf("Decode(%d, nil) ok = true", src)
		}
	}
	if _, ok := Decode(SourceRotation, []byte{1}); ok {
		t.Error("Decode(rotation, 1 byte) ok = true")
	}
	if _, ok := Decode(Source(99), []byte{1, 2}); ok {
		t.Error("Decode(unknown source) ok = true")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for g := ButtonPress; g <= FlyUpDown; g++ {
		parsed, err := Parse(g.String())
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", g.String(), err)
		}
		if parsed != g {
			t.Errorf("Parse(%q) = %v, want %v", g.String(), parsed, g)
		}
	}
	if _, err := Parse("Undefined"); err == nil {
		t.Error("Parse(Undefined) should fail")
	}
	if _, err := Parse("Wiggle"); err == nil {
		t.Error("Parse(Wiggle) should fail")
	}
}

func TestGestureText(t *testing.T) {
	var g Gesture
	if err := g.UnmarshalText([]byte("SwipeUp")); err != nil {
		t.Fatalf("UnmarshalText error = %v", err)
	}
	if g != SwipeUp {
		t.Errorf("UnmarshalText = %v, want SwipeUp", g)
	}
	text, _ := FlyTowards.MarshalText()
	if string(text) != "FlyTowards" {
		t.Errorf("MarshalText = %q", text)
	}
	if s := Gesture(500).String(); s != "Gesture(500)" {
		t.Errorf("String() of out-of-range gesture = %q", s)
	}
}
