package serial

import (
	"io"
	"sync"
	"testing"
	"time"

	"els-go/pkg/hmi"
)

// chunkReader delivers queued byte chunks, then blocks until closed.
type chunkReader struct {
	mu     sync.Mutex
	chunks [][]byte
	closed chan struct{}
}

func newChunkReader(chunks ...[]byte) *chunkReader {
	return &chunkReader{chunks: chunks, closed: make(chan struct{})}
}

func (r *chunkReader) Read(buf []byte) (int, error) {
	r.mu.Lock()
	if len(r.chunks) > 0 {
		chunk := r.chunks[0]
		r.chunks = r.chunks[1:]
		r.mu.Unlock()
		return copy(buf, chunk), nil
	}
	r.mu.Unlock()

	select {
	case <-r.closed:
		return 0, io.EOF
	case <-time.After(10 * time.Millisecond):
		return 0, ErrTimeout
	}
}

func (r *chunkReader) Close() { close(r.closed) }

type eventCollector struct {
	mu      sync.Mutex
	events  []hmi.Event
	stopped bool
	full    bool
}

func (c *eventCollector) sink(ev hmi.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *eventCollector) estop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *eventCollector) snapshot() []hmi.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hmi.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecodeKey(t *testing.T) {
	cases := []struct {
		key    byte
		action hmi.Action
		axis   string
		value  int64
	}{
		{'0', hmi.ActionDigit, "", 0},
		{'7', hmi.ActionDigit, "", 7},
		{keyBackspace, hmi.ActionBackspace, "", 0},
		{keyEnter, hmi.ActionEnter, "", 0},
		{keyCancel, hmi.ActionCancel, "", 0},
		{keyTouchOff, hmi.ActionTouchOff, "", 0},
		{keyStart, hmi.ActionStart, "", 0},
		{keyStop, hmi.ActionStop, "", 0},
		{keyMeasure, hmi.ActionMeasure, "", 0},
		{keyMode, hmi.ActionSelectMode, "", -1},
		{keyDirection, hmi.ActionDirection, "", 0},
		{keyZMinus, hmi.ActionJog, "z", -1},
		{keyZPlus, hmi.ActionJog, "z", 1},
		{keyXPlus, hmi.ActionJog, "x", 1},
		{keyXMinus, hmi.ActionJog, "x", -1},
		{keySetPark, hmi.ActionSetParking, "", 0},
		{keyGoPark, hmi.ActionGoParking, "", 0},
	}

	for _, tc := range cases {
		ev, ok := decodeKey(tc.key)
		if !ok {
			t.Errorf("key 0x%02x: expected decode", tc.key)
			continue
		}
		if ev.Action != tc.action {
			t.Errorf("key 0x%02x: action %s, want %s", tc.key, ev.Action, tc.action)
		}
		if ev.Axis != tc.axis {
			t.Errorf("key 0x%02x: axis %q, want %q", tc.key, ev.Axis, tc.axis)
		}
		if ev.Value != tc.value {
			t.Errorf("key 0x%02x: value %d, want %d", tc.key, ev.Value, tc.value)
		}
		if ev.Source != "pendant" {
			t.Errorf("key 0x%02x: source %q, want pendant", tc.key, ev.Source)
		}
	}
}

func TestDecodeKeyUnknown(t *testing.T) {
	for _, b := range []byte{0x00, 'z', '?', 0xFF} {
		if _, ok := decodeKey(b); ok {
			t.Errorf("key 0x%02x should not decode", b)
		}
	}
}

func TestPendantReadsEvents(t *testing.T) {
	r := newChunkReader([]byte{'1', '2', keyEnter})
	defer r.Close()
	c := &eventCollector{}

	p := NewPendant(PendantConfig{Reader: r, Sink: c.sink, EStop: c.estop})
	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return len(c.snapshot()) == 3 })

	events := c.snapshot()
	if events[0].Action != hmi.ActionDigit || events[0].Value != 1 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Action != hmi.ActionDigit || events[1].Value != 2 {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if events[2].Action != hmi.ActionEnter {
		t.Errorf("unexpected third event: %+v", events[2])
	}
}

func TestPendantEStopBypassesQueue(t *testing.T) {
	r := newChunkReader([]byte{keyEStop})
	defer r.Close()
	c := &eventCollector{full: true}

	p := NewPendant(PendantConfig{Reader: r, Sink: c.sink, EStop: c.estop})
	p.Start()
	defer p.Stop()

	waitFor(t, c.isStopped)

	if len(c.snapshot()) != 0 {
		t.Error("estop should not go through the event queue")
	}
}

func TestPendantDisconnect(t *testing.T) {
	r := newChunkReader()
	c := &eventCollector{}

	p := NewPendant(PendantConfig{Reader: r, Sink: c.sink, EStop: c.estop})
	p.Start()
	defer p.Stop()

	if !p.Connected() {
		t.Fatal("pendant should report connected after start")
	}

	r.Close()
	waitFor(t, func() bool { return !p.Connected() })
}

func TestPendantStopIdempotent(t *testing.T) {
	r := newChunkReader()
	defer r.Close()
	c := &eventCollector{}

	p := NewPendant(PendantConfig{Reader: r, Sink: c.sink, EStop: c.estop})
	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
}
