// Pendant key event decoder.
//
// The pendant controller sends one ASCII byte per key event over the
// serial link. The Pendant reads the stream and translates each byte
// into an hmi.Event for the control loop. The emergency stop byte is
// delivered through a direct callback instead of the event queue.

package serial

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"els-go/pkg/hmi"
	"els-go/pkg/log"
)

// Key codes sent by the pendant controller. Digits map to themselves.
const (
	keyBackspace = 0x08
	keyEnter     = 0x0D
	keyCancel    = 0x1B
	keyTouchOff  = 't'
	keyStart     = 'g'
	keyStop      = 's'
	keyMeasure   = 'm'
	keyMode      = 'o'
	keyDirection = 'd'
	keyZMinus    = 'h'
	keyZPlus     = 'l'
	keyXPlus     = 'k'
	keyXMinus    = 'j'
	keySetPark   = 'w'
	keyGoPark    = 'q'
	keyEStop     = '!'
)

// PendantConfig holds pendant decoder configuration.
type PendantConfig struct {
	// Reader is the byte stream from the pendant, normally a *Port.
	Reader io.Reader

	// Sink receives decoded events. Returns false when the queue is
	// full.
	Sink func(ev hmi.Event) bool

	// EStop is invoked directly for the emergency stop key.
	EStop func()
}

// Pendant decodes pendant key bytes into hmi events.
type Pendant struct {
	r      io.Reader
	sink   func(ev hmi.Event) bool
	estop  func()
	logger *log.Logger

	running   atomic.Bool
	connected atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPendant creates a pendant decoder.
func NewPendant(cfg PendantConfig) *Pendant {
	return &Pendant{
		r:      cfg.Reader,
		sink:   cfg.Sink,
		estop:  cfg.EStop,
		logger: log.GetLogger("pendant"),
		done:   make(chan struct{}),
	}
}

// Start starts the read loop.
func (p *Pendant) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.connected.Store(true)
	p.wg.Add(1)
	go p.readLoop()
}

// Stop stops the read loop and waits for it to exit. The underlying
// port must be closed by the caller to unblock a pending read.
func (p *Pendant) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Connected reports whether the link is still delivering data.
func (p *Pendant) Connected() bool {
	return p.connected.Load()
}

func (p *Pendant) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, 64)
	for p.running.Load() {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := p.r.Read(buf)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
				p.logger.Warn("pendant link closed")
			} else {
				p.logger.Error("pendant read: %v", err)
			}
			p.connected.Store(false)
			return
		}

		for _, b := range buf[:n] {
			p.handleKey(b)
		}
	}
}

func (p *Pendant) handleKey(b byte) {
	if b == keyEStop {
		p.logger.Warn("emergency stop key")
		if p.estop != nil {
			p.estop()
		}
		return
	}

	ev, ok := decodeKey(b)
	if !ok {
		p.logger.Debug("ignoring key byte 0x%02x", b)
		return
	}
	if !p.sink(ev) {
		p.logger.Warn("event queue full, dropping %s", ev.Action)
	}
}

// decodeKey maps one key byte to an event. Jog events carry the
// direction in Value; the host scales it to the jog increment.
func decodeKey(b byte) (hmi.Event, bool) {
	ev := hmi.Event{Source: "pendant"}

	switch {
	case b >= '0' && b <= '9':
		ev.Action = hmi.ActionDigit
		ev.Value = int64(b - '0')
	case b == keyBackspace:
		ev.Action = hmi.ActionBackspace
	case b == keyEnter:
		ev.Action = hmi.ActionEnter
	case b == keyCancel:
		ev.Action = hmi.ActionCancel
	case b == keyTouchOff:
		ev.Action = hmi.ActionTouchOff
	case b == keyStart:
		ev.Action = hmi.ActionStart
	case b == keyStop:
		ev.Action = hmi.ActionStop
	case b == keyMeasure:
		ev.Action = hmi.ActionMeasure
	case b == keyMode:
		// Single mode key: the host cycles on a negative value.
		ev.Action = hmi.ActionSelectMode
		ev.Value = -1
	case b == keyDirection:
		ev.Action = hmi.ActionDirection
	case b == keyZMinus:
		ev.Action = hmi.ActionJog
		ev.Axis = "z"
		ev.Value = -1
	case b == keyZPlus:
		ev.Action = hmi.ActionJog
		ev.Axis = "z"
		ev.Value = 1
	case b == keyXPlus:
		ev.Action = hmi.ActionJog
		ev.Axis = "x"
		ev.Value = 1
	case b == keyXMinus:
		ev.Action = hmi.ActionJog
		ev.Axis = "x"
		ev.Value = -1
	case b == keySetPark:
		ev.Action = hmi.ActionSetParking
	case b == keyGoPark:
		ev.Action = hmi.ActionGoParking
	default:
		return hmi.Event{}, false
	}

	return ev, true
}
