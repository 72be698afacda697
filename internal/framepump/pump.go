// Package framepump implements the FramePump: the background consumer
// that drains every session's shared-memory segment, publishes
// DataReceivedEvent on the bus, and appends a formatted log line to
// the MessageStreamService.
package framepump

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/altairalabs/sessionhost/internal/events"
	"github.com/altairalabs/sessionhost/internal/logger"
	"github.com/altairalabs/sessionhost/internal/messages"
	"github.com/altairalabs/sessionhost/internal/metrics"
	"github.com/altairalabs/sessionhost/internal/shm"
)

// maxHexBytes is the spec's "4 KiB of hex" truncation point, measured
// in raw bytes fed to hex encoding (so 4096 raw bytes, 8192 hex chars).
const maxHexBytes = 4096

// idleSleep is how long a drain loop waits between probes when its
// segment has nothing to read and the session is not under backpressure.
const idleSleep = 5 * time.Millisecond

// backpressureSleep is the spec's 5 ms throttle for a session under High backpressure.
const backpressureSleep = 5 * time.Millisecond

// shutdownGrace is how long Shutdown and StopSession wait for a drain
// loop to observe cancellation before giving up on it.
const shutdownGrace = 2 * time.Second

// state is a drain loop's position in its Idle -> Draining ->
// (Idle|Backoff) -> ... -> Stopped state machine.
type state int32

const (
	stateIdle state = iota
	stateDraining
	stateBackoff
	stateStopped
)

type drainLoop struct {
	sessionID string
	segment   *shm.SessionSegment
	cancel    context.CancelFunc
	done      chan struct{}
}

// Pump is the FramePump: one drain loop per active session, all
// sharing the same backpressure subscription and shutdown grace
// period.
type Pump struct {
	bus  *events.Bus
	msgs *messages.Service
	log  *logger.Logger

	// backpressureLimiter throttles a drain loop's re-poll rate while
	// its session is under High backpressure. Tests inject a faster
	// limiter to avoid a real 5 ms wait per iteration.
	backpressureLimiter *rate.Limiter

	// metrics is optional; nil leaves frame counters unrecorded.
	metrics *metrics.Registry

	mu           sync.Mutex
	loops        map[string]*drainLoop
	backpressure map[string]events.BackpressureLevel
}

// SetMetrics wires a MetricsRegistry the pump updates as it drains
// frames. Safe to call once before any session starts.
func (p *Pump) SetMetrics(reg *metrics.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = reg
}

// NewPump wires the event bus (for DataReceivedEvent and subscribing
// to BackpressureDetected) and the message log Pump appends drained
// frames to. The backpressure throttle runs at the spec's 5 ms rate.
func NewPump(bus *events.Bus, msgs *messages.Service) *Pump {
	return NewPumpWithLimiter(bus, msgs, rate.NewLimiter(rate.Every(backpressureSleep), 1))
}

// NewPumpWithLimiter is NewPump with an explicit backpressure-throttle
// limiter, for tests that want to avoid waiting on a real clock.
func NewPumpWithLimiter(bus *events.Bus, msgs *messages.Service, limiter *rate.Limiter) *Pump {
	p := &Pump{
		bus:                 bus,
		msgs:                msgs,
		log:                 logger.New("framepump"),
		backpressureLimiter: limiter,
		loops:               make(map[string]*drainLoop),
		backpressure:        make(map[string]events.BackpressureLevel),
	}
	if bus != nil {
		bus.Subscribe(events.TypeBackpressureDetected, p.onBackpressureDetected)
	}
	return p
}

func (p *Pump) onBackpressureDetected(ev *events.Event) {
	data, ok := ev.Data.(events.BackpressureDetectedData)
	if !ok {
		return
	}
	p.mu.Lock()
	p.backpressure[ev.SessionID] = data.Level
	p.mu.Unlock()
}

func (p *Pump) levelFor(sessionID string) events.BackpressureLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backpressure[sessionID]
}

// StartSession begins draining segment for sessionID. Implements
// session.FramePumpStarter.
func (p *Pump) StartSession(sessionID string, segment *shm.SessionSegment) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &drainLoop{sessionID: sessionID, segment: segment, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.loops[sessionID] = loop
	p.mu.Unlock()

	go p.run(ctx, loop)
}

// StopSession cancels sessionID's drain loop and waits up to
// shutdownGrace for it to exit. Implements session.FramePumpStarter.
func (p *Pump) StopSession(sessionID string) {
	p.mu.Lock()
	loop, ok := p.loops[sessionID]
	if ok {
		delete(p.loops, sessionID)
	}
	delete(p.backpressure, sessionID)
	p.mu.Unlock()

	if !ok {
		return
	}
	loop.cancel()
	select {
	case <-loop.done:
	case <-time.After(shutdownGrace):
		p.log.Warn("drain loop did not stop within grace period", "session_id", sessionID)
	}
}

// Shutdown cancels every active drain loop and waits up to
// shutdownGrace for all of them to exit.
func (p *Pump) Shutdown() {
	p.mu.Lock()
	loops := make([]*drainLoop, 0, len(p.loops))
	for _, loop := range p.loops {
		loops = append(loops, loop)
	}
	p.loops = make(map[string]*drainLoop)
	p.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}

	deadline := time.After(shutdownGrace)
	for _, loop := range loops {
		select {
		case <-loop.done:
		case <-deadline:
			p.log.Warn("shutdown grace period elapsed with drain loops still running")
			return
		}
	}
}

func (p *Pump) run(ctx context.Context, loop *drainLoop) {
	defer close(loop.done)
	st := stateIdle
	defer func() { p.log.Debug("drain loop exited", "session_id", loop.sessionID, "state", st) }()

	for {
		select {
		case <-ctx.Done():
			st = stateStopped
			return
		default:
		}

		frame, ok, err := loop.segment.TryReadFrame()
		if err != nil {
			p.log.Error("malformed frame, closing segment read side", "session_id", loop.sessionID, "error", err)
			if p.metrics != nil {
				p.metrics.IncFramesDropped(loop.sessionID)
			}
			st = stateStopped
			return
		}

		if !ok {
			if p.levelFor(loop.sessionID) == events.BackpressureHigh {
				st = stateBackoff
				if err := p.backpressureLimiter.Wait(ctx); err != nil {
					st = stateStopped
					return
				}
				continue
			}

			st = stateIdle
			select {
			case <-ctx.Done():
				st = stateStopped
				return
			case <-time.After(idleSleep):
			}
			continue
		}

		st = stateDraining
		p.deliver(loop.sessionID, frame)
	}
}

// String renders a drain loop state for log lines.
func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateDraining:
		return "draining"
	case stateBackoff:
		return "backoff"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (p *Pump) deliver(sessionID string, frame shm.Frame) {
	if p.bus != nil {
		p.bus.Publish(&events.Event{
			Type:      events.TypeDataReceived,
			SessionID: sessionID,
			At:        frame.TimestampUTC,
			Data: events.DataReceivedData{
				FrameID:      0,
				TimestampUTC: frame.TimestampUTC,
				Raw:          frame.Raw,
			},
		})
	}
	if p.msgs != nil {
		p.msgs.Append(sessionID, formatRXLine(frame.Raw))
	}
	if p.metrics != nil {
		p.metrics.IncFramesRead(sessionID)
	}
}

// formatRXLine renders raw as the spec's "RX: XX XX … (+K bytes)"
// line, truncating the hex dump at maxHexBytes raw bytes.
func formatRXLine(raw []byte) string {
	shown := raw
	overflow := 0
	if len(raw) > maxHexBytes {
		shown = raw[:maxHexBytes]
		overflow = len(raw) - maxHexBytes
	}

	hexStr := hex.EncodeToString(shown)
	var b []byte
	b = append(b, "RX: "...)
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, hexStr[i], hexStr[i+1])
	}
	if overflow > 0 {
		b = append(b, []byte(fmt.Sprintf(" (+%d bytes)", overflow))...)
	}
	return string(b)
}
