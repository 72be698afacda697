package metrics

import (
	"github.com/altairalabs/sessionhost/internal/events"
)

// Listener records session-host events as Prometheus metrics. It
// implements events.Listener's signature and is meant to be
// registered with an event bus via SubscribeAll.
type Listener struct {
	registry *Registry
}

// NewListener binds a Listener to registry.
func NewListener(registry *Registry) *Listener {
	return &Listener{registry: registry}
}

// Handle processes a single event, updating whichever metric (if any)
// it corresponds to. Frame counters are updated directly by the frame
// pump (it has the per-frame detail the bus event does not carry);
// this listener covers the events that are naturally bus-wide instead.
func (l *Listener) Handle(event *events.Event) {
	switch event.Type {
	case events.TypeBackpressureDetected:
		l.handleBackpressureDetected(event)
	case events.TypeSessionClosed:
		l.registry.DeleteSession(event.SessionID)
	default:
		// No metric corresponds to this event type.
	}
}

func (l *Listener) handleBackpressureDetected(event *events.Event) {
	data, ok := event.Data.(events.BackpressureDetectedData)
	if !ok {
		return
	}
	l.registry.SetSegmentUsageRatio(event.SessionID, data.UsageRatio)
	l.registry.SetBackpressureLevel(event.SessionID, string(data.Level))
}
