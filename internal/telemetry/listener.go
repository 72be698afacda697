// Package telemetry converts session lifecycle events into OpenTelemetry
// spans, one root span per session from SessionCreated to SessionClosed.
// Grounded on the teacher's runtime/telemetry package, which does the
// same for pipeline/session events; adapted here to the session-host's
// own event set (session + backpressure, not pipeline/LLM spans).
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/altairalabs/sessionhost/internal/events"
)

// Listener turns SessionCreated/SessionClosed/BackpressureDetected
// events into a root span per session, with backpressure transitions
// recorded as span events. It implements the bus Listener signature
// via Handle and is meant to be wired with events.Bus.SubscribeAll.
type Listener struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]trace.Span
}

// NewListener returns a Listener using tracer. If tracer is nil, the
// globally registered TracerProvider is used (a no-op provider when
// nothing has configured one, same as the teacher's own
// telemetry.Tracer fallback).
func NewListener(tracer trace.Tracer) *Listener {
	if tracer == nil {
		tracer = otel.Tracer("github.com/altairalabs/sessionhost")
	}
	return &Listener{tracer: tracer, sessions: make(map[string]trace.Span)}
}

// Handle dispatches a single event onto the matching span operation.
func (l *Listener) Handle(ev *events.Event) {
	switch ev.Type {
	case events.TypeSessionCreated:
		l.startSession(ev)
	case events.TypeSessionClosed:
		l.endSession(ev)
	case events.TypeBackpressureDetected:
		l.recordBackpressure(ev)
	}
}

func (l *Listener) startSession(ev *events.Event) {
	data, ok := ev.Data.(events.SessionCreatedData)
	if !ok {
		return
	}

	_, span := l.tracer.Start(context.Background(), "sessionhost.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", ev.SessionID),
			attribute.String("plugin.id", data.PluginID),
			attribute.String("capability.id", data.CapabilityID),
		),
	)

	l.mu.Lock()
	l.sessions[ev.SessionID] = span
	l.mu.Unlock()
}

func (l *Listener) endSession(ev *events.Event) {
	data, _ := ev.Data.(events.SessionClosedData)

	l.mu.Lock()
	span, ok := l.sessions[ev.SessionID]
	if ok {
		delete(l.sessions, ev.SessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	if data.Reason != "" {
		span.SetAttributes(attribute.String("close.reason", data.Reason))
	}
	span.End()
}

func (l *Listener) recordBackpressure(ev *events.Event) {
	data, ok := ev.Data.(events.BackpressureDetectedData)
	if !ok {
		return
	}

	l.mu.Lock()
	span, ok := l.sessions[ev.SessionID]
	l.mu.Unlock()
	if !ok {
		return
	}

	span.AddEvent(fmt.Sprintf("backpressure.%s", data.Level),
		trace.WithAttributes(
			attribute.String("prior_level", string(data.PriorLevel)),
			attribute.Float64("usage_ratio", data.UsageRatio),
		),
	)
}

// ActiveSpanCount returns the number of sessions with an open span,
// for tests that want to assert spans are not leaked across
// disconnects.
func (l *Listener) ActiveSpanCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
