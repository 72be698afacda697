// Package session binds plugin capabilities to live sessions: it owns
// segment allocation, the apply-shared-memory-segment/connect
// handshake, session bookkeeping, and the rx/tx byte counters driven by
// the event bus.
package session

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Session is a live binding of one capability instance to one
// allocated shared-memory segment and one set of connect parameters.
// Only the coordinator's own methods and the atomic byte counters may
// mutate a Session after creation.
type Session struct {
	ID           string
	Name         string
	PluginID     string
	CapabilityID string
	Parameters   json.RawMessage
	StartUTC     time.Time

	status atomic.Int64 // Status, encoded via statusCode, decoded by Status

	RXBytes atomic.Int64
	TXBytes atomic.Int64
}

var statusCodes = []Status{StatusConnecting, StatusConnected, StatusDisconnected, StatusFailed}

func statusCode(s Status) int64 {
	for i, c := range statusCodes {
		if c == s {
			return int64(i)
		}
	}
	return -1
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	code := s.status.Load()
	if code < 0 || int(code) >= len(statusCodes) {
		return StatusFailed
	}
	return statusCodes[code]
}

func (s *Session) setStatus(status Status) {
	s.status.Store(statusCode(status))
}

// AddRXBytes atomically increments the session's received-byte counter.
func (s *Session) AddRXBytes(n int64) {
	s.RXBytes.Add(n)
}

// AddTXBytes atomically increments the session's sent-byte counter.
func (s *Session) AddTXBytes(n int64) {
	s.TXBytes.Add(n)
}
