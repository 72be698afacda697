// Package messages implements the per-session bounded log buffer
// (MessageStreamService) the frame pump appends decoded-frame log
// lines to, and the UI layer tails for display.
package messages

import "time"

// DefaultMaxMessages is the spec's default per-session cap before FIFO
// eviction starts discarding the oldest entries.
const DefaultMaxMessages = 10000

// Message is one log line appended for a session.
type Message struct {
	SessionID string
	Text      string
	At        time.Time
}

// Handler receives messages as they are appended, for subscribe().
type Handler func(Message)
