package messages

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// sessionLog is one session's bounded ring of messages plus its
// subscribers and consumption-pause flag.
type sessionLog struct {
	mu       sync.RWMutex
	buf      []Message
	paused   atomic.Bool
	dropped  atomic.Int64
	handlers []Handler
}

// Service is the in-memory MessageStreamService: a per-session bounded
// FIFO-eviction log buffer, grounded on the teacher's MemoryStore
// mutex-protected map-of-state pattern (runtime/statestore/memory.go),
// adapted from whole-conversation state to append-only log lines.
type Service struct {
	maxMessages int

	mu       sync.RWMutex
	sessions map[string]*sessionLog
}

// NewService returns a Service capping each session's buffer at
// maxMessages (DefaultMaxMessages if zero or negative).
func NewService(maxMessages int) *Service {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Service{maxMessages: maxMessages, sessions: make(map[string]*sessionLog)}
}

func (s *Service) logFor(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.sessions[sessionID]
	if !ok {
		log = &sessionLog{}
		s.sessions[sessionID] = log
	}
	return log
}

// Append adds text to sessionID's buffer, evicting the oldest entry if
// the buffer is already at capacity. While the session's consumption
// is paused, the text is discarded and only the session's dropped
// counter is incremented.
func (s *Service) Append(sessionID, text string) {
	log := s.logFor(sessionID)
	if log.paused.Load() {
		log.dropped.Add(1)
		return
	}

	msg := Message{SessionID: sessionID, Text: text, At: time.Now().UTC()}

	log.mu.Lock()
	if len(log.buf) >= s.maxMessages {
		log.buf = log.buf[1:]
	}
	log.buf = append(log.buf, msg)
	handlers := append([]Handler(nil), log.handlers...)
	log.mu.Unlock()

	for _, h := range handlers {
		safeInvoke(h, msg)
	}
}

func safeInvoke(h Handler, msg Message) {
	defer func() { _ = recover() }()
	h(msg)
}

// Get returns up to take messages from sessionID's buffer, skipping
// the first skip.
func (s *Service) Get(sessionID string, skip, take int) []Message {
	log := s.logFor(sessionID)
	log.mu.RLock()
	defer log.mu.RUnlock()

	if skip >= len(log.buf) {
		return nil
	}
	end := skip + take
	if take <= 0 || end > len(log.buf) {
		end = len(log.buf)
	}
	result := make([]Message, end-skip)
	copy(result, log.buf[skip:end])
	return result
}

// Search returns every message in sessionID's buffer matching query,
// either as a plain substring or, when asRegex is set, a regular
// expression.
func (s *Service) Search(sessionID, query string, asRegex bool) ([]Message, error) {
	log := s.logFor(sessionID)
	log.mu.RLock()
	defer log.mu.RUnlock()

	var matches func(string) bool
	if asRegex {
		re, err := regexp.Compile(query)
		if err != nil {
			return nil, err
		}
		matches = re.MatchString
	} else {
		matches = func(text string) bool { return strings.Contains(text, query) }
	}

	var result []Message
	for _, msg := range log.buf {
		if matches(msg.Text) {
			result = append(result, msg)
		}
	}
	return result, nil
}

// Clear empties sessionID's buffer. Subscribers and the pause flag are
// left untouched.
func (s *Service) Clear(sessionID string) {
	log := s.logFor(sessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	log.buf = nil
}

// Subscribe registers handler to be invoked, synchronously on the
// appending goroutine, for every future Append on sessionID.
func (s *Service) Subscribe(sessionID string, handler Handler) {
	log := s.logFor(sessionID)
	log.mu.Lock()
	defer log.mu.Unlock()
	log.handlers = append(log.handlers, handler)
}

// IsConsumptionPaused reports whether sessionID's append path is
// currently paused.
func (s *Service) IsConsumptionPaused(sessionID string) bool {
	return s.logFor(sessionID).paused.Load()
}

// SetConsumptionPaused pauses or resumes sessionID's append path. While
// paused, Append still records the drop count but discards the text.
func (s *Service) SetConsumptionPaused(sessionID string, paused bool) {
	s.logFor(sessionID).paused.Store(paused)
}

// DroppedCount returns how many Append calls were dropped while
// sessionID's consumption was paused.
func (s *Service) DroppedCount(sessionID string) int64 {
	return s.logFor(sessionID).dropped.Load()
}

// Forget removes all state for sessionID, e.g. once its session
// disconnects.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
