package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// RedisService is a Redis-backed MessageStreamService: each session's
// buffer is a capped Redis list, trimmed to maxMessages on every
// append. Grounded on runtime/statestore/redis.go's RedisStore (same
// client/prefix/TTL shape, same "marshal to JSON, pipeline the
// write+trim" idiom), adapted from whole-state documents to append-only
// log lines with an RPUSH+LTRIM pair instead of a single SET.
//
// Subscribe/pause state stay local to this process — the teacher's own
// RedisStore has no pub/sub notion either, and the spec's subscribe
// contract ("invoked synchronously on the publisher's goroutine") is
// inherently process-local, so there is nothing to gain by routing it
// through Redis.
type RedisService struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	maxMessages int

	mu       sync.Mutex
	paused   map[string]bool
	dropped  map[string]int64
	handlers map[string][]Handler
}

// RedisOption configures a RedisService.
type RedisOption func(*RedisService)

// WithRedisTTL overrides the default 24 h key expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisService) { s.ttl = ttl }
}

// WithRedisPrefix overrides the default "sessionhost" key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisService) { s.prefix = prefix }
}

// NewRedisService returns a Redis-backed Service capping each
// session's list at maxMessages (DefaultMaxMessages if non-positive).
func NewRedisService(client *redis.Client, maxMessages int, opts ...RedisOption) *RedisService {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	s := &RedisService{
		client:      client,
		prefix:      "sessionhost",
		ttl:         defaultTTL,
		maxMessages: maxMessages,
		paused:      make(map[string]bool),
		dropped:     make(map[string]int64),
		handlers:    make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisService) key(sessionID string) string {
	return fmt.Sprintf("%s:messages:%s", s.prefix, sessionID)
}

// Append pushes text onto sessionID's list and trims it to the
// configured cap in a single pipeline round-trip, mirroring
// RedisStore.Save's pipelined write+index-update pattern.
func (s *RedisService) Append(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	paused := s.paused[sessionID]
	if paused {
		s.dropped[sessionID]++
	}
	s.mu.Unlock()
	if paused {
		return nil
	}

	msg := Message{SessionID: sessionID, Text: text, At: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := s.key(sessionID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -int64(s.maxMessages), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers[sessionID]...)
	s.mu.Unlock()
	for _, h := range handlers {
		safeInvoke(h, msg)
	}
	return nil
}

// Get returns up to take messages from sessionID's list, skipping the
// first skip.
func (s *RedisService) Get(ctx context.Context, sessionID string, skip, take int) ([]Message, error) {
	if take <= 0 {
		take = s.maxMessages
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), int64(skip), int64(skip+take-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range messages: %w", err)
	}
	return decodeAll(raw)
}

// Search returns every message in sessionID's list matching query.
func (s *RedisService) Search(ctx context.Context, sessionID, query string, asRegex bool) ([]Message, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range messages: %w", err)
	}
	all, err := decodeAll(raw)
	if err != nil {
		return nil, err
	}

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
	for _, msg := range all {
		if matches(msg.Text) {
			result = append(result, msg)
		}
	}
	return result, nil
}

// Clear empties sessionID's list.
func (s *RedisService) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

// Subscribe registers handler for every future local Append call on sessionID.
func (s *RedisService) Subscribe(sessionID string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[sessionID] = append(s.handlers[sessionID], handler)
}

// IsConsumptionPaused reports whether sessionID's append path is paused.
func (s *RedisService) IsConsumptionPaused(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[sessionID]
}

// SetConsumptionPaused pauses or resumes sessionID's append path.
func (s *RedisService) SetConsumptionPaused(sessionID string, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[sessionID] = paused
}

// DroppedCount returns how many Append calls were dropped while paused.
func (s *RedisService) DroppedCount(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[sessionID]
}

func decodeAll(raw []string) ([]Message, error) {
	result := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		result = append(result, msg)
	}
	return result, nil
}
