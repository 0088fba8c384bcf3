// Package notify carries structured administrator-facing events out of
// the core. The engine publishes here; presentation layers subscribe or
// poll the in-memory store through the API.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventAttackStarted    EventType = "attack_started"
	EventAttackEnded      EventType = "attack_ended"
	EventWeightAdjustment EventType = "weight_adjustment"
	EventWelcome          EventType = "welcome"
)

type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	CommunityID int64          `json:"community_id"`
	Type        EventType      `json:"type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
}

// Sink receives events. Implementations must not block the caller for
// long; event emission sits on the join-event hot path.
type Sink interface {
	Publish(ev Event)
}

// Store is a bounded in-memory ring of recent events, oldest dropped
// first. It doubles as the default Sink.
type Store struct {
	mu    sync.RWMutex
	buf   []Event
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

func (s *Store) List(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Event, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}

// Logging wraps a Sink and mirrors every event to the logger.
type Logging struct {
	Next Sink
	Log  *slog.Logger
}

func (l *Logging) Publish(ev Event) {
	if l.Log != nil {
		l.Log.Info("notify",
			"type", string(ev.Type),
			"community_id", ev.CommunityID,
			"message", ev.Message)
	}
	if l.Next != nil {
		l.Next.Publish(ev)
	}
}
