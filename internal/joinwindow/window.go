// Package joinwindow keeps a per-community sliding window of recent join
// events in memory. Entries are never persisted; a restart forgets recent
// join history.
package joinwindow

import (
	"sync"
	"time"
)

type entry struct {
	ts        time.Time
	userID    int64
	isPremium bool
}

// Member is one joiner still inside the window.
type Member struct {
	UserID    int64
	IsPremium bool
}

type communityState struct {
	mu     sync.Mutex
	events []entry
	head   int
}

// Counter answers "how many joins in the last W seconds" and "who joined in
// that window" per community, evicting stale entries from the front on
// every query.
type Counter struct {
	mu          sync.RWMutex
	communities map[int64]*communityState
	now         func() time.Time
}

func NewCounter() *Counter {
	return &Counter{
		communities: make(map[int64]*communityState),
		now:         time.Now,
	}
}

// SetNow overrides the clock. Test hook only.
func (c *Counter) SetNow(now func() time.Time) {
	c.now = now
}

func (c *Counter) community(id int64) *communityState {
	c.mu.RLock()
	s, ok := c.communities[id]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.communities[id]; ok {
		return s
	}
	s = &communityState{events: make([]entry, 0, 128)}
	c.communities[id] = s
	return s
}

// RecordJoin appends one join event. ts may be zero, in which case the
// counter's clock is used.
func (c *Counter) RecordJoin(communityID, userID int64, isPremium bool, ts time.Time) {
	if ts.IsZero() {
		ts = c.now()
	}
	s := c.community(communityID)
	s.mu.Lock()
	s.events = append(s.events, entry{ts: ts, userID: userID, isPremium: isPremium})
	s.mu.Unlock()
}

// CountInWindow evicts entries older than windowSeconds and returns the
// number that remain. Unknown communities count zero.
func (c *Counter) CountInWindow(communityID int64, windowSeconds int) int {
	c.mu.RLock()
	s, ok := c.communities[communityID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	cutoff := c.now().Add(-time.Duration(windowSeconds) * time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(cutoff)
	return len(s.events) - s.head
}

// UsersInWindow evicts stale entries and returns the joiners that remain,
// oldest first.
func (c *Counter) UsersInWindow(communityID int64, windowSeconds int) []Member {
	c.mu.RLock()
	s, ok := c.communities[communityID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	cutoff := c.now().Add(-time.Duration(windowSeconds) * time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(cutoff)
	out := make([]Member, 0, len(s.events)-s.head)
	for _, e := range s.events[s.head:] {
		out = append(out, Member{UserID: e.userID, IsPremium: e.isPremium})
	}
	return out
}

// ClearCommunity drops all window state for a community, e.g. when it
// leaves protection.
func (c *Counter) ClearCommunity(communityID int64) {
	c.mu.Lock()
	delete(c.communities, communityID)
	c.mu.Unlock()
}

// MemoryUsage reports per-community retained event counts for monitoring.
func (c *Counter) MemoryUsage() map[int64]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]int, len(c.communities))
	for id, s := range c.communities {
		s.mu.Lock()
		out[id] = len(s.events) - s.head
		s.mu.Unlock()
	}
	return out
}

// evict advances head past entries older than cutoff and reclaims the
// backing array once half of it is dead. Caller holds s.mu.
func (s *communityState) evict(cutoff time.Time) {
	for s.head < len(s.events) {
		if !s.events[s.head].ts.Before(cutoff) {
			break
		}
		s.head++
	}
	if s.head > 0 && s.head*2 >= len(s.events) {
		s.events = append([]entry{}, s.events[s.head:]...)
		s.head = 0
	}
}
