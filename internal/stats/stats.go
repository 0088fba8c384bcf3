// Package stats keeps in-memory live counters per protected community
// for the operational API: joins seen, removals by reason, challenges
// issued and resolved. Counters reset on restart; durable history lives
// in storage.
package stats

import (
	"sync"
	"time"

	"joinguard/internal/model"
)

type CommunitySnapshot struct {
	CommunityID      int64          `json:"community_id"`
	JoinsSeen        int64          `json:"joins_seen"`
	Removed          int64          `json:"removed"`
	RemovedByReason  map[string]int `json:"removed_by_reason"`
	ChallengesIssued int64          `json:"challenges_issued"`
	Verified         int64          `json:"verified"`
	Failed           int64          `json:"failed"`
	Mitigating       bool           `json:"mitigating"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type communityCounters struct {
	joinsSeen        int64
	removed          int64
	removedByReason  map[string]int
	challengesIssued int64
	verified         int64
	failed           int64
	mitigating       bool
}

type Store struct {
	mu        sync.RWMutex
	byID      map[int64]*communityCounters
	updatedAt map[int64]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byID:      make(map[int64]*communityCounters),
		updatedAt: make(map[int64]time.Time),
		limit:     limit,
	}
}

func (s *Store) counters(communityID int64) *communityCounters {
	c, ok := s.byID[communityID]
	if !ok {
		c = &communityCounters{removedByReason: make(map[string]int)}
		s.byID[communityID] = c
		if len(s.byID) > s.limit {
			s.evictOldest()
		}
	}
	s.updatedAt[communityID] = time.Now().UTC()
	return c
}

func (s *Store) RecordJoin(communityID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(communityID).joinsSeen++
}

func (s *Store) RecordRemovals(communityID int64, n int, reason model.RemovalReason) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(communityID)
	c.removed += int64(n)
	c.removedByReason[string(reason)] += n
}

func (s *Store) RecordChallenge(communityID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(communityID).challengesIssued++
}

func (s *Store) RecordVerification(communityID int64, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(communityID)
	if succeeded {
		c.verified++
	} else {
		c.failed++
	}
}

func (s *Store) SetMitigating(communityID int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(communityID).mitigating = active
}

func (s *Store) Get(communityID int64) (CommunitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[communityID]
	if !ok {
		return CommunitySnapshot{}, false
	}
	return s.snapshot(communityID, c), true
}

func (s *Store) GetAll() []CommunitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommunitySnapshot, 0, len(s.byID))
	for id, c := range s.byID {
		out = append(out, s.snapshot(id, c))
	}
	return out
}

func (s *Store) snapshot(communityID int64, c *communityCounters) CommunitySnapshot {
	byReason := make(map[string]int, len(c.removedByReason))
	for k, v := range c.removedByReason {
		byReason[k] = v
	}
	return CommunitySnapshot{
		CommunityID:      communityID,
		JoinsSeen:        c.joinsSeen,
		Removed:          c.removed,
		RemovedByReason:  byReason,
		ChallengesIssued: c.challengesIssued,
		Verified:         c.verified,
		Failed:           c.failed,
		Mitigating:       c.mitigating,
		UpdatedAt:        s.updatedAt[communityID],
	}
}

func (s *Store) evictOldest() {
	var oldestID int64
	var oldest time.Time
	first := true
	for id, ts := range s.updatedAt {
		if first || ts.Before(oldest) {
			oldestID = id
			oldest = ts
			first = false
		}
	}
	if !first {
		delete(s.byID, oldestID)
		delete(s.updatedAt, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int64]*communityCounters)
	s.updatedAt = make(map[int64]time.Time)
}
