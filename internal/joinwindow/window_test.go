package joinwindow

import (
	"testing"
	"time"
)

func TestCountUnknownCommunity(t *testing.T) {
	c := NewCounter()
	if got := c.CountInWindow(42, 60); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if users := c.UsersInWindow(42, 60); users != nil {
		t.Fatalf("expected nil, got %v", users)
	}
}

func TestCountEvictsOldEntries(t *testing.T) {
	c := NewCounter()
	now := time.Now()
	clock := now
	c.SetNow(func() time.Time { return clock })

	for i := 0; i < 10; i++ {
		c.RecordJoin(1, int64(100+i), false, now.Add(time.Duration(i)*time.Second))
	}
	if got := c.CountInWindow(1, 60); got != 10 {
		t.Fatalf("expected 10 in window, got %d", got)
	}

	// Fast-forward past the window: every entry must age out.
	clock = now.Add(2 * time.Minute)
	if got := c.CountInWindow(1, 60); got != 0 {
		t.Fatalf("expected 0 after window elapsed, got %d", got)
	}
}

func TestPartialEviction(t *testing.T) {
	c := NewCounter()
	now := time.Now()
	clock := now
	c.SetNow(func() time.Time { return clock })

	c.RecordJoin(1, 1, false, now.Add(-90*time.Second))
	c.RecordJoin(1, 2, false, now.Add(-30*time.Second))
	c.RecordJoin(1, 3, true, now.Add(-5*time.Second))

	if got := c.CountInWindow(1, 60); got != 2 {
		t.Fatalf("expected 2 in 60s window, got %d", got)
	}
	users := c.UsersInWindow(1, 60)
	if len(users) != 2 || users[0].UserID != 2 || users[1].UserID != 3 {
		t.Fatalf("unexpected users: %v", users)
	}
	if !users[1].IsPremium {
		t.Fatalf("premium flag lost")
	}
}

func TestCommunitiesIsolated(t *testing.T) {
	c := NewCounter()
	c.RecordJoin(1, 10, false, time.Now())
	c.RecordJoin(2, 20, false, time.Now())
	if got := c.CountInWindow(1, 60); got != 1 {
		t.Fatalf("community 1: expected 1, got %d", got)
	}
	if got := c.CountInWindow(2, 60); got != 1 {
		t.Fatalf("community 2: expected 1, got %d", got)
	}
}

func TestClearCommunity(t *testing.T) {
	c := NewCounter()
	c.RecordJoin(1, 10, false, time.Now())
	c.ClearCommunity(1)
	if got := c.CountInWindow(1, 60); got != 0 {
		t.Fatalf("expected 0 after clear, got %d", got)
	}
}

func TestMemoryUsage(t *testing.T) {
	c := NewCounter()
	now := time.Now()
	for i := 0; i < 3; i++ {
		c.RecordJoin(7, int64(i), false, now)
	}
	usage := c.MemoryUsage()
	if usage[7] != 3 {
		t.Fatalf("expected 3 retained events, got %d", usage[7])
	}
}
