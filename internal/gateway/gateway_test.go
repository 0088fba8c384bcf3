package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"joinguard/internal/model"
)

type fakeGateway struct {
	mu       sync.Mutex
	removed  []int64
	failIDs  map[int64]bool
	inFlight int
	maxSeen  int
}

func (f *fakeGateway) RemoveMember(ctx context.Context, communityID, userID int64) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.failIDs[userID] {
		return errors.New("user already left")
	}
	f.removed = append(f.removed, userID)
	return nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, communityID int64, text string) (int64, error) {
	return 0, nil
}

func (f *fakeGateway) DeleteMessage(ctx context.Context, communityID, messageRef int64) error {
	return nil
}

func (f *fakeGateway) ProfilePhotoCount(ctx context.Context, userID int64) (int, error) {
	return 0, nil
}

func (f *fakeGateway) GetMember(ctx context.Context, communityID, userID int64) (model.Account, error) {
	return model.Account{ID: userID}, nil
}

func TestRemoveAllCountsOnlyConfirmed(t *testing.T) {
	fake := &fakeGateway{failIDs: map[int64]bool{3: true, 7: true}}
	r := NewRemover(fake, nil, 50, 4, time.Millisecond)

	ids := make([]int64, 0, 20)
	for i := int64(1); i <= 20; i++ {
		ids = append(ids, i)
	}
	got := r.RemoveAll(context.Background(), -100, ids, model.ReasonAttackWindow)
	if got != 18 {
		t.Fatalf("expected 18 confirmed removals, got %d", got)
	}
	if len(fake.removed) != 18 {
		t.Fatalf("gateway saw %d removals", len(fake.removed))
	}
}

func TestRemoveAllBoundedConcurrency(t *testing.T) {
	fake := &fakeGateway{}
	r := NewRemover(fake, nil, 100, 5, time.Millisecond)

	ids := make([]int64, 0, 60)
	for i := int64(1); i <= 60; i++ {
		ids = append(ids, i)
	}
	got := r.RemoveAll(context.Background(), -100, ids, model.ReasonMitigationMode)
	if got != 60 {
		t.Fatalf("expected 60 removals, got %d", got)
	}
	if fake.maxSeen > 5 {
		t.Fatalf("concurrency exceeded bound: %d", fake.maxSeen)
	}
}

func TestRemoveAllStopsOnCancel(t *testing.T) {
	fake := &fakeGateway{}
	r := NewRemover(fake, nil, 10, 2, 10*time.Second)

	ids := make([]int64, 0, 30)
	for i := int64(1); i <= 30; i++ {
		ids = append(ids, i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- r.RemoveAll(ctx, -100, ids, model.ReasonMitigationMode) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case got := <-done:
		if got > 10 {
			t.Fatalf("expected at most one batch before cancel, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RemoveAll did not return after cancel")
	}
}

func TestRemoveAllEmpty(t *testing.T) {
	fake := &fakeGateway{}
	r := NewRemover(fake, nil, 50, 10, time.Millisecond)
	if got := r.RemoveAll(context.Background(), -100, nil, model.ReasonRiskScore); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
