package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/model"
	"joinguard/internal/notify"
	"joinguard/internal/stats"
	"joinguard/internal/storage"
)

type fakeGateway struct {
	mu        sync.Mutex
	removed   []int64
	sent      []string
	deleted   []int64
	nextRef   int64
	photos    int
	removeErr error
}

func (f *fakeGateway) RemoveMember(ctx context.Context, communityID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, userID)
	return nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, communityID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.nextRef++
	return f.nextRef, nil
}

func (f *fakeGateway) DeleteMessage(ctx context.Context, communityID, messageRef int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageRef)
	return nil
}

func (f *fakeGateway) ProfilePhotoCount(ctx context.Context, userID int64) (int, error) {
	return f.photos, nil
}

func (f *fakeGateway) GetMember(ctx context.Context, communityID, userID int64) (model.Account, error) {
	return model.Account{ID: userID}, nil
}

func (f *fakeGateway) removedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.removed))
	copy(out, f.removed)
	return out
}

func newTestEngine(t *testing.T, seed func(*config.CommunityConfig)) (*Engine, storage.Store, *fakeGateway, *stats.Store) {
	t.Helper()
	st, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "engine.db") + "?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cc := config.DefaultCommunityConfig()
	cc.CommunityID = 1
	if seed != nil {
		seed(&cc)
	}
	if err := st.UpsertCommunity(context.Background(), cc); err != nil {
		t.Fatalf("seed community: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Removal.InterBatchWait = time.Millisecond
	gw := &fakeGateway{photos: 2}
	live := stats.NewStore(100)
	e := NewEngine(cfg, nil, st, gw, notify.NewStore(100), live)
	return e, st, gw, live
}

func TestLowRiskJoinGetsChallenge(t *testing.T) {
	e, st, gw, _ := newTestEngine(t, nil)
	ctx := context.Background()

	acct := model.Account{ID: 42, Username: "alexander", FirstName: "Alex", LanguageCode: "en", IsPremium: true}
	e.ProcessJoin(ctx, model.JoinEvent{Timestamp: time.Now(), CommunityID: 1, Account: acct})
	e.Wait()

	if _, ok, _ := st.GetPending(ctx, 1, 42); !ok {
		t.Fatal("expected a pending challenge")
	}
	if len(gw.removedIDs()) != 0 {
		t.Fatal("low-risk account should not be removed")
	}
	if len(gw.sent) != 1 {
		t.Fatalf("expected one challenge message, got %d", len(gw.sent))
	}
}

func TestHighRiskJoinRemoved(t *testing.T) {
	e, st, gw, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// No username, no avatar, no language, CJK-only name: far over the
	// default threshold.
	gw.photos = 0
	acct := model.Account{ID: 43, FirstName: "ログボ"}
	e.ProcessJoin(ctx, model.JoinEvent{Timestamp: time.Now(), CommunityID: 1, Account: acct})
	e.Wait()

	removed := gw.removedIDs()
	if len(removed) != 1 || removed[0] != 43 {
		t.Fatalf("expected removal of 43, got %v", removed)
	}
	if _, ok, _ := st.GetPending(ctx, 1, 43); ok {
		t.Fatal("removed account must not get a challenge")
	}
}

func TestRaidTriggersMassRemoval(t *testing.T) {
	e, st, gw, _ := newTestEngine(t, func(cc *config.CommunityConfig) {
		cc.ScoringEnabled = false
		cc.VerifyEnabled = false
	})
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 10; i++ {
		e.ProcessJoin(ctx, model.JoinEvent{
			Timestamp:   now.Add(time.Duration(i) * 100 * time.Millisecond),
			CommunityID: 1,
			Account:     model.Account{ID: i},
		})
	}
	e.Wait()

	removed := gw.removedIDs()
	if len(removed) != 10 {
		t.Fatalf("expected all 10 raiders removed, got %d", len(removed))
	}
	sess, ok, err := st.LastAttackSession(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("session: ok=%v err=%v", ok, err)
	}
	if sess.TotalRemoved != 10 {
		t.Fatalf("session counter expected 10, got %d", sess.TotalRemoved)
	}
}

func TestPremiumSparedDuringRaid(t *testing.T) {
	e, _, gw, _ := newTestEngine(t, func(cc *config.CommunityConfig) {
		cc.ScoringEnabled = false
		cc.VerifyEnabled = false
	})
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 10; i++ {
		e.ProcessJoin(ctx, model.JoinEvent{
			Timestamp:   now,
			CommunityID: 1,
			Account:     model.Account{ID: i, IsPremium: i == 5},
		})
	}
	e.Wait()

	for _, id := range gw.removedIDs() {
		if id == 5 {
			t.Fatal("premium account removed despite protection")
		}
	}
}

func TestUnknownCommunityAutoProtected(t *testing.T) {
	e, st, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	e.ProcessJoin(ctx, model.JoinEvent{
		Timestamp:   time.Now(),
		CommunityID: 777,
		Account:     model.Account{ID: 1, Username: "alexander", FirstName: "Alex", LanguageCode: "en", IsPremium: true},
	})
	e.Wait()

	cc, ok, err := st.GetCommunity(ctx, 777)
	if err != nil || !ok {
		t.Fatalf("community not seeded: ok=%v err=%v", ok, err)
	}
	if cc.Threshold != config.DefaultCommunityConfig().Threshold {
		t.Fatalf("unexpected seeded threshold: %d", cc.Threshold)
	}
}

func TestRejectedKickNotCountedAsRemoval(t *testing.T) {
	e, st, gw, live := newTestEngine(t, nil)
	ctx := context.Background()
	gw.removeErr = errors.New("not enough rights")

	acct := model.Account{ID: 42, Username: "alexander", FirstName: "Alex", LanguageCode: "en"}
	e.ProcessJoin(ctx, model.JoinEvent{Timestamp: time.Now(), CommunityID: 1, Account: acct})
	if _, ok, _ := st.GetPending(ctx, 1, 42); !ok {
		t.Fatal("expected a pending challenge")
	}
	// Answers are never zero, so this always fails the challenge.
	e.ProcessAnswer(ctx, model.AnswerEvent{CommunityID: 1, UserID: 42, Text: "0"})
	e.Wait()

	snap, ok := live.Get(1)
	if !ok {
		t.Fatal("no live counters for community 1")
	}
	if snap.Failed != 1 {
		t.Fatalf("expected one failed verification, got %d", snap.Failed)
	}
	if snap.Removed != 0 {
		t.Fatalf("kick the gateway rejected must not be counted, removed=%d", snap.Removed)
	}
}

func TestUnverifiedUserMessageDeleted(t *testing.T) {
	e, _, gw, _ := newTestEngine(t, nil)
	ctx := context.Background()

	acct := model.Account{ID: 42, Username: "alexander", FirstName: "Alex", LanguageCode: "en"}
	e.ProcessJoin(ctx, model.JoinEvent{Timestamp: time.Now(), CommunityID: 1, Account: acct})
	e.ProcessMessage(ctx, model.MessageEvent{CommunityID: 1, UserID: 42, MessageRef: 700, Text: "hi"})
	e.Wait()

	gw.mu.Lock()
	deleted := append([]int64(nil), gw.deleted...)
	gw.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != 700 {
		t.Fatalf("expected message 700 deleted, got %v", deleted)
	}
}

func TestBotAccountsIgnored(t *testing.T) {
	e, st, gw, _ := newTestEngine(t, nil)
	ctx := context.Background()

	e.ProcessJoin(ctx, model.JoinEvent{
		Timestamp:   time.Now(),
		CommunityID: 1,
		Account:     model.Account{ID: 99, IsBot: true},
	})
	e.Wait()

	if len(gw.removedIDs()) != 0 || len(gw.sent) != 0 {
		t.Fatal("bot join should be a no-op")
	}
	if _, ok, _ := st.GetPending(ctx, 1, 99); ok {
		t.Fatal("bot join should not create a challenge")
	}
}
