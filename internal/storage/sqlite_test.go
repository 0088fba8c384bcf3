package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	st, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCommunityRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cc := config.DefaultCommunityConfig()
	cc.CommunityID = -100123
	cc.Title = "test community"
	cc.Threshold = 15
	cc.LangDistribution = map[string]float64{"de": 0.6, "en": 0.4}
	if err := st.UpsertCommunity(ctx, cc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := st.GetCommunity(ctx, cc.CommunityID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Threshold != 15 || got.Title != "test community" {
		t.Fatalf("unexpected community: %+v", got)
	}
	if got.LangDistribution["de"] != 0.6 {
		t.Fatalf("lang distribution not persisted: %+v", got.LangDistribution)
	}
	if got.Weights != cc.Weights {
		t.Fatalf("weights not persisted: %+v", got.Weights)
	}

	_, ok, err = st.GetCommunity(ctx, 999)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatal("expected missing community")
	}
}

func TestSetMitigationActiveIsCompareAndSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cc := config.DefaultCommunityConfig()
	cc.CommunityID = 1
	if err := st.UpsertCommunity(ctx, cc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	changed, err := st.SetMitigationActive(ctx, 1, true)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !changed {
		t.Fatal("first transition should report changed")
	}

	changed, err = st.SetMitigationActive(ctx, 1, true)
	if err != nil {
		t.Fatalf("set again: %v", err)
	}
	if changed {
		t.Fatal("second identical set must not report changed")
	}

	changed, err = st.SetMitigationActive(ctx, 1, false)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !changed {
		t.Fatal("clearing should report changed")
	}
}

func TestAttackSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-2 * time.Minute).Truncate(time.Second)

	id, err := st.OpenAttackSession(ctx, 7, start)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id == 0 {
		t.Fatal("expected session id")
	}
	if err := st.AddSessionRemovals(ctx, 7, 12); err != nil {
		t.Fatalf("add removals: %v", err)
	}
	if err := st.AddSessionRemovals(ctx, 7, 3); err != nil {
		t.Fatalf("add removals: %v", err)
	}

	sess, ok, err := st.LastAttackSession(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("last: ok=%v err=%v", ok, err)
	}
	if !sess.EndTime.IsZero() {
		t.Fatal("session should still be open")
	}
	if sess.TotalRemoved != 15 {
		t.Fatalf("expected 15 removals, got %d", sess.TotalRemoved)
	}

	end := time.Now().Truncate(time.Second)
	if err := st.CloseAttackSession(ctx, 7, end); err != nil {
		t.Fatalf("close: %v", err)
	}
	sess, _, err = st.LastAttackSession(ctx, 7)
	if err != nil {
		t.Fatalf("last after close: %v", err)
	}
	if sess.EndTime.IsZero() {
		t.Fatal("session should be closed")
	}

	// Removals after close must not touch the finished session.
	if err := st.AddSessionRemovals(ctx, 7, 100); err != nil {
		t.Fatalf("add after close: %v", err)
	}
	sess, _, _ = st.LastAttackSession(ctx, 7)
	if sess.TotalRemoved != 15 {
		t.Fatalf("closed session mutated: %d", sess.TotalRemoved)
	}

	list, err := st.ListAttackSessions(ctx, 7, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
}

func TestPendingCompareAndDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := model.PendingVerification{
		CommunityID:   5,
		UserID:        42,
		MessageRef:    900,
		CorrectAnswer: "12",
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Minute),
		RiskScore:     35,
	}
	if err := st.PutPending(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := st.GetPending(ctx, 5, 42)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.CorrectAnswer != "12" || got.MessageRef != 900 {
		t.Fatalf("unexpected pending: %+v", got)
	}

	deleted, err := st.DeletePending(ctx, 5, 42)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("first delete should win")
	}
	deleted, err = st.DeletePending(ctx, 5, 42)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Fatal("second delete must lose the race")
	}
}

func TestExpiredPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := model.PendingVerification{
		CommunityID: 1, UserID: 1, CorrectAnswer: "3",
		CreatedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	}
	fresh := model.PendingVerification{
		CommunityID: 1, UserID: 2, CorrectAnswer: "4",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	if err := st.PutPending(ctx, stale); err != nil {
		t.Fatalf("put stale: %v", err)
	}
	if err := st.PutPending(ctx, fresh); err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	expired, err := st.ExpiredPending(ctx, now)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].UserID != 1 {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
}

func TestOutcomeAggregation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	outcomes := []model.VerificationOutcome{
		{CommunityID: 9, UserID: 100, Succeeded: true, UsernamePresent: true, LanguageCode: "de", AvatarCount: 3, RiskScore: 5, Timestamp: now},
		{CommunityID: 9, UserID: 200, Succeeded: true, UsernamePresent: true, LanguageCode: "de", AvatarCount: 1, RiskScore: 10, Timestamp: now},
		{CommunityID: 9, UserID: 300, Succeeded: true, UsernamePresent: false, LanguageCode: "en", AvatarCount: 0, RiskScore: 20, Timestamp: now},
		{CommunityID: 9, UserID: 400, Succeeded: false, UsernamePresent: false, LanguageCode: "", AvatarCount: 0, ExoticScript: true, RiskScore: 80, Timestamp: now},
		{CommunityID: 9, UserID: 500, Succeeded: false, UsernamePresent: false, LanguageCode: "", AvatarCount: 0, WeirdName: true, RiskScore: 60, Timestamp: now},
	}
	for _, o := range outcomes {
		if err := st.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	stats, err := st.ScoringStats(ctx, 9, time.Hour)
	if err != nil {
		t.Fatalf("scoring stats: %v", err)
	}
	if stats.TotalSuccessful != 3 {
		t.Fatalf("expected 3 successful, got %d", stats.TotalSuccessful)
	}
	if stats.LanguageCounts["de"] != 2 || stats.LanguageCounts["en"] != 1 {
		t.Fatalf("unexpected language counts: %+v", stats.LanguageCounts)
	}
	if stats.IDPercentile99 != 300 {
		t.Fatalf("expected p99=300, got %d", stats.IDPercentile99)
	}

	failed, err := st.OutcomeStats(ctx, 9, time.Hour, false, 0, 0)
	if err != nil {
		t.Fatalf("failed stats: %v", err)
	}
	if failed.Total != 2 {
		t.Fatalf("expected 2 failed, got %d", failed.Total)
	}
	if failed.NoUsernameRate != 1.0 {
		t.Fatalf("expected no-username rate 1.0, got %f", failed.NoUsernameRate)
	}
	if failed.ExoticRate != 0.5 || failed.WeirdNameRate != 0.5 {
		t.Fatalf("unexpected rates: %+v", failed)
	}
	if failed.AvgScore != 70 {
		t.Fatalf("expected avg score 70, got %f", failed.AvgScore)
	}

	// Records older than the window do not count.
	old := model.VerificationOutcome{CommunityID: 9, UserID: 600, Succeeded: false, RiskScore: 99, Timestamp: now.Add(-2 * time.Hour)}
	if err := st.AppendOutcome(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	failed, err = st.OutcomeStats(ctx, 9, time.Hour, false, 0, 0)
	if err != nil {
		t.Fatalf("stats after old append: %v", err)
	}
	if failed.Total != 2 {
		t.Fatalf("stale outcome leaked into window: %d", failed.Total)
	}
}
