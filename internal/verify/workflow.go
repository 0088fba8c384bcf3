// Package verify implements the human-verification workflow: issue an
// arithmetic challenge, hold exactly one pending record per
// (community, user), and resolve it through exactly one of the correct,
// incorrect, or timeout paths. The persisted record's presence is the
// mutual-exclusion token; compare-and-delete adjudicates the race.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"joinguard/internal/gateway"
	"joinguard/internal/model"
	"joinguard/internal/notify"
	"joinguard/internal/scoring"
	"joinguard/internal/storage"
)

const defaultTimeout = 60 * time.Second

type pendingKey struct {
	communityID int64
	userID      int64
}

// pendingEntry keeps the in-memory side of one live challenge: the
// scheduled timeout and the account snapshot captured at issue time.
type pendingEntry struct {
	timer      *time.Timer
	acct       model.Account
	photoCount int
}

type Workflow struct {
	store   storage.Store
	gw      gateway.Gateway
	sink    notify.Sink
	log     *slog.Logger
	timeout time.Duration

	// OnSuccess and OnFailure run after the winning resolution commits.
	// The engine hooks live counters and the auto-tuner trigger here.
	// removed reports whether the gateway confirmed the kick; a failed
	// RemoveMember call is a failed verification but not a removal.
	OnSuccess func(ctx context.Context, communityID int64)
	OnFailure func(ctx context.Context, communityID int64, reason model.RemovalReason, removed bool)

	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry
	rng     *rand.Rand
	rngMu   sync.Mutex
	closed  bool
}

func NewWorkflow(store storage.Store, gw gateway.Gateway, sink notify.Sink, log *slog.Logger, timeout time.Duration) *Workflow {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Workflow{
		store:   store,
		gw:      gw,
		sink:    sink,
		log:     log,
		timeout: timeout,
		pending: make(map[pendingKey]*pendingEntry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *Workflow) generate() Challenge {
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return GenerateChallenge(w.rng)
}

// Issue sends a challenge to the joiner and creates the pending record.
// riskScore is carried through to the outcome record unchanged.
func (w *Workflow) Issue(ctx context.Context, communityID int64, acct model.Account, photoCount, riskScore int) error {
	ch := w.generate()
	text := fmt.Sprintf("%s, solve to stay: %s Reply with one of: %s",
		acct.FullName(), ch.Question, strings.Join(ch.Options, " "))
	msgRef, err := w.gw.SendMessage(ctx, communityID, text)
	if err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	now := time.Now().UTC()
	p := model.PendingVerification{
		CommunityID:   communityID,
		UserID:        acct.ID,
		MessageRef:    msgRef,
		CorrectAnswer: ch.Answer,
		CreatedAt:     now,
		ExpiresAt:     now.Add(w.timeout),
		RiskScore:     riskScore,
	}
	if err := w.store.PutPending(ctx, p); err != nil {
		return fmt.Errorf("store pending: %w", err)
	}

	key := pendingKey{communityID, acct.ID}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	if prev, ok := w.pending[key]; ok {
		prev.timer.Stop()
	}
	entry := &pendingEntry{acct: acct, photoCount: photoCount}
	entry.timer = time.AfterFunc(w.timeout, func() {
		w.resolveTimeout(context.Background(), key)
	})
	w.pending[key] = entry
	w.mu.Unlock()

	w.log.Info("challenge issued",
		"community_id", communityID,
		"user_id", acct.ID,
		"risk_score", riskScore,
		"expires_at", p.ExpiresAt)
	return nil
}

// HandleAnswer processes free-form text against a pending challenge.
// Text with no digits is discarded without touching the record.
func (w *Workflow) HandleAnswer(ctx context.Context, ev model.AnswerEvent) {
	digits := stripToDigits(ev.Text)
	if digits == "" {
		return
	}
	key := pendingKey{ev.CommunityID, ev.UserID}
	p, ok, err := w.store.GetPending(ctx, ev.CommunityID, ev.UserID)
	if err != nil {
		w.log.Error("load pending", "community_id", ev.CommunityID, "user_id", ev.UserID, "error", err)
		return
	}
	if !ok {
		return
	}
	if digits == p.CorrectAnswer {
		w.resolve(ctx, key, p, true, model.RemovalReason(""))
		return
	}
	w.resolve(ctx, key, p, false, model.ReasonWrongAnswer)
}

// HandleMessage is the moderation hook: chat messages from a user whose
// challenge is still pending are deleted until the challenge resolves.
// Messages from everyone else pass through untouched.
func (w *Workflow) HandleMessage(ctx context.Context, ev model.MessageEvent) {
	_, ok, err := w.store.GetPending(ctx, ev.CommunityID, ev.UserID)
	if err != nil {
		w.log.Error("load pending for moderation", "community_id", ev.CommunityID, "user_id", ev.UserID, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := w.gw.DeleteMessage(ctx, ev.CommunityID, ev.MessageRef); err != nil {
		w.log.Debug("delete pending-user message",
			"community_id", ev.CommunityID,
			"user_id", ev.UserID,
			"message_ref", ev.MessageRef,
			"error", err)
		return
	}
	w.log.Info("deleted message from unverified user",
		"community_id", ev.CommunityID,
		"user_id", ev.UserID,
		"message_ref", ev.MessageRef)
}

func (w *Workflow) resolveTimeout(ctx context.Context, key pendingKey) {
	p, ok, err := w.store.GetPending(ctx, key.communityID, key.userID)
	if err != nil {
		w.log.Error("load pending on timeout", "community_id", key.communityID, "user_id", key.userID, "error", err)
		return
	}
	if !ok {
		// Answered in the window between timer fire and this lookup.
		return
	}
	if time.Now().UTC().Before(p.ExpiresAt) {
		// A fresh challenge replaced the one this timer was armed for;
		// its own timer owns the record now.
		return
	}
	w.resolve(ctx, key, p, false, model.ReasonVerifyTimeout)
}

// resolve performs the compare-and-delete and, only as the winner,
// executes the terminal side effects for one resolution path.
func (w *Workflow) resolve(ctx context.Context, key pendingKey, p model.PendingVerification, succeeded bool, reason model.RemovalReason) {
	deleted, err := w.store.DeletePending(ctx, key.communityID, key.userID)
	if err != nil {
		w.log.Error("delete pending", "community_id", key.communityID, "user_id", key.userID, "error", err)
		return
	}
	if !deleted {
		return
	}

	entry := w.detach(key)
	acct, photoCount := w.snapshot(ctx, key, entry)

	if p.MessageRef != 0 {
		if err := w.gw.DeleteMessage(ctx, key.communityID, p.MessageRef); err != nil {
			w.log.Debug("delete challenge message", "community_id", key.communityID, "error", err)
		}
	}

	removed := false
	if !succeeded {
		if err := w.gw.RemoveMember(ctx, key.communityID, key.userID); err != nil {
			w.log.Warn("remove unverified member",
				"community_id", key.communityID,
				"user_id", key.userID,
				"reason", string(reason),
				"error", err)
		} else {
			removed = true
		}
	}

	flags := scoring.AnalyzeName(acct.FullName())
	outcome := model.VerificationOutcome{
		CommunityID:     key.communityID,
		UserID:          key.userID,
		Succeeded:       succeeded,
		UsernamePresent: acct.Username != "",
		LanguageCode:    scoring.NormalizeLang(acct.LanguageCode),
		IsPremium:       acct.IsPremium,
		AvatarCount:     photoCount,
		WeirdName:       !flags.HasLatinOrCyrillic,
		ExoticScript:    flags.HasExoticScript,
		RiskScore:       p.RiskScore,
		Timestamp:       time.Now().UTC(),
	}
	if err := w.store.AppendOutcome(ctx, outcome); err != nil {
		w.log.Error("append outcome", "community_id", key.communityID, "user_id", key.userID, "error", err)
	}

	if succeeded {
		w.log.Info("verification passed", "community_id", key.communityID, "user_id", key.userID)
		w.welcome(ctx, key.communityID, acct)
		if w.OnSuccess != nil {
			w.OnSuccess(ctx, key.communityID)
		}
		return
	}

	w.log.Info("verification failed",
		"community_id", key.communityID,
		"user_id", key.userID,
		"reason", string(reason))
	if w.OnFailure != nil {
		w.OnFailure(ctx, key.communityID, reason, removed)
	}
}

func (w *Workflow) welcome(ctx context.Context, communityID int64, acct model.Account) {
	cfg, ok, err := w.store.GetCommunity(ctx, communityID)
	if err != nil || !ok || cfg.WelcomeMessage == "" {
		return
	}
	text := strings.ReplaceAll(cfg.WelcomeMessage, "{name}", acct.FullName())
	if _, err := w.gw.SendMessage(ctx, communityID, text); err != nil {
		w.log.Debug("send welcome", "community_id", communityID, "error", err)
	}
	if w.sink != nil {
		w.sink.Publish(notify.Event{
			CommunityID: communityID,
			Type:        notify.EventWelcome,
			Message:     fmt.Sprintf("%s verified and welcomed", acct.FullName()),
		})
	}
}

// detach removes the in-memory entry and stops its timer.
func (w *Workflow) detach(key pendingKey) *pendingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.pending[key]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(w.pending, key)
	return entry
}

// snapshot returns the account attributes for the outcome record, from
// the issue-time snapshot when available, otherwise re-fetched from the
// gateway (pending records that survived a restart).
func (w *Workflow) snapshot(ctx context.Context, key pendingKey, entry *pendingEntry) (model.Account, int) {
	if entry != nil {
		return entry.acct, entry.photoCount
	}
	acct, err := w.gw.GetMember(ctx, key.communityID, key.userID)
	if err != nil {
		w.log.Debug("fetch member for outcome", "community_id", key.communityID, "user_id", key.userID, "error", err)
		acct = model.Account{ID: key.userID}
	}
	photoCount, err := w.gw.ProfilePhotoCount(ctx, key.userID)
	if err != nil {
		photoCount = 0
	}
	return acct, photoCount
}

// SweepExpired resolves pending records whose deadline has passed but
// have no live timer, such as records left behind by a restart.
func (w *Workflow) SweepExpired(ctx context.Context) {
	expired, err := w.store.ExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		w.log.Error("list expired pending", "error", err)
		return
	}
	for _, p := range expired {
		key := pendingKey{p.CommunityID, p.UserID}
		w.mu.Lock()
		_, live := w.pending[key]
		w.mu.Unlock()
		if live {
			continue
		}
		w.resolve(ctx, key, p, false, model.ReasonVerifyTimeout)
	}
}

// Close stops all scheduled timeouts without resolving them. Records
// stay persisted and are swept on the next start.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for key, entry := range w.pending {
		entry.timer.Stop()
		delete(w.pending, key)
	}
}

func stripToDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
