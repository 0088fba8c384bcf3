// Package engine wires the pipeline: attack detector first, then risk
// scoring, then the verification challenge. Join events for different
// communities and concurrent joins for the same community are processed
// by a shared worker pool; removals run asynchronously so slow gateway
// calls never stall ingestion.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/detector"
	"joinguard/internal/gateway"
	"joinguard/internal/joinwindow"
	"joinguard/internal/model"
	"joinguard/internal/notify"
	"joinguard/internal/scoring"
	"joinguard/internal/stats"
	"joinguard/internal/storage"
	"joinguard/internal/tuner"
	"joinguard/internal/verify"
)

type Engine struct {
	logger   *slog.Logger
	store    storage.Store
	gw       gateway.Gateway
	window   *joinwindow.Counter
	detector *detector.Detector
	workflow *verify.Workflow
	tuner    *tuner.Tuner
	remover  *gateway.Remover
	events   notify.Sink
	live     *stats.Store
	cfg      atomic.Value
	started  time.Time
	wg       sync.WaitGroup
	removals sync.WaitGroup
}

func NewEngine(cfg *config.Config, logger *slog.Logger, store storage.Store, gw gateway.Gateway, events notify.Sink, live *stats.Store) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:  logger,
		store:   store,
		gw:      gw,
		window:  joinwindow.NewCounter(),
		events:  events,
		live:    live,
		started: time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	e.detector = detector.New(store, e.window, events, logger)
	e.remover = gateway.NewRemover(gw, logger,
		cfg.Removal.BatchSize, cfg.Removal.BatchParallel, cfg.Removal.InterBatchWait)
	e.tuner = tuner.New(store, events, logger, cfg.Engine.StatsWindow)
	e.workflow = verify.NewWorkflow(store, gw, events, logger, cfg.Engine.VerifyTimeout)
	e.workflow.OnSuccess = func(ctx context.Context, communityID int64) {
		e.live.RecordVerification(communityID, true)
	}
	e.workflow.OnFailure = func(ctx context.Context, communityID int64, reason model.RemovalReason, removed bool) {
		e.live.RecordVerification(communityID, false)
		if removed {
			e.live.RecordRemovals(communityID, 1, reason)
		}
		if _, err := e.tuner.MaybeAdjust(ctx, communityID); err != nil {
			e.logger.Error("auto-adjust", "community_id", communityID, "error", err)
		}
	}
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Uptime() time.Duration {
	return time.Since(e.started)
}

func (e *Engine) Window() *joinwindow.Counter {
	return e.window
}

// Start launches the worker pool and the expired-challenge sweeper.
// Closing is driven entirely by ctx.
func (e *Engine) Start(ctx context.Context, joins <-chan model.JoinEvent, answers <-chan model.AnswerEvent, messages <-chan model.MessageEvent) {
	workers := e.config().Engine.Workers
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case ev := <-joins:
					e.ProcessJoin(ctx, ev)
				case ev := <-answers:
					e.ProcessAnswer(ctx, ev)
				case ev := <-messages:
					e.ProcessMessage(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.workflow.SweepExpired(ctx)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.workflow.SweepExpired(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the workers have drained and pending removal
// goroutines are done. Call after cancelling the Start context.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.removals.Wait()
	e.workflow.Close()
}

// ProcessJoin runs one join event through detector, scorer, and
// verification. Every failure is scoped to this event; nothing here is
// fatal to the process.
func (e *Engine) ProcessJoin(ctx context.Context, ev model.JoinEvent) {
	if ev.Account.IsBot {
		return
	}
	e.live.RecordJoin(ev.CommunityID)

	cc, err := e.communityConfig(ctx, ev.CommunityID)
	if err != nil {
		e.logger.Error("load community config", "community_id", ev.CommunityID, "error", err)
		return
	}

	dec, err := e.detector.HandleJoin(ctx, cc, ev)
	if err != nil {
		e.logger.Error("detector", "community_id", ev.CommunityID, "error", err)
	}
	e.live.SetMitigating(ev.CommunityID, dec.Mitigating)

	if dec.AttackStarted && len(dec.WindowTargets) > 0 {
		e.removeAsync(ctx, ev.CommunityID, dec.WindowTargets, model.ReasonAttackWindow, true)
	}
	if dec.RemoveCurrent {
		e.removeAsync(ctx, ev.CommunityID, []int64{ev.Account.ID}, dec.Reason, true)
	}
	if dec.Mitigating || dec.AttackEnded {
		return
	}

	e.scoreAndChallenge(ctx, cc, ev.Account)
}

func (e *Engine) scoreAndChallenge(ctx context.Context, cc config.CommunityConfig, acct model.Account) {
	if !cc.ScoringEnabled && !cc.VerifyEnabled {
		return
	}
	cfg := e.config()

	photoCount, err := e.gw.ProfilePhotoCount(ctx, acct.ID)
	if err != nil {
		e.logger.Debug("profile photo count", "user_id", acct.ID, "error", err)
		photoCount = 0
	}

	score := 0
	if cc.ScoringEnabled {
		hist, err := e.store.ScoringStats(ctx, cc.CommunityID, cfg.Engine.StatsWindow)
		if err != nil {
			e.logger.Error("scoring stats", "community_id", cc.CommunityID, "error", err)
			hist = model.ScoringStats{}
		}
		score = scoring.Score(acct, photoCount, cc, hist)
		e.logger.Debug("risk scored",
			"community_id", cc.CommunityID,
			"user_id", acct.ID,
			"score", score,
			"threshold", cc.ScoringThreshold)
		if score >= cc.ScoringThreshold {
			e.removeAsync(ctx, cc.CommunityID, []int64{acct.ID}, model.ReasonRiskScore, false)
			return
		}
	}

	if cc.VerifyEnabled {
		if err := e.workflow.Issue(ctx, cc.CommunityID, acct, photoCount, score); err != nil {
			e.logger.Error("issue challenge",
				"community_id", cc.CommunityID,
				"user_id", acct.ID,
				"error", err)
			return
		}
		e.live.RecordChallenge(cc.CommunityID)
	}
}

// ProcessAnswer forwards answer text to the verification workflow.
func (e *Engine) ProcessAnswer(ctx context.Context, ev model.AnswerEvent) {
	e.workflow.HandleAnswer(ctx, ev)
}

// ProcessMessage forwards chat messages to the moderation hook, which
// deletes anything a still-unverified user posts.
func (e *Engine) ProcessMessage(ctx context.Context, ev model.MessageEvent) {
	e.workflow.HandleMessage(ctx, ev)
}

// removeAsync runs removals off the event path. During an open attack
// session confirmed removals are added to the session counter.
func (e *Engine) removeAsync(ctx context.Context, communityID int64, userIDs []int64, reason model.RemovalReason, inSession bool) {
	e.removals.Add(1)
	go func() {
		defer e.removals.Done()
		confirmed := e.remover.RemoveAll(ctx, communityID, userIDs, reason)
		if confirmed == 0 {
			return
		}
		e.live.RecordRemovals(communityID, confirmed, reason)
		if inSession {
			if err := e.store.AddSessionRemovals(ctx, communityID, confirmed); err != nil {
				e.logger.Error("count session removals", "community_id", communityID, "error", err)
			}
		}
	}()
}

// communityConfig loads the per-community profile, seeding an unknown
// community from the configured defaults so protection starts on the
// first observed join.
func (e *Engine) communityConfig(ctx context.Context, communityID int64) (config.CommunityConfig, error) {
	cc, ok, err := e.store.GetCommunity(ctx, communityID)
	if err != nil {
		return config.CommunityConfig{}, err
	}
	if ok {
		return cc, nil
	}
	cc = e.config().Defaults
	cc.CommunityID = communityID
	cc.MitigationActive = false
	if err := e.store.UpsertCommunity(ctx, cc); err != nil {
		return config.CommunityConfig{}, err
	}
	e.logger.Info("community now protected", "community_id", communityID)
	return cc, nil
}

// ClearCommunity drops in-memory join history and live counters, used by
// the admin API.
func (e *Engine) ClearCommunity(communityID int64) {
	e.window.ClearCommunity(communityID)
}
