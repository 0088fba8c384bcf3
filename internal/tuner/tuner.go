// Package tuner is the feedback loop that retunes per-community risk
// weights and the score threshold from aggregated verification outcomes.
// It only ever raises weights, with a false-positive guard, and only
// lowers the threshold; decreases of weights stay a manual operation to
// keep the loop from oscillating or being farmed by an adversary.
package tuner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/model"
	"joinguard/internal/notify"
	"joinguard/internal/storage"
)

const (
	adjustEvery       = 50
	minFailedSamples  = 30
	minSuccessSamples = 30
	failedFreqFloor   = 0.70
	successFreqCeil   = 0.50
	weightStep        = 5
	thresholdStep     = 5
	thresholdFloor    = 20
	thresholdMargin   = 10
)

type Tuner struct {
	store  storage.Store
	sink   notify.Sink
	log    *slog.Logger
	window time.Duration
}

func New(store storage.Store, sink notify.Sink, log *slog.Logger, window time.Duration) *Tuner {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Tuner{store: store, sink: sink, log: log, window: window}
}

// MaybeAdjust runs after each failed verification. It acts only when the
// failed-outcome count in the trailing window is a positive multiple of
// the adjustment interval and auto-adjust is on for the community; below
// the sample minimum it is a defined skip, not an error. The returned
// list describes the applied changes, empty when nothing ran.
func (t *Tuner) MaybeAdjust(ctx context.Context, communityID int64) ([]string, error) {
	cfg, ok, err := t.store.GetCommunity(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("load community: %w", err)
	}
	if !ok || !cfg.AutoAdjust {
		return nil, nil
	}

	stats, err := t.store.ScoringStats(ctx, communityID, t.window)
	if err != nil {
		return nil, fmt.Errorf("scoring stats: %w", err)
	}
	failed, err := t.store.OutcomeStats(ctx, communityID, t.window, false, stats.IDPercentile95, stats.IDPercentile99)
	if err != nil {
		return nil, fmt.Errorf("failed stats: %w", err)
	}
	if failed.Total == 0 || failed.Total%adjustEvery != 0 {
		return nil, nil
	}
	if failed.Total < minFailedSamples {
		t.log.Debug("auto-adjust skipped, sample too small",
			"community_id", communityID, "failed", failed.Total)
		return nil, nil
	}
	succeeded, err := t.store.OutcomeStats(ctx, communityID, t.window, true, stats.IDPercentile95, stats.IDPercentile99)
	if err != nil {
		return nil, fmt.Errorf("success stats: %w", err)
	}

	changes := t.apply(&cfg, failed, succeeded)
	if len(changes) == 0 {
		return nil, nil
	}
	if err := t.store.UpdateScoring(ctx, communityID, cfg.Weights, cfg.ScoringThreshold); err != nil {
		return nil, fmt.Errorf("persist scoring update: %w", err)
	}

	t.log.Info("weights auto-adjusted",
		"community_id", communityID,
		"failed_samples", failed.Total,
		"changes", changes)
	if t.sink != nil {
		t.sink.Publish(notify.Event{
			CommunityID: communityID,
			Type:        notify.EventWeightAdjustment,
			Message:     fmt.Sprintf("auto-adjusted scoring after %d failed verifications", failed.Total),
			Details:     map[string]any{"changes": changes},
		})
	}
	return changes, nil
}

// feature binds one monitored outcome frequency to the weight it tunes.
type feature struct {
	name       string
	failedRate float64
	goodRate   float64
	weight     *int
	ceiling    int
}

func (t *Tuner) apply(cfg *config.CommunityConfig, failed, succeeded model.OutcomeStats) []string {
	w := &cfg.Weights
	features := []feature{
		{"no_username", failed.NoUsernameRate, succeeded.NoUsernameRate, &w.NoUsernameRisk, config.NoUsernameRiskMax},
		{"exotic_script", failed.ExoticRate, succeeded.ExoticRate, &w.ExoticScriptRisk, config.ExoticScriptRiskMax},
		{"weird_name", failed.WeirdNameRate, succeeded.WeirdNameRate, &w.WeirdNameRisk, config.WeirdNameRiskMax},
		{"no_avatar", failed.NoAvatarRate, succeeded.NoAvatarRate, &w.NoAvatarRisk, config.NoAvatarRiskMax},
		{"one_avatar", failed.OneAvatarRate, succeeded.OneAvatarRate, &w.OneAvatarRisk, config.OneAvatarRiskMax},
		{"no_language", failed.NoLanguageRate, succeeded.NoLanguageRate, &w.NoLangRisk, config.NoLangRiskMax},
		{"recent_id", failed.AboveP95Rate + failed.AboveP99Rate, succeeded.AboveP95Rate + succeeded.AboveP99Rate, &w.MaxIDRisk, config.MaxIDRiskMax},
	}

	var changes []string
	for _, f := range features {
		if f.failedRate <= failedFreqFloor {
			continue
		}
		if succeeded.Total >= minSuccessSamples && f.goodRate > successFreqCeil {
			t.log.Info("weight increase suppressed by false-positive guard",
				"feature", f.name,
				"failed_rate", f.failedRate,
				"success_rate", f.goodRate)
			continue
		}
		if *f.weight >= f.ceiling {
			continue
		}
		old := *f.weight
		next := old + weightStep
		if next > f.ceiling {
			next = f.ceiling
		}
		*f.weight = next
		changes = append(changes, fmt.Sprintf("%s: %d -> %d", f.name, old, next))
	}

	// Failed accounts scoring just under the bar means bots are almost
	// slipping through; tighten the threshold. The loop only ever lowers
	// it, so a threshold already at or under the floor stays where the
	// operator put it.
	if failed.AvgScore > 0 && failed.AvgScore >= float64(cfg.ScoringThreshold-thresholdMargin) {
		old := cfg.ScoringThreshold
		next := old - thresholdStep
		if next < thresholdFloor {
			next = thresholdFloor
		}
		if next < old {
			cfg.ScoringThreshold = next
			changes = append(changes, fmt.Sprintf("scoring_threshold: %d -> %d", old, next))
		}
	}
	return changes
}
