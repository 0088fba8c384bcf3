// Package detector implements the per-community attack state machine:
// Normal or Mitigating, driven by join velocity over the sliding window.
// The persisted mitigation flag is the state, and the store's
// compare-and-set primitive guarantees each transition fires once even
// when concurrent join events cross the threshold together.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/joinwindow"
	"joinguard/internal/model"
	"joinguard/internal/notify"
	"joinguard/internal/storage"
)

// Decision is what the engine must do for one join event. Removal
// execution is the engine's job; the detector only decides.
type Decision struct {
	// Mitigating reports the state after this event.
	Mitigating bool

	AttackStarted bool
	AttackEnded   bool

	// RemoveCurrent marks the joining account itself for removal.
	RemoveCurrent bool
	Reason        model.RemovalReason

	// WindowTargets holds the other window occupants to remove when this
	// event opened the attack session.
	WindowTargets []int64
}

type Detector struct {
	store  storage.Store
	window *joinwindow.Counter
	sink   notify.Sink
	log    *slog.Logger
	now    func() time.Time
}

func New(store storage.Store, window *joinwindow.Counter, sink notify.Sink, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		store:  store,
		window: window,
		sink:   sink,
		log:    log,
		now:    time.Now,
	}
}

// SetNow overrides the clock for tests.
func (d *Detector) SetNow(now func() time.Time) {
	d.now = now
}

// HandleJoin records the join, evaluates the state machine for this
// event, and returns the removal decision. Store errors from the CAS and
// session bookkeeping are returned; the caller treats them as a degraded
// decision, not a fatal condition.
func (d *Detector) HandleJoin(ctx context.Context, cfg config.CommunityConfig, ev model.JoinEvent) (Decision, error) {
	acct := ev.Account
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	d.window.RecordJoin(cfg.CommunityID, acct.ID, acct.IsPremium, ts)
	n := d.window.CountInWindow(cfg.CommunityID, cfg.WindowSeconds)

	protected := acct.IsPremium && cfg.ProtectPremium

	if !cfg.MitigationActive {
		if n < cfg.Threshold {
			return Decision{}, nil
		}
		return d.enterMitigation(ctx, cfg, acct, n, protected)
	}
	return d.continueMitigation(ctx, cfg, acct, n, protected)
}

func (d *Detector) enterMitigation(ctx context.Context, cfg config.CommunityConfig, acct model.Account, n int, protected bool) (Decision, error) {
	changed, err := d.store.SetMitigationActive(ctx, cfg.CommunityID, true)
	if err != nil {
		return Decision{}, fmt.Errorf("set mitigation: %w", err)
	}
	dec := Decision{Mitigating: true}
	if !protected {
		dec.RemoveCurrent = true
		dec.Reason = model.ReasonMitigationMode
	}
	if !changed {
		// Another event in flight flipped the flag first; only the
		// per-user decision remains for this one.
		return dec, nil
	}

	dec.AttackStarted = true
	if !protected {
		dec.Reason = model.ReasonAttackWindow
	}
	start := d.now().UTC()
	if _, err := d.store.OpenAttackSession(ctx, cfg.CommunityID, start); err != nil {
		d.log.Error("open attack session", "community_id", cfg.CommunityID, "error", err)
	}

	for _, m := range d.window.UsersInWindow(cfg.CommunityID, cfg.WindowSeconds) {
		if m.UserID == acct.ID {
			continue
		}
		if m.IsPremium && cfg.ProtectPremium {
			continue
		}
		dec.WindowTargets = append(dec.WindowTargets, m.UserID)
	}

	d.log.Warn("attack detected",
		"community_id", cfg.CommunityID,
		"joins_in_window", n,
		"threshold", cfg.Threshold,
		"window_targets", len(dec.WindowTargets))
	d.publish(notify.Event{
		CommunityID: cfg.CommunityID,
		Type:        notify.EventAttackStarted,
		Message:     fmt.Sprintf("raid detected: %d joins in %ds window (threshold %d)", n, cfg.WindowSeconds, cfg.Threshold),
		Details: map[string]any{
			"threshold":      cfg.Threshold,
			"detected_count": n,
		},
	})
	return dec, nil
}

func (d *Detector) continueMitigation(ctx context.Context, cfg config.CommunityConfig, acct model.Account, n int, protected bool) (Decision, error) {
	dec := Decision{Mitigating: true}
	if !protected {
		dec.RemoveCurrent = true
		dec.Reason = model.ReasonMitigationMode
	}

	if n >= cfg.Threshold {
		return dec, nil
	}

	changed, err := d.store.SetMitigationActive(ctx, cfg.CommunityID, false)
	if err != nil {
		return dec, fmt.Errorf("clear mitigation: %w", err)
	}
	if !changed {
		// A concurrent event already closed the attack.
		return dec, nil
	}

	// The event that ends the attack is evidence the flood subsided, so
	// its own account is spared: removal and attack-ended never coincide.
	dec.Mitigating = false
	dec.AttackEnded = true
	dec.RemoveCurrent = false
	dec.Reason = ""

	end := d.now().UTC()
	sess, ok, err := d.store.LastAttackSession(ctx, cfg.CommunityID)
	if err != nil {
		d.log.Error("load attack session", "community_id", cfg.CommunityID, "error", err)
	}
	if err := d.store.CloseAttackSession(ctx, cfg.CommunityID, end); err != nil {
		d.log.Error("close attack session", "community_id", cfg.CommunityID, "error", err)
	}

	var duration time.Duration
	var removed int
	if ok {
		duration = end.Sub(sess.StartTime)
		removed = sess.TotalRemoved
	}
	d.log.Info("attack ended",
		"community_id", cfg.CommunityID,
		"duration", duration,
		"total_removed", removed)
	d.publish(notify.Event{
		CommunityID: cfg.CommunityID,
		Type:        notify.EventAttackEnded,
		Message:     fmt.Sprintf("raid over after %s, removed %d accounts", duration.Round(time.Second), removed),
		Details: map[string]any{
			"duration_seconds": int(duration.Seconds()),
			"total_removed":    removed,
		},
	})
	return dec, nil
}

func (d *Detector) publish(ev notify.Event) {
	if d.sink != nil {
		d.sink.Publish(ev)
	}
}
