package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

// Store is the persistence contract of the core: community configuration
// with its compare-and-set mitigation flag, attack sessions, the
// append-only verification outcome log, and the pending-verification
// records whose compare-and-delete adjudicates resolution races.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertCommunity(ctx context.Context, cc config.CommunityConfig) error
	GetCommunity(ctx context.Context, communityID int64) (config.CommunityConfig, bool, error)
	ListCommunities(ctx context.Context) ([]config.CommunityConfig, error)
	RemoveCommunity(ctx context.Context, communityID int64) error

	// SetMitigationActive flips the mitigation flag only when the stored
	// value differs from desired; changed reports whether this call was
	// the one that performed the transition.
	SetMitigationActive(ctx context.Context, communityID int64, active bool) (changed bool, err error)

	// UpdateScoring persists weights and threshold as one atomic update.
	UpdateScoring(ctx context.Context, communityID int64, w config.Weights, threshold int) error

	OpenAttackSession(ctx context.Context, communityID int64, start time.Time) (int64, error)
	CloseAttackSession(ctx context.Context, communityID int64, end time.Time) error
	AddSessionRemovals(ctx context.Context, communityID int64, n int) error
	LastAttackSession(ctx context.Context, communityID int64) (model.AttackSession, bool, error)
	ListAttackSessions(ctx context.Context, communityID int64, limit int) ([]model.AttackSession, error)

	AppendOutcome(ctx context.Context, o model.VerificationOutcome) error

	PutPending(ctx context.Context, p model.PendingVerification) error
	GetPending(ctx context.Context, communityID, userID int64) (model.PendingVerification, bool, error)
	// DeletePending reports whether the record was still present; only
	// the caller that observes deleted==true may perform resolution
	// side effects.
	DeletePending(ctx context.Context, communityID, userID int64) (deleted bool, err error)
	ExpiredPending(ctx context.Context, now time.Time) ([]model.PendingVerification, error)

	ScoringStats(ctx context.Context, communityID int64, window time.Duration) (model.ScoringStats, error)
	OutcomeStats(ctx context.Context, communityID int64, window time.Duration, succeeded bool, p95, p99 int64) (model.OutcomeStats, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeWeights(raw string) config.Weights {
	w := config.DefaultWeights()
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &w)
	}
	w.Clamp()
	return w
}

func decodeLangDistribution(raw string) map[string]float64 {
	var dist map[string]float64
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &dist)
	}
	if len(dist) == 0 {
		return config.DefaultCommunityConfig().LangDistribution
	}
	return dist
}

// outcomeRow is the per-record slice of the outcome log consumed by the
// Go-side aggregation shared between drivers.
type outcomeRow struct {
	userID          int64
	usernamePresent bool
	languageCode    string
	avatarCount     int
	weirdName       bool
	exoticScript    bool
	riskScore       int
}

func aggregateOutcomes(rows []outcomeRow, p95, p99 int64) model.OutcomeStats {
	stats := model.OutcomeStats{Total: len(rows)}
	if len(rows) == 0 {
		return stats
	}
	var noUsername, exotic, weird, noAvatar, oneAvatar, noLang, aboveP95, aboveP99, scoreSum int
	for _, r := range rows {
		if !r.usernamePresent {
			noUsername++
		}
		if r.exoticScript {
			exotic++
		}
		if r.weirdName {
			weird++
		}
		switch r.avatarCount {
		case 0:
			noAvatar++
		case 1:
			oneAvatar++
		}
		if r.languageCode == "" {
			noLang++
		}
		if p99 > 0 && r.userID > p99 {
			aboveP99++
		} else if p95 > 0 && r.userID > p95 {
			aboveP95++
		}
		scoreSum += r.riskScore
	}
	total := float64(len(rows))
	stats.NoUsernameRate = float64(noUsername) / total
	stats.ExoticRate = float64(exotic) / total
	stats.WeirdNameRate = float64(weird) / total
	stats.NoAvatarRate = float64(noAvatar) / total
	stats.OneAvatarRate = float64(oneAvatar) / total
	stats.NoLanguageRate = float64(noLang) / total
	stats.AboveP95Rate = float64(aboveP95) / total
	stats.AboveP99Rate = float64(aboveP99) / total
	stats.AvgScore = float64(scoreSum) / total
	return stats
}

// percentile returns the value at the pth percentile of ids using the
// nearest-rank method; 0 when the sample is empty.
func percentile(ids []int64, p float64) int64 {
	if len(ids) == 0 {
		return 0
	}
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func buildScoringStats(langCodes []string, ids []int64) model.ScoringStats {
	counts := make(map[string]int)
	for _, code := range langCodes {
		if code == "" {
			continue
		}
		counts[code]++
	}
	return model.ScoringStats{
		LanguageCounts:  counts,
		TotalSuccessful: len(ids),
		IDPercentile95:  percentile(ids, 0.95),
		IDPercentile99:  percentile(ids, 0.99),
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
