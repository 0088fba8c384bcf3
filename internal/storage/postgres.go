package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/joinguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS communities (
			community_id BIGINT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			threshold INTEGER NOT NULL,
			window_seconds INTEGER NOT NULL,
			protect_premium BOOLEAN NOT NULL DEFAULT TRUE,
			mitigation_active BOOLEAN NOT NULL DEFAULT FALSE,
			verify_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			scoring_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			scoring_threshold INTEGER NOT NULL DEFAULT 50,
			weights_json TEXT NOT NULL DEFAULT '{}',
			lang_distribution_json TEXT NOT NULL DEFAULT '{}',
			auto_adjust BOOLEAN NOT NULL DEFAULT TRUE,
			welcome_message TEXT NOT NULL DEFAULT '',
			added_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attack_sessions (
			id BIGSERIAL PRIMARY KEY,
			community_id BIGINT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT,
			total_removed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_community ON attack_sessions(community_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS verification_outcomes (
			id BIGSERIAL PRIMARY KEY,
			community_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			succeeded BOOLEAN NOT NULL,
			username_present BOOLEAN NOT NULL,
			language_code TEXT NOT NULL DEFAULT '',
			is_premium BOOLEAN NOT NULL DEFAULT FALSE,
			avatar_count INTEGER NOT NULL DEFAULT 0,
			weird_name BOOLEAN NOT NULL DEFAULT FALSE,
			exotic_script BOOLEAN NOT NULL DEFAULT FALSE,
			risk_score INTEGER NOT NULL DEFAULT 0,
			ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_community ON verification_outcomes(community_id, succeeded, ts)`,
		`CREATE TABLE IF NOT EXISTS pending_verifications (
			community_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			message_ref BIGINT NOT NULL,
			correct_answer TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			risk_score INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (community_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_verifications(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) UpsertCommunity(ctx context.Context, cc config.CommunityConfig) error {
	cc.Normalize()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO communities (community_id, title, threshold, window_seconds, protect_premium,
			mitigation_active, verify_enabled, scoring_enabled, scoring_threshold,
			weights_json, lang_distribution_json, auto_adjust, welcome_message, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (community_id) DO UPDATE SET
			title = EXCLUDED.title,
			threshold = EXCLUDED.threshold,
			window_seconds = EXCLUDED.window_seconds,
			protect_premium = EXCLUDED.protect_premium,
			verify_enabled = EXCLUDED.verify_enabled,
			scoring_enabled = EXCLUDED.scoring_enabled,
			scoring_threshold = EXCLUDED.scoring_threshold,
			weights_json = EXCLUDED.weights_json,
			lang_distribution_json = EXCLUDED.lang_distribution_json,
			auto_adjust = EXCLUDED.auto_adjust,
			welcome_message = EXCLUDED.welcome_message`,
		cc.CommunityID, cc.Title, cc.Threshold, cc.WindowSeconds, cc.ProtectPremium,
		cc.MitigationActive, cc.VerifyEnabled, cc.ScoringEnabled, cc.ScoringThreshold,
		encodeJSON(cc.Weights), encodeJSON(cc.LangDistribution), cc.AutoAdjust,
		cc.WelcomeMessage, nowUTC().Unix(),
	)
	return err
}

func (s *postgresStore) GetCommunity(ctx context.Context, communityID int64) (config.CommunityConfig, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+communityColumns+` FROM communities WHERE community_id = $1`, communityID)
	cc, err := scanCommunity(row)
	if err == sql.ErrNoRows {
		return config.CommunityConfig{}, false, nil
	}
	if err != nil {
		return config.CommunityConfig{}, false, err
	}
	return cc, true, nil
}

func (s *postgresStore) ListCommunities(ctx context.Context) ([]config.CommunityConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+communityColumns+` FROM communities ORDER BY community_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []config.CommunityConfig
	for rows.Next() {
		cc, err := scanCommunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

func (s *postgresStore) RemoveCommunity(ctx context.Context, communityID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM communities WHERE community_id = $1`, communityID)
	return err
}

func (s *postgresStore) SetMitigationActive(ctx context.Context, communityID int64, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE communities SET mitigation_active = $1 WHERE community_id = $2 AND mitigation_active <> $1`,
		active, communityID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) UpdateScoring(ctx context.Context, communityID int64, w config.Weights, threshold int) error {
	w.Clamp()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communities SET weights_json = $1, scoring_threshold = $2 WHERE community_id = $3`,
		encodeJSON(w), threshold, communityID)
	return err
}

func (s *postgresStore) OpenAttackSession(ctx context.Context, communityID int64, start time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO attack_sessions (community_id, start_time) VALUES ($1, $2) RETURNING id`,
		communityID, start.UTC().Unix()).Scan(&id)
	return id, err
}

func (s *postgresStore) CloseAttackSession(ctx context.Context, communityID int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attack_sessions SET end_time = $1 WHERE community_id = $2 AND end_time IS NULL`,
		end.UTC().Unix(), communityID)
	return err
}

func (s *postgresStore) AddSessionRemovals(ctx context.Context, communityID int64, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE attack_sessions SET total_removed = total_removed + $1 WHERE community_id = $2 AND end_time IS NULL`,
		n, communityID)
	return err
}

func (s *postgresStore) LastAttackSession(ctx context.Context, communityID int64) (model.AttackSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, community_id, start_time, end_time, total_removed FROM attack_sessions
		WHERE community_id = $1 ORDER BY start_time DESC, id DESC LIMIT 1`, communityID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return model.AttackSession{}, false, nil
	}
	if err != nil {
		return model.AttackSession{}, false, err
	}
	return sess, true, nil
}

func (s *postgresStore) ListAttackSessions(ctx context.Context, communityID int64, limit int) ([]model.AttackSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, community_id, start_time, end_time, total_removed FROM attack_sessions
		WHERE community_id = $1 ORDER BY start_time DESC, id DESC LIMIT $2`, communityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttackSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *postgresStore) AppendOutcome(ctx context.Context, o model.VerificationOutcome) error {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_outcomes (community_id, user_id, succeeded, username_present,
			language_code, is_premium, avatar_count, weird_name, exotic_script, risk_score, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.CommunityID, o.UserID, o.Succeeded, o.UsernamePresent, o.LanguageCode,
		o.IsPremium, o.AvatarCount, o.WeirdName, o.ExoticScript, o.RiskScore, ts.UTC().Unix())
	return err
}

func (s *postgresStore) PutPending(ctx context.Context, p model.PendingVerification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_verifications
			(community_id, user_id, message_ref, correct_answer, created_at, expires_at, risk_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (community_id, user_id) DO UPDATE SET
			message_ref = EXCLUDED.message_ref,
			correct_answer = EXCLUDED.correct_answer,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			risk_score = EXCLUDED.risk_score`,
		p.CommunityID, p.UserID, p.MessageRef, p.CorrectAnswer,
		p.CreatedAt.UTC().Unix(), p.ExpiresAt.UTC().Unix(), p.RiskScore)
	return err
}

func (s *postgresStore) GetPending(ctx context.Context, communityID, userID int64) (model.PendingVerification, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT community_id, user_id, message_ref, correct_answer, created_at, expires_at, risk_score
		FROM pending_verifications WHERE community_id = $1 AND user_id = $2`, communityID, userID)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return model.PendingVerification{}, false, nil
	}
	if err != nil {
		return model.PendingVerification{}, false, err
	}
	return p, true, nil
}

func (s *postgresStore) DeletePending(ctx context.Context, communityID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE community_id = $1 AND user_id = $2`,
		communityID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) ExpiredPending(ctx context.Context, now time.Time) ([]model.PendingVerification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT community_id, user_id, message_ref, correct_answer, created_at, expires_at, risk_score
		FROM pending_verifications WHERE expires_at <= $1`, now.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PendingVerification
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *postgresStore) ScoringStats(ctx context.Context, communityID int64, window time.Duration) (model.ScoringStats, error) {
	cutoff := nowUTC().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, language_code FROM verification_outcomes
		WHERE community_id = $1 AND succeeded = TRUE AND ts >= $2`, communityID, cutoff)
	if err != nil {
		return model.ScoringStats{}, err
	}
	defer rows.Close()
	var ids []int64
	var langs []string
	for rows.Next() {
		var id int64
		var lang string
		if err := rows.Scan(&id, &lang); err != nil {
			return model.ScoringStats{}, err
		}
		ids = append(ids, id)
		langs = append(langs, lang)
	}
	if err := rows.Err(); err != nil {
		return model.ScoringStats{}, err
	}
	return buildScoringStats(langs, ids), nil
}

func (s *postgresStore) OutcomeStats(ctx context.Context, communityID int64, window time.Duration, succeeded bool, p95, p99 int64) (model.OutcomeStats, error) {
	cutoff := nowUTC().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username_present, language_code, avatar_count, weird_name, exotic_script, risk_score
		FROM verification_outcomes WHERE community_id = $1 AND succeeded = $2 AND ts >= $3`,
		communityID, succeeded, cutoff)
	if err != nil {
		return model.OutcomeStats{}, err
	}
	defer rows.Close()
	var recs []outcomeRow
	for rows.Next() {
		var r outcomeRow
		if err := rows.Scan(&r.userID, &r.usernamePresent, &r.languageCode, &r.avatarCount,
			&r.weirdName, &r.exoticScript, &r.riskScore); err != nil {
			return model.OutcomeStats{}, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return model.OutcomeStats{}, err
	}
	return aggregateOutcomes(recs, p95, p99), nil
}
