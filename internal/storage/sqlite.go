package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:joinguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS communities (
			community_id INTEGER PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			threshold INTEGER NOT NULL,
			window_seconds INTEGER NOT NULL,
			protect_premium INTEGER NOT NULL DEFAULT 1,
			mitigation_active INTEGER NOT NULL DEFAULT 0,
			verify_enabled INTEGER NOT NULL DEFAULT 0,
			scoring_enabled INTEGER NOT NULL DEFAULT 0,
			scoring_threshold INTEGER NOT NULL DEFAULT 50,
			weights_json TEXT NOT NULL DEFAULT '{}',
			lang_distribution_json TEXT NOT NULL DEFAULT '{}',
			auto_adjust INTEGER NOT NULL DEFAULT 1,
			welcome_message TEXT NOT NULL DEFAULT '',
			added_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attack_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			community_id INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			total_removed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_community ON attack_sessions(community_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS verification_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			community_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			username_present INTEGER NOT NULL,
			language_code TEXT NOT NULL DEFAULT '',
			is_premium INTEGER NOT NULL DEFAULT 0,
			avatar_count INTEGER NOT NULL DEFAULT 0,
			weird_name INTEGER NOT NULL DEFAULT 0,
			exotic_script INTEGER NOT NULL DEFAULT 0,
			risk_score INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_community ON verification_outcomes(community_id, succeeded, ts)`,
		`CREATE TABLE IF NOT EXISTS pending_verifications (
			community_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			message_ref INTEGER NOT NULL,
			correct_answer TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
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

func (s *sqliteStore) UpsertCommunity(ctx context.Context, cc config.CommunityConfig) error {
	cc.Normalize()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO communities (community_id, title, threshold, window_seconds, protect_premium,
			mitigation_active, verify_enabled, scoring_enabled, scoring_threshold,
			weights_json, lang_distribution_json, auto_adjust, welcome_message, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(community_id) DO UPDATE SET
			title = excluded.title,
			threshold = excluded.threshold,
			window_seconds = excluded.window_seconds,
			protect_premium = excluded.protect_premium,
			verify_enabled = excluded.verify_enabled,
			scoring_enabled = excluded.scoring_enabled,
			scoring_threshold = excluded.scoring_threshold,
			weights_json = excluded.weights_json,
			lang_distribution_json = excluded.lang_distribution_json,
			auto_adjust = excluded.auto_adjust,
			welcome_message = excluded.welcome_message`,
		cc.CommunityID, cc.Title, cc.Threshold, cc.WindowSeconds, cc.ProtectPremium,
		cc.MitigationActive, cc.VerifyEnabled, cc.ScoringEnabled, cc.ScoringThreshold,
		encodeJSON(cc.Weights), encodeJSON(cc.LangDistribution), cc.AutoAdjust,
		cc.WelcomeMessage, nowUTC().Unix(),
	)
	return err
}

const communityColumns = `community_id, title, threshold, window_seconds, protect_premium,
	mitigation_active, verify_enabled, scoring_enabled, scoring_threshold,
	weights_json, lang_distribution_json, auto_adjust, welcome_message`

func scanCommunity(row interface{ Scan(...any) error }) (config.CommunityConfig, error) {
	var cc config.CommunityConfig
	var weightsJSON, distJSON string
	err := row.Scan(&cc.CommunityID, &cc.Title, &cc.Threshold, &cc.WindowSeconds,
		&cc.ProtectPremium, &cc.MitigationActive, &cc.VerifyEnabled, &cc.ScoringEnabled,
		&cc.ScoringThreshold, &weightsJSON, &distJSON, &cc.AutoAdjust, &cc.WelcomeMessage)
	if err != nil {
		return cc, err
	}
	cc.Weights = decodeWeights(weightsJSON)
	cc.LangDistribution = decodeLangDistribution(distJSON)
	cc.Normalize()
	return cc, nil
}

func (s *sqliteStore) GetCommunity(ctx context.Context, communityID int64) (config.CommunityConfig, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+communityColumns+` FROM communities WHERE community_id = ?`, communityID)
	cc, err := scanCommunity(row)
	if err == sql.ErrNoRows {
		return config.CommunityConfig{}, false, nil
	}
	if err != nil {
		return config.CommunityConfig{}, false, err
	}
	return cc, true, nil
}

func (s *sqliteStore) ListCommunities(ctx context.Context) ([]config.CommunityConfig, error) {
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

func (s *sqliteStore) RemoveCommunity(ctx context.Context, communityID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM communities WHERE community_id = ?`, communityID)
	return err
}

func (s *sqliteStore) SetMitigationActive(ctx context.Context, communityID int64, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE communities SET mitigation_active = ? WHERE community_id = ? AND mitigation_active <> ?`,
		active, communityID, active)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) UpdateScoring(ctx context.Context, communityID int64, w config.Weights, threshold int) error {
	w.Clamp()
	_, err := s.db.ExecContext(ctx,
		`UPDATE communities SET weights_json = ?, scoring_threshold = ? WHERE community_id = ?`,
		encodeJSON(w), threshold, communityID)
	return err
}

func (s *sqliteStore) OpenAttackSession(ctx context.Context, communityID int64, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attack_sessions (community_id, start_time) VALUES (?, ?)`,
		communityID, start.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) CloseAttackSession(ctx context.Context, communityID int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attack_sessions SET end_time = ? WHERE community_id = ? AND end_time IS NULL`,
		end.UTC().Unix(), communityID)
	return err
}

func (s *sqliteStore) AddSessionRemovals(ctx context.Context, communityID int64, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE attack_sessions SET total_removed = total_removed + ? WHERE community_id = ? AND end_time IS NULL`,
		n, communityID)
	return err
}

func scanSession(row interface{ Scan(...any) error }) (model.AttackSession, error) {
	var sess model.AttackSession
	var start int64
	var end sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.CommunityID, &start, &end, &sess.TotalRemoved); err != nil {
		return sess, err
	}
	sess.StartTime = time.Unix(start, 0).UTC()
	if end.Valid {
		sess.EndTime = time.Unix(end.Int64, 0).UTC()
	}
	return sess, nil
}

func (s *sqliteStore) LastAttackSession(ctx context.Context, communityID int64) (model.AttackSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, community_id, start_time, end_time, total_removed FROM attack_sessions
		WHERE community_id = ? ORDER BY start_time DESC, id DESC LIMIT 1`, communityID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return model.AttackSession{}, false, nil
	}
	if err != nil {
		return model.AttackSession{}, false, err
	}
	return sess, true, nil
}

func (s *sqliteStore) ListAttackSessions(ctx context.Context, communityID int64, limit int) ([]model.AttackSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, community_id, start_time, end_time, total_removed FROM attack_sessions
		WHERE community_id = ? ORDER BY start_time DESC, id DESC LIMIT ?`, communityID, limit)
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

func (s *sqliteStore) AppendOutcome(ctx context.Context, o model.VerificationOutcome) error {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_outcomes (community_id, user_id, succeeded, username_present,
			language_code, is_premium, avatar_count, weird_name, exotic_script, risk_score, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.CommunityID, o.UserID, o.Succeeded, o.UsernamePresent, o.LanguageCode,
		o.IsPremium, o.AvatarCount, o.WeirdName, o.ExoticScript, o.RiskScore, ts.UTC().Unix())
	return err
}

func (s *sqliteStore) PutPending(ctx context.Context, p model.PendingVerification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_verifications
			(community_id, user_id, message_ref, correct_answer, created_at, expires_at, risk_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.CommunityID, p.UserID, p.MessageRef, p.CorrectAnswer,
		p.CreatedAt.UTC().Unix(), p.ExpiresAt.UTC().Unix(), p.RiskScore)
	return err
}

func scanPending(row interface{ Scan(...any) error }) (model.PendingVerification, error) {
	var p model.PendingVerification
	var created, expires int64
	err := row.Scan(&p.CommunityID, &p.UserID, &p.MessageRef, &p.CorrectAnswer, &created, &expires, &p.RiskScore)
	if err != nil {
		return p, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.ExpiresAt = time.Unix(expires, 0).UTC()
	return p, nil
}

func (s *sqliteStore) GetPending(ctx context.Context, communityID, userID int64) (model.PendingVerification, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT community_id, user_id, message_ref, correct_answer, created_at, expires_at, risk_score
		FROM pending_verifications WHERE community_id = ? AND user_id = ?`, communityID, userID)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return model.PendingVerification{}, false, nil
	}
	if err != nil {
		return model.PendingVerification{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) DeletePending(ctx context.Context, communityID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_verifications WHERE community_id = ? AND user_id = ?`,
		communityID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ExpiredPending(ctx context.Context, now time.Time) ([]model.PendingVerification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT community_id, user_id, message_ref, correct_answer, created_at, expires_at, risk_score
		FROM pending_verifications WHERE expires_at <= ?`, now.UTC().Unix())
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

func (s *sqliteStore) ScoringStats(ctx context.Context, communityID int64, window time.Duration) (model.ScoringStats, error) {
	cutoff := nowUTC().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, language_code FROM verification_outcomes
		WHERE community_id = ? AND succeeded = 1 AND ts >= ?`, communityID, cutoff)
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

func (s *sqliteStore) OutcomeStats(ctx context.Context, communityID int64, window time.Duration, succeeded bool, p95, p99 int64) (model.OutcomeStats, error) {
	cutoff := nowUTC().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username_present, language_code, avatar_count, weird_name, exotic_script, risk_score
		FROM verification_outcomes WHERE community_id = ? AND succeeded = ? AND ts >= ?`,
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
