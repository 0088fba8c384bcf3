package model

import "time"

// Account holds the observable attributes of a joining account as reported
// by the messaging gateway.
type Account struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	IsBot        bool   `json:"is_bot,omitempty"`
}

// FullName is the display name used by the name-shape checks.
func (a Account) FullName() string {
	switch {
	case a.FirstName != "" && a.LastName != "":
		return a.FirstName + " " + a.LastName
	case a.FirstName != "":
		return a.FirstName
	default:
		return a.LastName
	}
}

// JoinEvent is one account joining one protected community.
type JoinEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	CommunityID int64     `json:"community_id"`
	Account     Account   `json:"account"`
	Source      string    `json:"source,omitempty"`
}

// AnswerEvent is free-form text submitted against a pending verification.
type AnswerEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	CommunityID int64     `json:"community_id"`
	UserID      int64     `json:"user_id"`
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
}

// MessageEvent is an ordinary chat message observed in a protected
// community, fed to the moderation hook.
type MessageEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	CommunityID int64     `json:"community_id"`
	UserID      int64     `json:"user_id"`
	MessageRef  int64     `json:"message_ref"`
	Text        string    `json:"text,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// RemovalReason classifies why an account was removed.
type RemovalReason string

const (
	ReasonMitigationMode RemovalReason = "mitigation_mode"
	ReasonAttackWindow   RemovalReason = "attack_window"
	ReasonRiskScore      RemovalReason = "risk_score"
	ReasonWrongAnswer    RemovalReason = "verification_wrong"
	ReasonVerifyTimeout  RemovalReason = "verification_timeout"
)

// AttackSession is one contiguous stretch of mitigation mode. EndTime is
// zero while the session is open; at most one open session per community.
type AttackSession struct {
	ID           int64     `json:"id"`
	CommunityID  int64     `json:"community_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
	TotalRemoved int       `json:"total_removed"`
}

func (s AttackSession) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// PendingVerification is the single live challenge record for a
// (community, user) pair. Its presence in the store is the mutual-exclusion
// token between the three resolution paths.
type PendingVerification struct {
	CommunityID   int64     `json:"community_id"`
	UserID        int64     `json:"user_id"`
	MessageRef    int64     `json:"message_ref"`
	CorrectAnswer string    `json:"correct_answer"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	RiskScore     int       `json:"risk_score"`
}

// VerificationOutcome is an append-only record of one resolved
// verification, consumed only in aggregate by scoring and tuning.
type VerificationOutcome struct {
	CommunityID     int64     `json:"community_id"`
	UserID          int64     `json:"user_id"`
	Succeeded       bool      `json:"succeeded"`
	UsernamePresent bool      `json:"username_present"`
	LanguageCode    string    `json:"language_code,omitempty"`
	IsPremium       bool      `json:"is_premium"`
	AvatarCount     int       `json:"avatar_count"`
	WeirdName       bool      `json:"weird_name"`
	ExoticScript    bool      `json:"exotic_script"`
	RiskScore       int       `json:"risk_score"`
	Timestamp       time.Time `json:"timestamp"`
}

// ScoringStats is the rolling historical baseline fed to the risk scorer,
// recomputed on demand from successful outcomes in the trailing window.
type ScoringStats struct {
	LanguageCounts  map[string]int `json:"language_counts"`
	TotalSuccessful int            `json:"total_successful"`
	IDPercentile95  int64          `json:"id_percentile_95,omitempty"`
	IDPercentile99  int64          `json:"id_percentile_99,omitempty"`
}

// OutcomeStats aggregates per-feature frequencies over one outcome
// population (failed or successful) in the trailing window.
type OutcomeStats struct {
	Total          int     `json:"total"`
	NoUsernameRate float64 `json:"no_username_rate"`
	ExoticRate     float64 `json:"exotic_rate"`
	WeirdNameRate  float64 `json:"weird_name_rate"`
	NoAvatarRate   float64 `json:"no_avatar_rate"`
	OneAvatarRate  float64 `json:"one_avatar_rate"`
	NoLanguageRate float64 `json:"no_language_rate"`
	AboveP95Rate   float64 `json:"above_p95_rate"`
	AboveP99Rate   float64 `json:"above_p99_rate"`
	AvgScore       float64 `json:"avg_score"`
}
