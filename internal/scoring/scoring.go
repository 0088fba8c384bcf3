// Package scoring maps a joining account's observable attributes, the
// community's weight configuration, and rolling historical statistics to
// an integer bot-likelihood score in [0,100].
package scoring

import (
	"regexp"
	"strings"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

var langCodeRe = regexp.MustCompile(`^[a-zA-Z]{2,3}`)

// NormalizeLang reduces a language tag like "en-US" to its base code.
func NormalizeLang(lang string) string {
	if lang == "" {
		return ""
	}
	if m := langCodeRe.FindString(lang); m != "" {
		return strings.ToLower(m)
	}
	return strings.ToLower(lang)
}

// Score is a pure function: deterministic for identical inputs and never
// mutating cfg or stats. The result is the clamped sum of independent
// additive terms.
func Score(acct model.Account, photoCount int, cfg config.CommunityConfig, stats model.ScoringStats) int {
	w := cfg.Weights
	score := 0

	if acct.IsPremium {
		score += w.PremiumBonus
	}

	score += langTerm(acct.LanguageCode, cfg, stats)

	switch photoCount {
	case 0:
		score += w.NoAvatarRisk
	case 1:
		score += w.OneAvatarRisk
	}

	if acct.Username == "" {
		score += w.NoUsernameRisk
	} else if UsernameRandomness(acct.Username) >= randomUsernameThreshold {
		score += w.RandomUsernameRisk
	}

	flags := AnalyzeName(acct.FullName())
	if !flags.HasLatinOrCyrillic {
		score += w.WeirdNameRisk
	}
	if flags.HasExoticScript {
		score += w.ExoticScriptRisk
	}
	if flags.HasSpecialChars {
		score += w.SpecialCharsRisk
	}
	if flags.MaxCharRepeat >= 5 {
		score += w.RepeatingCharsRisk
	}

	score += idTerm(acct.ID, w.MaxIDRisk, stats)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// langTerm blends the configured language distribution (prior) with the
// empirical distribution among recently verified accounts. A language that
// legitimately occurs earns a bonus scaled by how common it is; an
// unrecognized one is penalized at the full language risk.
func langTerm(lang string, cfg config.CommunityConfig, stats model.ScoringStats) int {
	if lang == "" {
		return cfg.Weights.NoLangRisk
	}
	code := NormalizeLang(lang)

	var totalExpected float64
	for _, share := range cfg.LangDistribution {
		totalExpected += share
	}
	if totalExpected == 0 {
		totalExpected = 1
	}
	expected := cfg.LangDistribution[code] / totalExpected

	empirical := expected
	if stats.TotalSuccessful > 0 {
		empirical = float64(stats.LanguageCounts[code]) / float64(stats.TotalSuccessful)
	}

	combined := 0.7*expected + 0.3*empirical
	if combined < 0 {
		combined = 0
	}
	if combined > 1 {
		combined = 1
	}

	if combined > 0.01 {
		return -int(combined * float64(cfg.Weights.MaxLangRisk))
	}
	return cfg.Weights.MaxLangRisk
}

// idTerm treats the numeric account identifier as a registration-recency
// proxy against the p95/p99 identifiers of recently verified accounts.
// No baseline yet means no term.
func idTerm(userID int64, maxIDRisk int, stats model.ScoringStats) int {
	if stats.IDPercentile95 == 0 || stats.IDPercentile99 == 0 {
		return 0
	}
	if userID > stats.IDPercentile99 {
		return maxIDRisk
	}
	if userID > stats.IDPercentile95 {
		return maxIDRisk / 2
	}
	return 0
}
