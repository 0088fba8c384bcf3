package scoring

import (
	"testing"

	"joinguard/internal/config"
	"joinguard/internal/model"
)

func testCommunity() config.CommunityConfig {
	cfg := config.DefaultCommunityConfig()
	cfg.CommunityID = 1
	return cfg
}

func TestScoreAlwaysInRange(t *testing.T) {
	cfg := testCommunity()
	stats := model.ScoringStats{}

	// Raw sum far below zero: premium account, popular language.
	cfg.Weights.PremiumBonus = -80
	cfg.LangDistribution = map[string]float64{"en": 1.0}
	low := Score(model.Account{ID: 1, Username: "alexander", FirstName: "Alex", LanguageCode: "en", IsPremium: true}, 5, cfg, stats)
	if low < 0 || low > 100 {
		t.Fatalf("score out of range: %d", low)
	}
	if low != 0 {
		t.Fatalf("expected clamp to 0, got %d", low)
	}

	// Raw sum far above 100.
	cfg = testCommunity()
	cfg.Weights.NoUsernameRisk = 90
	cfg.Weights.NoAvatarRisk = 90
	cfg.Weights.NoLangRisk = 90
	high := Score(model.Account{ID: 2, FirstName: "ログボ"}, 0, cfg, stats)
	if high != 100 {
		t.Fatalf("expected clamp to 100, got %d", high)
	}
}

func TestLanguageTermPopularLanguageBonus(t *testing.T) {
	cfg := testCommunity()
	cfg.LangDistribution = map[string]float64{"ru": 0.8, "en": 0.2}
	cfg.Weights.MaxLangRisk = 25
	stats := model.ScoringStats{
		LanguageCounts:  map[string]int{"ru": 80},
		TotalSuccessful: 100,
	}
	// expected=0.8, empirical=0.8, combined=0.8 -> -int(0.8*25) = -20
	got := langTerm("ru", cfg, stats)
	if got != -20 {
		t.Fatalf("expected -20, got %d", got)
	}
}

func TestLanguageTermRareLanguagePenalty(t *testing.T) {
	cfg := testCommunity()
	stats := model.ScoringStats{TotalSuccessful: 100, LanguageCounts: map[string]int{}}
	got := langTerm("zu", cfg, stats)
	if got != cfg.Weights.MaxLangRisk {
		t.Fatalf("expected +%d for unseen language, got %d", cfg.Weights.MaxLangRisk, got)
	}
}

func TestLanguageTermMissing(t *testing.T) {
	cfg := testCommunity()
	if got := langTerm("", cfg, model.ScoringStats{}); got != cfg.Weights.NoLangRisk {
		t.Fatalf("expected no-lang risk, got %d", got)
	}
}

func TestLanguageTagNormalized(t *testing.T) {
	if got := NormalizeLang("en-US"); got != "en" {
		t.Fatalf("expected en, got %q", got)
	}
	if got := NormalizeLang("PT-br"); got != "pt" {
		t.Fatalf("expected pt, got %q", got)
	}
}

func TestIDTerm(t *testing.T) {
	stats := model.ScoringStats{IDPercentile95: 1000, IDPercentile99: 2000}
	cases := []struct {
		id   int64
		want int
	}{
		{500, 0},
		{1500, 10},
		{2500, 20},
	}
	for _, tc := range cases {
		if got := idTerm(tc.id, 20, stats); got != tc.want {
			t.Fatalf("id %d: expected %d, got %d", tc.id, tc.want, got)
		}
	}
	// No baseline yet: always zero.
	if got := idTerm(9e9, 20, model.ScoringStats{}); got != 0 {
		t.Fatalf("expected 0 without percentiles, got %d", got)
	}
}

func TestNameFlags(t *testing.T) {
	cases := []struct {
		name    string
		normal  bool
		exotic  bool
		special bool
		repeat  int
	}{
		{"John Doe", true, false, false, 1},
		{"Иван Петров", true, false, false, 1},
		{"محمد علي", false, true, false, 1},
		{"李明", false, true, false, 1},
		{"User<>123", true, false, true, 1},
		{"aaaaaaa", true, false, false, 7},
		{"", false, false, false, 0},
	}
	for _, tc := range cases {
		flags := AnalyzeName(tc.name)
		if flags.HasLatinOrCyrillic != tc.normal {
			t.Errorf("%q: latin/cyrillic = %v", tc.name, flags.HasLatinOrCyrillic)
		}
		if flags.HasExoticScript != tc.exotic {
			t.Errorf("%q: exotic = %v", tc.name, flags.HasExoticScript)
		}
		if flags.HasSpecialChars != tc.special {
			t.Errorf("%q: special = %v", tc.name, flags.HasSpecialChars)
		}
		if flags.MaxCharRepeat != tc.repeat {
			t.Errorf("%q: repeat = %d, want %d", tc.name, flags.MaxCharRepeat, tc.repeat)
		}
	}
}

func TestNameTermsAdditive(t *testing.T) {
	cfg := testCommunity()
	cfg.LangDistribution = map[string]float64{"ru": 0.8, "en": 0.2}
	base := model.Account{ID: 1, Username: "shopkeeper", FirstName: "Alex", LanguageCode: "en"}

	// lang term -int(0.2*25) = -5, one avatar +5, everything else quiet.
	plain := Score(base, 1, cfg, model.ScoringStats{})
	if plain != 0 {
		t.Fatalf("baseline score: expected 0, got %d", plain)
	}

	weird := base
	weird.FirstName = "Jjj>jjjjj አለለህ"
	got := Score(weird, 1, cfg, model.ScoringStats{})
	// exotic script + special chars + 5-run repeat; latin present so no
	// weird-name term.
	want := cfg.Weights.ExoticScriptRisk + cfg.Weights.SpecialCharsRisk + cfg.Weights.RepeatingCharsRisk
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestScoreDeterministic(t *testing.T) {
	cfg := testCommunity()
	stats := model.ScoringStats{
		LanguageCounts:  map[string]int{"ru": 10},
		TotalSuccessful: 12,
		IDPercentile95:  5000,
		IDPercentile99:  9000,
	}
	acct := model.Account{ID: 9500, Username: "Mpib3SFLNYzEzyV", FirstName: "X Æ"}
	a := Score(acct, 0, cfg, stats)
	b := Score(acct, 0, cfg, stats)
	if a != b {
		t.Fatalf("score not deterministic: %d vs %d", a, b)
	}
}
