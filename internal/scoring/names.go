package scoring

import "regexp"

var (
	latCyrRe = regexp.MustCompile(`[A-Za-zА-Яа-я]`)

	// Scripts rarely seen among legitimate joiners of the protected
	// communities: Arabic, CJK, Kana, Hangul (+Jamo), Ethiopic, Thai,
	// Bengali, Gurmukhi, Malayalam, Kannada, Oriya, Thaana.
	exoticScriptRe = regexp.MustCompile(`[` +
		`\x{0600}-\x{06FF}` +
		`\x{4E00}-\x{9FFF}` +
		`\x{3040}-\x{309F}` +
		`\x{30A0}-\x{30FF}` +
		`\x{AC00}-\x{D7AF}` +
		`\x{1200}-\x{137F}` +
		`\x{0E00}-\x{0E7F}` +
		`\x{0980}-\x{09FF}` +
		`\x{0A00}-\x{0A7F}` +
		`\x{0D00}-\x{0D7F}` +
		`\x{0C80}-\x{0CFF}` +
		`\x{0B00}-\x{0B7F}` +
		`\x{0780}-\x{07BF}` +
		`\x{1100}-\x{11FF}` +
		`]`)

	specialCharsRe = regexp.MustCompile("[<>«»@#$%^&*+=\\[\\]{}|\\\\`~]")
)

// NameFlags are the independent display-name checks of the risk model.
type NameFlags struct {
	HasLatinOrCyrillic bool
	HasExoticScript    bool
	HasSpecialChars    bool
	MaxCharRepeat      int
}

func AnalyzeName(fullName string) NameFlags {
	return NameFlags{
		HasLatinOrCyrillic: latCyrRe.MatchString(fullName),
		HasExoticScript:    exoticScriptRe.MatchString(fullName),
		HasSpecialChars:    specialCharsRe.MatchString(fullName),
		MaxCharRepeat:      maxCharRepeat(fullName),
	}
}

// maxCharRepeat returns the longest run of one identical rune.
func maxCharRepeat(s string) int {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}
	best, cur := 1, 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			cur++
			if cur > best {
				best = cur
			}
		} else {
			cur = 1
		}
	}
	return best
}
