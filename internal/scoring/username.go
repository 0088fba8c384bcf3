package scoring

import (
	"math"
	"strings"
	"unicode"
)

// randomUsernameThreshold is the randomness score at or above which the
// username-shape penalty applies.
const randomUsernameThreshold = 0.60

// UsernameRandomness scores how machine-generated a username looks, in
// [0,1]. Drivers: character-class transition rate and vowel scarcity,
// minus penalties for repeated runs and one dominant character. Short
// strings are damped since they carry too little signal.
func UsernameRandomness(username string) float64 {
	s := strings.TrimSpace(username)
	runes := []rune(s)
	n := len(runes)
	if n == 0 {
		return 0
	}

	tr := transitionRate(runes)
	vr := vowelRatio(runes)
	maxRun := maxCharRepeat(strings.ToLower(s))
	dom := dominantCharRatio(strings.ToLower(s))
	consVowels := maxConsecutiveVowels(runes)

	// Low transition rates get pushed further down, high ones up.
	trComponent := math.Pow(tr, 0.65)

	vowelLack := 1.0 - vr
	switch {
	case vr < 0.15:
		// Few or no vowels is the strongest single signal; allow the
		// component to exceed 1 before the final clamp.
		vowelLack *= 1.5
	case vr > 0.40:
		vowelLack *= 0.85
	}
	if consVowels >= 3 {
		vowelLack += 0.25
	}
	vowelComponent := math.Min(math.Max(vowelLack, 0), 1.5)

	var repeatPenalty float64
	switch {
	case maxRun <= 2:
		repeatPenalty = 0
	case maxRun == 3:
		repeatPenalty = 0.10
	case maxRun == 4:
		repeatPenalty = 0.20
	case maxRun == 5:
		repeatPenalty = 0.30
	default:
		repeatPenalty = 0.45
	}

	var domPenalty float64
	switch {
	case dom > 0.50:
		domPenalty = 0.20
	case dom > 0.45:
		domPenalty = 0.12
	case dom > 0.40:
		domPenalty = 0.08
	}

	score := 0.50*trComponent + 0.50*vowelComponent - repeatPenalty - domPenalty

	if n <= 6 {
		score *= 0.75
	} else if n <= 9 {
		score *= 0.90
	}

	return math.Max(0, math.Min(score, 1))
}

func charClass(r rune) byte {
	switch {
	case unicode.IsDigit(r):
		return 'D'
	case unicode.IsLetter(r) && unicode.IsUpper(r):
		return 'U'
	case unicode.IsLetter(r):
		return 'L'
	default:
		return 'O'
	}
}

// transitionRate is the share of adjacent pairs whose character class
// differs: 0 means uniform, 1 means every character switches class.
func transitionRate(runes []rune) float64 {
	if len(runes) <= 1 {
		return 0
	}
	prev := charClass(runes[0])
	transitions := 0
	for _, r := range runes[1:] {
		cur := charClass(r)
		if cur != prev {
			transitions++
		}
		prev = cur
	}
	return float64(transitions) / float64(len(runes)-1)
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

// vowelRatio is the share of vowels among letters; 0 if no letters.
func vowelRatio(runes []rune) float64 {
	letters, vowels := 0, 0
	for _, r := range runes {
		if unicode.IsLetter(r) {
			letters++
			if isVowel(r) {
				vowels++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(vowels) / float64(letters)
}

func maxConsecutiveVowels(runes []rune) int {
	best, cur := 0, 0
	for _, r := range runes {
		if unicode.IsLetter(r) && isVowel(r) {
			cur++
			if cur > best {
				best = cur
			}
		} else {
			cur = 0
		}
	}
	return best
}

// dominantCharRatio is the share of the most frequent rune.
func dominantCharRatio(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	max := 0
	for _, r := range runes {
		counts[r]++
		if counts[r] > max {
			max = counts[r]
		}
	}
	return float64(max) / float64(len(runes))
}
