package verify

import (
	"fmt"
	"math/rand"
	"strconv"
)

// Challenge is one generated arithmetic puzzle. Options contains the
// correct answer mixed with near-miss distractors, shuffled.
type Challenge struct {
	Question string
	Answer   string
	Options  []string
}

// GenerateChallenge produces a single-step arithmetic question whose
// operands and result stay in an intuitive range: addition 1-5 plus 1-5,
// subtraction from 5-9 with a positive result, multiplication on the
// small times table, and integer division with a single-digit quotient.
func GenerateChallenge(rng *rand.Rand) Challenge {
	var a, b, result int
	var op string

	switch rng.Intn(4) {
	case 0:
		a, b = rng.Intn(5)+1, rng.Intn(5)+1
		result = a + b
		op = "+"
	case 1:
		a = rng.Intn(5) + 5
		b = rng.Intn(a-1) + 1
		result = a - b
		op = "-"
	case 2:
		a, b = rng.Intn(4)+2, rng.Intn(4)+2
		result = a * b
		op = "×"
	default:
		result = rng.Intn(9) + 1
		b = rng.Intn(8) + 2
		a = result * b
		op = "÷"
	}

	answer := strconv.Itoa(result)
	options := append(distractors(rng, result), answer)
	rng.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return Challenge{
		Question: fmt.Sprintf("How much is %d %s %d ?", a, op, b),
		Answer:   answer,
		Options:  options,
	}
}

var distractorOffsets = []int{-2, -1, 1, 2, 3}

// distractors returns three distinct positive near-misses around correct.
func distractors(rng *rand.Rand, correct int) []string {
	seen := make(map[int]bool)
	out := make([]string, 0, 3)
	for len(out) < 3 {
		candidate := correct + distractorOffsets[rng.Intn(len(distractorOffsets))]
		if candidate <= 0 || candidate == correct || seen[candidate] {
			continue
		}
		seen[candidate] = true
		out = append(out, strconv.Itoa(candidate))
	}
	return out
}
