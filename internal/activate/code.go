package activate

import (
	"fmt"
	"regexp"
)

const codeLength = 6

var codeRunPattern = regexp.MustCompile(`[A-Z0-9]+`)

// ExtractCode pulls the challenge code out of the solver's free-text
// answer. The code is the unique maximal run of uppercase letters and
// digits of exactly six characters; zero or multiple candidates mean
// the answer is unusable.
func ExtractCode(answer string) (string, error) {
	runs := codeRunPattern.FindAllString(answer, -1)
	var candidates []string
	for _, run := range runs {
		if len(run) == codeLength {
			candidates = append(candidates, run)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", fmt.Errorf("no %d-character code in answer", codeLength)
	default:
		return "", fmt.Errorf("ambiguous answer: %d candidate codes", len(candidates))
	}
}
