package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// ParseVerdict extracts the JSON verdict from a model answer. Answers
// wrapped in a ```json fence are unwrapped first; everything else must
// be a bare JSON object. Malformed payloads are rejected outright.
func ParseVerdict(answer string) (scanner.Classification, error) {
	body := strings.TrimSpace(answer)
	if fenced, ok := unfence(body); ok {
		body = fenced
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var verdict scanner.Classification
	if err := dec.Decode(&verdict); err != nil {
		return scanner.Classification{}, fmt.Errorf("parse verdict: %w", err)
	}
	if verdict.Label == "" {
		return scanner.Classification{}, fmt.Errorf("parse verdict: missing classification label")
	}
	if verdict.Sentiment == "" {
		return scanner.Classification{}, fmt.Errorf("parse verdict: missing sentiment")
	}
	return verdict, nil
}

func unfence(body string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		if !strings.HasPrefix(body, marker) {
			continue
		}
		rest := body[len(marker):]
		end := strings.LastIndex(rest, "```")
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
