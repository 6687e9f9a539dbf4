package orchestrator

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/civic-agent/backend/internal/provider"
)

var ErrValidation = errors.New("answer failed validation")

var (
	citationPattern = regexp.MustCompile(`\[(\d+)\]`)
	sentencePattern = regexp.MustCompile(`\p{L}[^.!?]*[.!?]`)
	blockedPattern  = regexp.MustCompile(`(?i)(as an ai (language )?model|i (do not|don't) have access to|\bvote (for|against)\b|\bi cannot browse\b)`)
)

const minAnswerWords = 3

// validateAnswer returns the list of violations for a draft; an empty list
// means the draft may be returned.
func validateAnswer(answer string, evidence []provider.EvidenceItem) []string {
	var violations []string

	text := strings.TrimSpace(answer)
	if text == "" {
		return []string{"answer is empty"}
	}
	if len(strings.Fields(text)) < minAnswerWords || !sentencePattern.MatchString(text) {
		violations = append(violations, "answer is not written in sentences")
	}
	if len(evidence) > 0 && !cites(text, evidence) {
		violations = append(violations, "answer does not cite any source")
	}
	if blockedPattern.MatchString(text) {
		violations = append(violations, "answer contains disallowed content")
	}
	return violations
}

// cites reports whether text references evidence by [n] marker or SourceID.
func cites(text string, evidence []provider.EvidenceItem) bool {
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(evidence) {
			return true
		}
	}
	for _, e := range evidence {
		if e.SourceID != "" && strings.Contains(text, e.SourceID) {
			return true
		}
	}
	return false
}
