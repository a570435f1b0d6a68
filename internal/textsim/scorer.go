package textsim

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goreply/internal/admission"
)

// Scorer is a local reply-worth scorer. It never errors.
type Scorer struct {
	names    []string
	prefixes []string
}

// NewScorer creates a Scorer that boosts messages naming the bot.
func NewScorer(botNames []string) *Scorer {
	s := &Scorer{prefixes: []string{"/", "!"}}
	for _, n := range botNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			s.names = append(s.names, n)
		}
	}
	return s
}

func (s *Scorer) Score(_ context.Context, msg admission.Message, _ admission.Signals) (admission.ScoreResult, error) {
	text := strings.TrimSpace(msg.Text)
	hasMedia := len(msg.Resources) > 0

	switch {
	case text == "" && !hasMedia:
		return admission.ScoreResult{Decision: admission.VerdictIgnore, Reason: "empty"}, nil
	case text != "" && !hasMedia && !strings.ContainsFunc(text, isWordRune):
		return admission.ScoreResult{Decision: admission.VerdictIgnore, Reason: "punctuation"}, nil
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(text, p) {
			return admission.ScoreResult{Decision: admission.VerdictIgnore, Reason: "command"}, nil
		}
	}

	score := 0.2
	reason := "chatter"
	if strings.ContainsAny(text, "?？") {
		score += 0.35
		reason = "question"
	}
	switch n := utf8.RuneCountInString(text); {
	case n >= 40:
		score += 0.2
	case n >= 8:
		score += 0.1
	}
	lower := strings.ToLower(text)
	for _, name := range s.names {
		if strings.Contains(lower, name) {
			score += 0.3
			reason = "name"
			break
		}
	}
	if hasMedia {
		score += 0.05
	}
	return admission.ScoreResult{Decision: admission.VerdictLLM, Reason: reason, NormalizedScore: min(score, 1)}, nil
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
