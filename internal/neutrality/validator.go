// Package neutrality validates that proposal reasoning sticks to
// observation/consequence statements, free of recommendation, urgency or
// necessity language. The primary stage asks an external text classifier;
// when it is unavailable or times out, a fixed-lexicon scan takes over.
package neutrality

import (
	"context"
	"regexp"
	"strings"
)

// Verdict is the outcome of a validation. Violations lists the offending
// terms (lexicon stage) or the classifier's findings.
type Verdict struct {
	Neutral    bool
	Violations []string
}

// Validator checks a piece of reasoning text.
type Validator interface {
	Validate(ctx context.Context, text string) (Verdict, error)
}

// Forbidden terms, grouped the way the reasoning template avoids them:
// recommendation verbs, urgency adjectives, necessity modals. Matching is
// case-insensitive and whole-word.
var lexiconTerms = []string{
	// recommendation verbs
	"recommend", "recommends", "recommended", "recommendation",
	"suggest", "suggests", "suggested", "suggestion",
	"advise", "advises", "advised",
	"urge", "urges", "urged",
	"endorse", "endorses", "endorsed",
	// urgency adjectives
	"urgent", "urgently", "immediately", "critical", "crucial",
	"pressing", "asap", "imperative",
	// necessity modals
	"must", "should", "ought", "shall",
	"need", "needs", "needed", "necessary", "essential",
	"have to", "has to", "had to",
}

// Lexicon is the fallback validator. It never errors.
type Lexicon struct {
	pattern *regexp.Regexp
}

func NewLexicon() *Lexicon {
	escaped := make([]string, len(lexiconTerms))
	for i, term := range lexiconTerms {
		escaped[i] = regexp.QuoteMeta(term)
	}
	return &Lexicon{
		pattern: regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`),
	}
}

func (l *Lexicon) Validate(_ context.Context, text string) (Verdict, error) {
	matches := l.pattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return Verdict{Neutral: true}, nil
	}
	seen := make(map[string]struct{}, len(matches))
	violations := make([]string, 0, len(matches))
	for _, match := range matches {
		normalized := strings.ToLower(match)
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		violations = append(violations, normalized)
	}
	return Verdict{Neutral: false, Violations: violations}, nil
}
