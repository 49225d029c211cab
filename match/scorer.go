// Package match aligns API-sourced transit events with device-sourced
// notification records using time windows and fuzzy text similarity, then
// assigns pairs greedily one-to-one.
package match

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// Scorer produces a 0-100 similarity between two strings. Both
// implementations use the same scale, so switching scorers never shifts
// threshold semantics.
type Scorer interface {
	Score(a, b string) int
}

// TokenSetScorer scores with a token-set ratio: word order and repeated
// tokens don't matter, which suits notification text that restates event
// text with different phrasing.
type TokenSetScorer struct{}

// Score implements Scorer.
func (TokenSetScorer) Score(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	return fuzzy.TokenSetRatio(a, b)
}

// RatioScorer is the edit-distance fallback: 100 scaled by one minus the
// normalized Levenshtein distance.
type RatioScorer struct{}

// Score implements Scorer.
func (RatioScorer) Score(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	dist := levenshtein.ComputeDistance(a, b)
	return (longest - dist) * 100 / longest
}

// ScorerFor returns the scorer registered under name.
func ScorerFor(name string) (Scorer, error) {
	switch name {
	case "token_set", "":
		return TokenSetScorer{}, nil
	case "ratio":
		return RatioScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q (want token_set or ratio)", name)
	}
}
