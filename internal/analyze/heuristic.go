package analyze

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	titleRuneLimit        = 50
	summaryShortRuneLimit = 80
	summaryLongRuneLimit  = 300
	lowContentRuneLimit   = 500
	maxHeuristicTags      = 5
	minTagWordRunes       = 4
)

var hashtagPattern = regexp.MustCompile(`#[\p{L}\p{N}_]+`)

// HeuristicAnalyzer derives titles, summaries and tags from the text itself.
// It is deterministic and never fails, which makes it both the default
// provider and the test double for pipeline behavior.
type HeuristicAnalyzer struct {
	DefaultCategory string
}

// NewHeuristicAnalyzer returns the deterministic fallback analyzer.
func NewHeuristicAnalyzer(defaultCategory string) *HeuristicAnalyzer {
	return &HeuristicAnalyzer{DefaultCategory: defaultCategory}
}

// Analyze derives enrichment without any external call.
func (a *HeuristicAnalyzer) Analyze(_ context.Context, text string) (Result, error) {
	trimmed := strings.TrimSpace(text)

	return Result{
		AITitle:      deriveTitle(trimmed),
		SummaryShort: runePrefix(trimmed, summaryShortRuneLimit),
		SummaryLong:  runePrefix(trimmed, summaryLongRuneLimit),
		Tags:         frequentWords(trimmed),
		Hashtags:     harvestHashtags(trimmed),
		Category:     a.DefaultCategory,
		Confidence:   0.6,
		LowContent:   utf8.RuneCountInString(trimmed) < lowContentRuneLimit,
	}, nil
}

func deriveTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if candidate == "" {
			continue
		}
		if utf8.RuneCountInString(candidate) > titleRuneLimit {
			return runePrefix(candidate, titleRuneLimit) + "…"
		}
		return candidate
	}
	return "(memo)"
}

func runePrefix(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

// frequentWords picks the most repeated long words as tags, ties broken
// alphabetically so results are stable.
func frequentWords(text string) []string {
	counts := map[string]int{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		if utf8.RuneCountInString(word) < minTagWordRunes {
			continue
		}
		if strings.HasPrefix(word, "http") {
			continue
		}
		counts[word]++
	}

	candidates := make([]string, 0, len(counts))
	for word, count := range counts {
		if count >= 2 {
			candidates = append(candidates, word)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if counts[candidates[i]] != counts[candidates[j]] {
			return counts[candidates[i]] > counts[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) > maxHeuristicTags {
		candidates = candidates[:maxHeuristicTags]
	}
	return candidates
}

func harvestHashtags(text string) []string {
	matches := hashtagPattern.FindAllString(text, maxHeuristicTags)
	seen := map[string]struct{}{}
	hashtags := make([]string, 0, len(matches))
	for _, match := range matches {
		if _, duplicate := seen[match]; duplicate {
			continue
		}
		seen[match] = struct{}{}
		hashtags = append(hashtags, match)
	}
	return hashtags
}
