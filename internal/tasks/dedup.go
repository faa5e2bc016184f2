package tasks

import (
	"regexp"
	"strings"
)

// duplicateLengthRatio is the minimum length ratio for a substring
// match to count as a duplicate. Tolerates minor rewording while
// rejecting unrelated short titles that happen to be substrings.
const duplicateLengthRatio = 0.8

var (
	punctuationRE = regexp.MustCompile(`[^\w\s]`)
	whitespaceRE  = regexp.MustCompile(`\s+`)
	articleRE     = regexp.MustCompile(`\b(the|a|an)\b`)
)

// NormalizeTitle lowercases, strips punctuation and articles, and
// collapses whitespace so that rewordings of the same title compare
// equal ("Fix login button" vs "fix the login button!!").
func NormalizeTitle(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	normalized = punctuationRE.ReplaceAllString(normalized, "")
	normalized = articleRE.ReplaceAllString(normalized, "")
	normalized = whitespaceRE.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// FindDuplicate returns the first existing task whose title matches
// the candidate: equal after normalization, or one a substring of the
// other with a length ratio above duplicateLengthRatio.
func FindDuplicate(title string, existing []Task) *Task {
	candidate := NormalizeTitle(title)

	for i := range existing {
		other := NormalizeTitle(existing[i].Title)

		if candidate == other {
			return &existing[i]
		}

		if strings.Contains(other, candidate) || strings.Contains(candidate, other) {
			shorter, longer := len(candidate), len(other)
			if shorter > longer {
				shorter, longer = longer, shorter
			}
			if longer == 0 {
				continue
			}
			if float64(shorter)/float64(longer) > duplicateLengthRatio {
				return &existing[i]
			}
		}
	}
	return nil
}
