package compose

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ReadmeTokenBudget is the readme budget in tokens; MaxReadmeChars is its
// character approximation (~4 chars per token).
const (
	ReadmeTokenBudget = 1500
	MaxReadmeChars    = ReadmeTokenBudget * 4
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	imageLinkRe  = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	badgeRe      = regexp.MustCompile(`(?i)shields\.io|img\.shields|badge\.fury|codecov\.io|travis-ci|badge|github\.com/.+/(badge|actions)`)
	linkOnlyRe   = regexp.MustCompile(`^\s*\[.*\]\(.*\)\s*$`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
)

// CleanReadme reduces raw readme markdown to prose suitable for embedding.
// Markup, images, badge lines and link-only lines are removed, blank runs
// collapse to a single blank line and the result is truncated to the readme
// budget on a whitespace boundary.
func CleanReadme(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = imageLinkRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if badgeRe.MatchString(line) || linkOnlyRe.MatchString(line) {
			continue
		}
		kept = append(kept, strings.TrimRightFunc(line, unicode.IsSpace))
	}
	text = strings.Join(kept, "\n")
	text = multiBlankRe.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	return TruncateTokens(text, MaxReadmeChars)
}

// TruncateTokens shortens s to at most maxChars bytes without splitting a
// whitespace-delimited token or a UTF-8 sequence.
func TruncateTokens(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	// The byte right after the cut is whitespace: nothing is split.
	if r, _ := utf8.DecodeRuneInString(s[cut:]); unicode.IsSpace(r) {
		return strings.TrimRightFunc(s[:cut], unicode.IsSpace)
	}
	head := s[:cut]
	idx := strings.LastIndexFunc(head, unicode.IsSpace)
	if idx <= 0 {
		// A single token longer than the budget.
		return ""
	}
	return strings.TrimRightFunc(head[:idx], unicode.IsSpace)
}
