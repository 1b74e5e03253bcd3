package compose

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// PurposeText builds the input for the purpose embedding: description, then
// topics, then the cleaned readme, as period-separated sentences. Empty parts
// are skipped.
func PurposeText(description string, topics []string, readme string) string {
	var parts []string
	if d := trimSentence(description); d != "" {
		parts = append(parts, d)
	}
	if t := joinNonEmpty(topics); t != "" {
		parts = append(parts, "Topics: "+t)
	}
	if r := trimSentence(TruncateTokens(readme, MaxReadmeChars)); r != "" {
		parts = append(parts, r)
	}
	return sentences(parts)
}

// StackText builds the input for the stack embedding from the primary
// language, the language breakdown and the dependency list.
func StackText(primary string, languages map[string]float64, deps []string) string {
	var parts []string
	if p := strings.TrimSpace(primary); p != "" {
		parts = append(parts, "Primary language: "+p)
	}
	if len(languages) > 0 {
		names := make([]string, 0, len(languages))
		for name := range languages {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			a, b := languages[names[i]], languages[names[j]]
			if a != b {
				return a > b
			}
			return names[i] < names[j]
		})
		entries := make([]string, 0, len(names))
		for _, name := range names {
			entries = append(entries, name+" "+formatPercent(languages[name])+"%")
		}
		parts = append(parts, "Languages: "+strings.Join(entries, ", "))
	}
	if d := joinNonEmpty(deps); d != "" {
		parts = append(parts, "Dependencies: "+d)
	}
	return sentences(parts)
}

// LanguagePercentages converts byte counts into percentages rounded to one
// decimal place.
func LanguagePercentages(bytesByLang map[string]int) map[string]float64 {
	total := 0
	for _, n := range bytesByLang {
		total += n
	}
	out := make(map[string]float64, len(bytesByLang))
	if total == 0 {
		return out
	}
	for lang, n := range bytesByLang {
		out[lang] = math.Round(float64(n)/float64(total)*1000) / 10
	}
	return out
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(math.Round(p*10)/10, 'f', -1, 64)
}

func joinNonEmpty(items []string) string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return strings.Join(out, ", ")
}

func trimSentence(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ". ")
}

func sentences(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ". ") + "."
}
