package enrich

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	maxCategoryRunes = 64
	maxTagRunes      = 48
	// Tags at least this long may merge with a variant one edit away.
	fuzzyTagRunes = 5
)

var fold = cases.Fold()

// stripFences drops markdown code fence lines.
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimPrefixFold(s, prefix string) string {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return s
}

func trimQuotes(s string) string {
	return strings.Trim(s, "\"'`“”‘’ ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit]))
}

// CleanCategory reduces raw model output to a single folded label. When
// allowed is non-empty the label must match one of its entries.
func CleanCategory(raw string, allowed []string) (string, bool) {
	var line string
	for _, l := range strings.Split(stripFences(raw), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = trimPrefixFold(line, "category:")
	line = trimQuotes(strings.TrimRight(trimQuotes(line), "."))
	line = collapse(fold.String(line))
	if line == "" || utf8.RuneCountInString(line) > maxCategoryRunes {
		return "", false
	}
	if len(allowed) == 0 {
		return line, true
	}
	for _, a := range allowed {
		if collapse(fold.String(a)) == line {
			return a, true
		}
	}
	return "", false
}

// CleanConfidence rejects non-finite values and clamps to [0,1].
func CleanConfidence(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return math.Min(1, math.Max(0, v)), true
}

// CleanSummary collapses whitespace and caps the summary length.
func CleanSummary(raw string, maxRunes int) (string, bool) {
	s := collapse(stripFences(raw))
	s = trimQuotes(trimPrefixFold(s, "summary:"))
	s = truncateRunes(s, maxRunes)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s, s != ""
}

// CleanTags splits, folds and de-duplicates tag output, keeping the first
// spelling of each near-duplicate group.
func CleanTags(raw []string, maxTags int) []string {
	var (
		out  []string
		keys []string
	)
	for _, chunk := range raw {
		for _, piece := range splitTags(stripFences(chunk)) {
			tag := cleanTag(piece)
			if tag == "" {
				continue
			}
			key := tagKey(tag)
			if key == "" || duplicateTag(key, keys) {
				continue
			}
			out = append(out, tag)
			keys = append(keys, key)
			if maxTags > 0 && len(out) == maxTags {
				return out
			}
		}
	}
	return out
}

func splitTags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';' || r == '•'
	})
}

func cleanTag(s string) string {
	s = strings.TrimSpace(s)
	s = trimPrefixFold(s, "tags:")
	s = strings.TrimLeft(s, "-*+# \t")
	// Drop list numbering such as "1." or "2)".
	if i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }); i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		s = s[i+1:]
	}
	s = trimQuotes(strings.TrimRight(trimQuotes(s), "."))
	s = collapse(fold.String(s))
	if utf8.RuneCountInString(s) > maxTagRunes {
		return ""
	}
	return s
}

// tagKey removes punctuation and a trailing plural s.
func tagKey(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			b.WriteRune(' ')
		}
	}
	key := collapse(b.String())
	if utf8.RuneCountInString(key) > 3 && strings.HasSuffix(key, "s") && !strings.HasSuffix(key, "ss") {
		key = strings.TrimSuffix(key, "s")
	}
	return key
}

func duplicateTag(key string, seen []string) bool {
	n := utf8.RuneCountInString(key)
	for _, k := range seen {
		if k == key {
			return true
		}
		if n >= fuzzyTagRunes && utf8.RuneCountInString(k) >= fuzzyTagRunes && withinOneEdit(k, key) {
			return true
		}
	}
	return false
}

// withinOneEdit reports whether a and b differ by at most one insertion,
// deletion or substitution.
func withinOneEdit(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(ra)-len(rb) > 1 {
		return false
	}
	i, j, edits := 0, 0, 0
	for i < len(ra) && j < len(rb) {
		if ra[i] == rb[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		if len(ra) == len(rb) {
			j++
		}
		i++
	}
	return edits+(len(ra)-i) <= 1
}
