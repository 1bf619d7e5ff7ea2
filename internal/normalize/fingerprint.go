package normalize

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Rune bounds applied before hashing.
const (
	MaxTitleRunes = 512
	MaxBodyRunes  = 8192
)

const (
	fieldSep    = "\x1f"
	noDueMarker = "-"
)

// Fingerprint hashes the normalized title, body and due date. Whitespace,
// casing and Unicode compatibility forms do not affect the result; a change in
// any field's wording or in the due date does.
func (n *Normalizer) Fingerprint(title, body string, due *time.Time) (string, error) {
	payload := FingerprintInput(title, body, due)
	sum, err := n.hasher.Hash([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return sum, nil
}

// FingerprintInput returns the exact string that Fingerprint hashes.
func FingerprintInput(title, body string, due *time.Time) string {
	dueKey := noDueMarker
	if due != nil && !due.IsZero() {
		dueKey = due.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		foldField(title, MaxTitleRunes),
		foldField(body, MaxBodyRunes),
		dueKey,
	}, fieldSep)
}

func foldField(s string, limit int) string {
	s = norm.NFKC.String(strings.ToValidUTF8(s, ""))
	s = strings.ReplaceAll(s, fieldSep, " ")
	// cases.Caser holds state and is not safe for concurrent use.
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	return truncateRunes(s, limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return strings.TrimRight(s[:i], " ")
		}
		count++
	}
	return s
}
