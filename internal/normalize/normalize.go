// Package normalize turns adapter candidates into canonical records: it fills
// defaults, canonicalizes identity URLs, cleans free text, and computes the
// content fingerprint used for change detection.
package normalize

import (
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

// Normalizer converts candidates into records. It is safe for concurrent use.
type Normalizer struct {
	hasher opportunity.Hasher
	policy *bluemonday.Policy
}

// New builds a Normalizer that fingerprints with hasher.
func New(hasher opportunity.Hasher) *Normalizer {
	return &Normalizer{
		hasher: hasher,
		policy: bluemonday.StrictPolicy(),
	}
}

// Normalize fills defaults, validates identity fields and fingerprints the
// candidate. Malformed candidates yield a *opportunity.NormalizationError.
func (n *Normalizer) Normalize(c opportunity.CandidateRecord) (opportunity.Record, error) {
	sourceID := strings.TrimSpace(c.SourceID)
	if sourceID == "" {
		return opportunity.Record{}, &opportunity.NormalizationError{URL: c.URL, Reason: "missing source id"}
	}
	canonical, err := CanonicalURL(c.URL)
	if err != nil {
		return opportunity.Record{}, &opportunity.NormalizationError{SourceID: sourceID, URL: c.URL, Reason: err.Error()}
	}

	out := opportunity.CandidateRecord{
		SourceID:     sourceID,
		URL:          canonical,
		Title:        cleanLine(c.Title),
		Body:         n.cleanBody(c.Body),
		CategoryHint: cleanLine(c.CategoryHint),
		Agency:       cleanLine(c.Agency),
		Location:     cleanLine(c.Location),
		PostedAt:     utcPtr(c.PostedAt),
		DueAt:        utcPtr(c.DueAt),
		PreBidAt:     utcPtr(c.PreBidAt),
		Attachments:  resolveAttachments(canonical, c.Attachments),
		ExternalRef:  cleanLine(c.ExternalRef),
		StatusHint:   StatusFromHint(string(c.StatusHint)),
	}
	fp, err := n.Fingerprint(out.Title, out.Body, out.DueAt)
	if err != nil {
		return opportunity.Record{}, fmt.Errorf("fingerprint %s: %w", canonical, err)
	}
	return opportunity.Record{CandidateRecord: out, Fingerprint: fp}, nil
}

// CanonicalURL standardizes a listing URL so repeated scrapes of one listing
// share a single identity key. Only absolute http(s) URLs are accepted.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url must be absolute http(s), got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %q", raw)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// StatusFromHint maps a free-form source status to the lifecycle status.
func StatusFromHint(hint string) opportunity.Status {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "closed", "awarded", "cancelled", "canceled", "archived", "expired", "withdrawn":
		return opportunity.StatusClosed
	default:
		return opportunity.StatusOpen
	}
}

func (n *Normalizer) cleanBody(s string) string {
	s = strings.ToValidUTF8(s, "�")
	if strings.ContainsAny(s, "<&") {
		s = html.UnescapeString(n.policy.Sanitize(s))
	}
	return collapseSpace(s)
}

func cleanLine(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return collapseSpace(s)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func resolveAttachments(base string, in []opportunity.Attachment) []opportunity.Attachment {
	if len(in) == 0 {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]opportunity.Attachment, 0, len(in))
	for _, a := range in {
		ref, err := url.Parse(strings.TrimSpace(a.URL))
		if err != nil || a.URL == "" {
			continue
		}
		abs, err := CanonicalURL(baseURL.ResolveReference(ref).String())
		if err != nil {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, opportunity.Attachment{Name: cleanLine(a.Name), URL: abs})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	if len(out) == 0 {
		return nil
	}
	return out
}
