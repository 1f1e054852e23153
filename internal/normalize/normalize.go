// Package normalize canonicalizes citation URLs and deduplicates citations
// across providers.
package normalize

import (
	"net/url"
	"sort"
	"strings"

	"github.com/jkudish/librarium/internal/provider"
)

// trackingParams are stripped during canonicalization.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"ref":          true,
	"fbclid":       true,
	"gclid":        true,
	"msclkid":      true,
	"mc_cid":       true,
	"mc_eid":       true,
}

// URL returns the canonical dedup key for raw. The key is a function of
// the input only: scheme dropped, host lowercased, leading www. stripped,
// tracking params removed, trailing slashes stripped. The order of
// retained query parameters is preserved as encountered.
func URL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(strings.TrimSpace(raw)), "/")
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(u.EscapedPath())

	if q := cleanQuery(u.RawQuery); q != "" {
		b.WriteString("?")
		b.WriteString(q)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return strings.TrimRight(b.String(), "/")
}

// cleanQuery removes tracking parameters while keeping the declared order
// of the remaining ones. url.Values would lose the order, so the raw query
// is walked pair by pair.
func cleanQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.Index(pair, "="); i >= 0 {
			key = pair[:i]
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if trackingParams[strings.ToLower(key)] {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// Source is one deduplicated citation bucket.
type Source struct {
	URL           string   `json:"url"`
	NormalizedURL string   `json:"normalizedUrl"`
	Title         string   `json:"title,omitempty"`
	Providers     []string `json:"providers"`
	CitationCount int      `json:"citationCount"`
}

// Dedup buckets citations by canonical URL and ranks the buckets by
// citation count, descending; ties keep first-seen order. Citations with
// an empty url are dropped. Duplicate citations from the same provider
// count multiple times, but the provider appears once.
func Dedup(citations []provider.Citation) []Source {
	byKey := make(map[string]*Source)
	var order []*Source

	for _, c := range citations {
		if c.URL == "" {
			continue
		}
		key := URL(c.URL)
		src, ok := byKey[key]
		if !ok {
			src = &Source{URL: c.URL, NormalizedURL: key}
			byKey[key] = src
			order = append(order, src)
		}
		src.CitationCount++
		if src.Title == "" && c.Title != "" {
			src.Title = c.Title
		}
		if c.Provider != "" && !containsString(src.Providers, c.Provider) {
			src.Providers = append(src.Providers, c.Provider)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].CitationCount > order[j].CitationCount
	})

	out := make([]Source, len(order))
	for i, s := range order {
		out[i] = *s
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
