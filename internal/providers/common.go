package providers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jkudish/librarium/internal/provider"
)

var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)

// citationsFromMarkdown extracts link citations from rendered content.
// Used by the SDK-backed ai-grounded adapters whose APIs do not return a
// structured citation list.
func citationsFromMarkdown(content, providerID string) []provider.Citation {
	matches := markdownLink.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	var out []provider.Citation
	for _, m := range matches {
		title, url := m[1], m[2]
		if seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, provider.Citation{URL: url, Title: title, Provider: providerID})
	}
	return out
}

// renderSearchResults turns raw-search citations into the markdown-like
// content field.
func renderSearchResults(query string, citations []provider.Citation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Search results: %s\n\n", query)
	if len(citations) == 0 {
		b.WriteString("No results found.\n")
		return b.String()
	}
	for i, c := range citations {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "%d. **%s**\n   %s\n", i+1, title, c.URL)
		if c.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", c.Snippet)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// optionString reads a string knob from the free-form options block.
func optionString(opts provider.Options, key, fallback string) string {
	if v, ok := opts.Extra[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// optionInt reads an integer knob from the free-form options block. JSON
// numbers decode as float64.
func optionInt(opts provider.Options, key string, fallback int) int {
	switch v := opts.Extra[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// pickModel prefers the per-run model, then the configured default.
func pickModel(opts provider.Options, fallback string) string {
	if opts.Model != "" {
		return opts.Model
	}
	return fallback
}
