package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/jkudish/librarium/internal/httpclient"
)

// ResolveAPIKey turns a configured apiKey value into a usable key. A value
// starting with "$" names an environment variable to read at use time;
// anything else is a literal key. An empty configured value falls back to
// the descriptor's EnvVar. A resolved empty string counts as missing.
func ResolveAPIKey(d Descriptor, configured string) (string, error) {
	if !d.RequiresAPIKey {
		return "", nil
	}
	var key string
	switch {
	case strings.HasPrefix(configured, "$"):
		key = os.Getenv(strings.TrimPrefix(configured, "$"))
	case configured != "":
		key = configured
	default:
		key = os.Getenv(d.EnvVar)
	}
	if key == "" {
		return "", fmt.Errorf("no API key for %s: set %s or configure providers.%s.apiKey", d.DisplayName, d.EnvVar, d.ID)
	}
	return key, nil
}

// HasAPIKey reports whether ResolveAPIKey would succeed.
func HasAPIKey(d Descriptor, configured string) bool {
	_, err := ResolveAPIKey(d, configured)
	return err == nil
}

// FormatHTTPError renders an HTTP >=400 response into a Result.Error
// message. 401/403 include the actionable env-var hint.
func FormatHTTPError(d Descriptor, status int, bodyExcerpt string) string {
	switch status {
	case 401, 403:
		return fmt.Sprintf("%s returned HTTP %d (check that %s holds a valid API key): %s",
			d.DisplayName, status, d.EnvVar, bodyExcerpt)
	default:
		return fmt.Sprintf("%s returned HTTP %d: %s", d.DisplayName, status, bodyExcerpt)
	}
}

// FormatTransportError rewrites connection-level failures into a generic
// network message and keeps timeout/abort messages distinct.
func FormatTransportError(d Descriptor, err error) string {
	switch {
	case errors.Is(err, httpclient.ErrAborted):
		return fmt.Sprintf("request to %s aborted", d.DisplayName)
	case errors.Is(err, httpclient.ErrTimeout):
		return fmt.Sprintf("request to %s timed out", d.DisplayName)
	case isNetworkError(err):
		return fmt.Sprintf("network error connecting to %s", d.DisplayName)
	default:
		return err.Error()
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"no such host",
		"connection refused",
		"connection reset",
		"i/o timeout",
		"broken pipe",
		"EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ErrorResult builds a failed Result in the provider's shape.
func ErrorResult(d Descriptor, durationMs int64, msg string) *Result {
	return &Result{
		Provider:   d.ID,
		Tier:       d.Tier,
		DurationMs: durationMs,
		Error:      msg,
	}
}

// Aborted reports whether the error or context indicates external
// cancellation.
func Aborted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, httpclient.ErrAborted) || errors.Is(err, context.Canceled)
}

// legacyIDs maps retired provider ids to their canonical replacements.
// Config keys, group members and fallback targets written against old
// releases keep resolving.
var legacyIDs = map[string]string{
	"perplexity-sonar": "perplexity-sonar-pro",
	"perplexity-deep":  "perplexity-deep-research",
	"openai-deep":      "openai-deep-research",
	"gpt-search":       "openai-gpt-search",
	"claude":           "anthropic-claude",
	"gemini":           "gemini-grounded",
}

// CanonicalID maps a possibly-legacy provider id to its canonical form.
// The second return reports whether a rewrite happened.
func CanonicalID(id string) (string, bool) {
	if canonical, ok := legacyIDs[id]; ok {
		return canonical, true
	}
	return id, false
}

// ValidIDChars reports whether id is stable and file-safe.
func ValidIDChars(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
