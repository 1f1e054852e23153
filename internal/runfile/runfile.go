// Package runfile owns the on-disk layout of a run directory: prompt,
// per-provider artifacts, deduplicated sources, summary and the canonical
// run manifest.
package runfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jkudish/librarium/internal/fsutil"
	"github.com/jkudish/librarium/internal/normalize"
	"github.com/jkudish/librarium/internal/provider"
)

const (
	PromptFile   = "prompt.md"
	SummaryFile  = "summary.md"
	SourcesFile  = "sources.json"
	ManifestFile = "run.json"
	TasksFile    = "async-tasks.json"

	ManifestVersion = 1

	slugMaxLen = 40
	topSources = 20
)

// ReportStatus is the per-provider outcome recorded in the manifest.
type ReportStatus string

const (
	StatusSuccess      ReportStatus = "success"
	StatusError        ReportStatus = "error"
	StatusTimeout      ReportStatus = "timeout"
	StatusSkipped      ReportStatus = "skipped"
	StatusAsyncPending ReportStatus = "async-pending"
)

// Report is one provider's line in the run manifest.
type Report struct {
	ID            string        `json:"id"`
	Tier          provider.Tier `json:"tier,omitempty"`
	Status        ReportStatus  `json:"status"`
	DurationMs    int64         `json:"durationMs"`
	WordCount     int           `json:"wordCount"`
	CitationCount int           `json:"citationCount"`
	OutputFile    string        `json:"outputFile,omitempty"`
	MetaFile      string        `json:"metaFile,omitempty"`
	Error         string        `json:"error,omitempty"`
	FallbackFor   string        `json:"fallbackFor,omitempty"`
}

// SourcesInfo summarizes the dedup result inside the manifest.
type SourcesInfo struct {
	Total  int    `json:"total"`
	Unique int    `json:"unique"`
	File   string `json:"file"`
}

// Manifest is the machine-readable run record written as run.json.
type Manifest struct {
	Version    int                   `json:"version"`
	Timestamp  int64                 `json:"timestamp"` // epoch seconds
	Slug       string                `json:"slug"`
	Query      string                `json:"query"`
	Mode       string                `json:"mode"`
	OutputDir  string                `json:"outputDir"`
	Providers  []Report              `json:"providers"`
	Sources    SourcesInfo           `json:"sources"`
	AsyncTasks []provider.TaskHandle `json:"asyncTasks"`
	ExitCode   int                   `json:"exitCode"`
}

var (
	slugStrip    = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces   = regexp.MustCompile(`\s+`)
	slugDashRuns = regexp.MustCompile(`-+`)
)

// Slug derives the run directory suffix from the query: lowercase, drop
// anything outside [a-z0-9 -], whitespace to dashes, collapse dash runs,
// trim, cap at 40 characters.
func Slug(query string) string {
	s := strings.ToLower(query)
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugDashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > slugMaxLen {
		s = s[:slugMaxLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

var idSanitize = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeID makes a provider id safe as a file name stem.
func SanitizeID(id string) string {
	return idSanitize.ReplaceAllString(id, "_")
}

// WordCount counts whitespace-delimited tokens.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// CreateRunDir makes <base>/<timestamp>-<slug> and returns its absolute
// path plus the slug.
func CreateRunDir(base string, now time.Time, query string) (string, string, error) {
	slug := Slug(query)
	name := now.Format("20060102-150405")
	if slug != "" {
		name += "-" + slug
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create run directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return abs, slug, nil
}

// WritePrompt records the query as prompt.md.
func WritePrompt(dir, query string, now time.Time) error {
	var b strings.Builder
	b.WriteString("# Research prompt\n\n")
	b.WriteString(query)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Submitted: %s\n", now.UTC().Format(time.RFC3339))
	return fsutil.AtomicWrite(filepath.Join(dir, PromptFile), []byte(b.String()), 0o644)
}

// providerMeta is the sidecar written next to each provider's markdown.
type providerMeta struct {
	Provider      string               `json:"provider"`
	Tier          provider.Tier        `json:"tier"`
	Model         string               `json:"model,omitempty"`
	DurationMs    int64                `json:"durationMs"`
	CitationCount int                  `json:"citationCount"`
	TokenUsage    *provider.TokenUsage `json:"tokenUsage,omitempty"`
	Citations     []provider.Citation  `json:"citations"`
}

// WriteProviderArtifacts writes <id>.md with the content verbatim and
// <id>.meta.json with the execution metadata. Returns the two file names
// (relative to dir).
func WriteProviderArtifacts(dir string, res *provider.Result) (string, string, error) {
	stem := SanitizeID(res.Provider)
	outputFile := stem + ".md"
	metaFile := stem + ".meta.json"

	if err := fsutil.AtomicWrite(filepath.Join(dir, outputFile), []byte(res.Content), 0o644); err != nil {
		return "", "", err
	}
	meta := providerMeta{
		Provider:      res.Provider,
		Tier:          res.Tier,
		Model:         res.Model,
		DurationMs:    res.DurationMs,
		CitationCount: len(res.Citations),
		TokenUsage:    res.TokenUsage,
		Citations:     res.Citations,
	}
	if meta.Citations == nil {
		meta.Citations = []provider.Citation{}
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(dir, metaFile), meta, 0o644); err != nil {
		return "", "", err
	}
	return outputFile, metaFile, nil
}

// WriteSources persists the ranked deduplicated sources as sources.json.
func WriteSources(dir string, sources []normalize.Source) error {
	if sources == nil {
		sources = []normalize.Source{}
	}
	return fsutil.AtomicWriteJSON(filepath.Join(dir, SourcesFile), sources, 0o644)
}

// WriteManifest persists the canonical run record as run.json.
func WriteManifest(dir string, m *Manifest) error {
	if m.Providers == nil {
		m.Providers = []Report{}
	}
	if m.AsyncTasks == nil {
		m.AsyncTasks = []provider.TaskHandle{}
	}
	return fsutil.AtomicWriteJSON(filepath.Join(dir, ManifestFile), m, 0o644)
}

// ReadManifest loads run.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := fsutil.ReadJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteSummary renders the human-readable digest as summary.md.
func WriteSummary(dir string, m *Manifest, sources []normalize.Source) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Research summary\n\n")
	fmt.Fprintf(&b, "**Query:** %s\n\n", m.Query)

	var success, failed, pending int
	var maxDuration int64
	for _, r := range m.Providers {
		switch r.Status {
		case StatusSuccess:
			success++
		case StatusError, StatusTimeout:
			failed++
		case StatusAsyncPending:
			pending++
		}
		if r.DurationMs > maxDuration {
			maxDuration = r.DurationMs
		}
	}
	fmt.Fprintf(&b, "Providers: %d succeeded, %d failed, %d async-pending. ", success, failed, pending)
	fmt.Fprintf(&b, "Elapsed: %.1fs. Unique sources: %d.\n\n", float64(maxDuration)/1000, len(sources))

	b.WriteString("## Providers\n\n")
	for _, r := range m.Providers {
		tag := string(r.Status)
		if r.FallbackFor != "" {
			tag += ", fallback for " + r.FallbackFor
		}
		fmt.Fprintf(&b, "- **%s** [%s]", r.ID, tag)
		switch r.Status {
		case StatusSuccess:
			fmt.Fprintf(&b, " - %d words, %d citations, %.1fs", r.WordCount, r.CitationCount, float64(r.DurationMs)/1000)
		case StatusError, StatusTimeout:
			fmt.Fprintf(&b, " - %s", r.Error)
		}
		b.WriteString("\n")
	}

	if len(sources) > 0 {
		b.WriteString("\n## Top sources\n\n")
		n := len(sources)
		if n > topSources {
			n = topSources
		}
		for i := 0; i < n; i++ {
			s := sources[i]
			title := s.Title
			if title == "" {
				title = s.NormalizedURL
			}
			fmt.Fprintf(&b, "%d. [%s](%s) - cited %d time(s) by %s\n",
				i+1, title, s.URL, s.CitationCount, strings.Join(s.Providers, ", "))
		}
	}

	if len(m.AsyncTasks) > 0 {
		b.WriteString("\n## Pending async tasks\n\n")
		for _, h := range m.AsyncTasks {
			fmt.Fprintf(&b, "- %s task %s (%s)\n", h.Provider, h.TaskID, h.Status)
		}
		b.WriteString("\nRun `librarium status --wait` to poll and retrieve results.\n")
	}

	return fsutil.AtomicWrite(filepath.Join(dir, SummaryFile), []byte(b.String()), 0o644)
}
