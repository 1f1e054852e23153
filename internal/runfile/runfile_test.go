package runfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkudish/librarium/internal/normalize"
	"github.com/jkudish/librarium/internal/provider"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"PostgreSQL: Connection pooling!!": "postgresql-connection-pooling",
		"  spaces   everywhere  ":          "spaces-everywhere",
		"already-slugged":                  "already-slugged",
		"ümläuts & sýmbols":                "mluts-smbols",
		"":                                 "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
	long := Slug(strings.Repeat("word ", 20))
	if len(long) > 40 {
		t.Fatalf("slug too long: %d", len(long))
	}
	if strings.HasSuffix(long, "-") {
		t.Fatalf("truncated slug keeps trailing dash: %q", long)
	}
}

func TestSanitizeID(t *testing.T) {
	if got := SanitizeID("my plugin/v2"); got != "my_plugin_v2" {
		t.Fatalf("sanitize = %q", got)
	}
	if got := SanitizeID("tavily"); got != "tavily" {
		t.Fatalf("sanitize = %q", got)
	}
}

func TestCreateRunDirAndPrompt(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2026, 8, 5, 10, 30, 0, 0, time.UTC)
	dir, slug, err := CreateRunDir(base, now, "Rust async runtimes")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if slug != "rust-async-runtimes" {
		t.Fatalf("slug = %q", slug)
	}
	if !strings.HasSuffix(dir, "20260805-103000-rust-async-runtimes") {
		t.Fatalf("dir = %q", dir)
	}
	if err := WritePrompt(dir, "Rust async runtimes", now); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, PromptFile))
	if err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if !strings.Contains(string(data), "Rust async runtimes") {
		t.Fatalf("prompt content: %s", data)
	}
}

func TestWriteProviderArtifacts(t *testing.T) {
	dir := t.TempDir()
	res := &provider.Result{
		Provider: "tavily",
		Tier:     provider.TierRawSearch,
		Content:  "# Results\n\nsome findings",
		Citations: []provider.Citation{
			{URL: "https://example.com", Title: "Example", Provider: "tavily"},
		},
		DurationMs: 1234,
		Model:      "",
		TokenUsage: &provider.TokenUsage{Input: 10, Output: 20},
	}
	outputFile, metaFile, err := WriteProviderArtifacts(dir, res)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outputFile != "tavily.md" || metaFile != "tavily.meta.json" {
		t.Fatalf("files = %q %q", outputFile, metaFile)
	}

	content, _ := os.ReadFile(filepath.Join(dir, outputFile))
	if string(content) != res.Content {
		t.Fatalf("content must be verbatim")
	}

	var meta map[string]any
	data, _ := os.ReadFile(filepath.Join(dir, metaFile))
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("meta parse: %v", err)
	}
	if meta["provider"] != "tavily" || meta["citationCount"] != float64(1) {
		t.Fatalf("meta = %v", meta)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Version:   ManifestVersion,
		Timestamp: 1754390000,
		Slug:      "q",
		Query:     "q",
		Mode:      "mixed",
		OutputDir: dir,
		Providers: []Report{
			{ID: "tavily", Tier: provider.TierRawSearch, Status: StatusSuccess, DurationMs: 10},
		},
		Sources:  SourcesInfo{Total: 3, Unique: 2, File: SourcesFile},
		ExitCode: 0,
	}
	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Query != "q" || len(got.Providers) != 1 || got.Providers[0].ID != "tavily" {
		t.Fatalf("round trip: %+v", got)
	}
	if got.AsyncTasks == nil {
		t.Fatal("asyncTasks must serialize as an empty list, not null")
	}
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Query: "什么 what is zig",
		Providers: []Report{
			{ID: "tavily", Status: StatusSuccess, WordCount: 100, CitationCount: 5, DurationMs: 2000},
			{ID: "exa", Status: StatusError, Error: "HTTP 500"},
			{ID: "openai-deep-research", Status: StatusAsyncPending},
		},
		AsyncTasks: []provider.TaskHandle{
			{Provider: "openai-deep-research", TaskID: "task-1", Status: provider.StatusPending},
		},
	}
	sources := []normalize.Source{
		{URL: "https://a.example/x", NormalizedURL: "a.example/x", Title: "A", Providers: []string{"tavily"}, CitationCount: 2},
	}
	if err := WriteSummary(dir, m, sources); err != nil {
		t.Fatalf("summary: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, SummaryFile))
	text := string(data)
	for _, want := range []string{
		"1 succeeded, 1 failed, 1 async-pending",
		"[success]", "[error]", "[async-pending]",
		"HTTP 500",
		"status --wait",
		"[A](https://a.example/x)",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestWordCount(t *testing.T) {
	if WordCount("one two  three\nfour") != 4 {
		t.Fatal("word count")
	}
	if WordCount("") != 0 {
		t.Fatal("empty word count")
	}
}
