package normalize

import (
	"testing"

	"github.com/jkudish/librarium/internal/provider"
)

func TestURLCanonicalization(t *testing.T) {
	cases := []struct {
		name string
		in   []string // all inputs must normalize identically
	}{
		{"scheme", []string{"https://example.com/a", "http://example.com/a"}},
		{"www", []string{"https://www.example.com/a", "https://example.com/a"}},
		{"trailing slash", []string{"https://example.com/a/", "https://example.com/a"}},
		{"host case", []string{"https://EXAMPLE.com/a", "https://example.com/a"}},
		{"tracking params", []string{
			"https://example.com/a?utm_source=x&utm_medium=y",
			"https://example.com/a?fbclid=123",
			"https://example.com/a?gclid=1&msclkid=2&mc_cid=3&mc_eid=4&ref=home",
			"https://example.com/a",
		}},
		{"retained param kept", []string{
			"https://example.com/a?page=2&utm_source=x",
			"https://example.com/a?page=2",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := URL(tc.in[0])
			for _, in := range tc.in[1:] {
				if got := URL(in); got != want {
					t.Fatalf("URL(%q) = %q, want %q", in, got, want)
				}
			}
		})
	}
}

func TestURLPreservesRetainedParamOrder(t *testing.T) {
	a := URL("https://example.com/a?b=1&a=2")
	b := URL("https://example.com/a?a=2&b=1")
	if a == b {
		t.Fatalf("declared param order is preserved, keys must differ: %q vs %q", a, b)
	}
}

func TestURLUnparsableFallback(t *testing.T) {
	if got := URL("Not A URL/"); got != "not a url" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestDedupSortScenario(t *testing.T) {
	citations := []provider.Citation{
		{URL: "https://a.example/x", Provider: "p1"},
		{URL: "https://www.a.example/x/", Provider: "p2"},
		{URL: "https://a.example/x", Provider: "p3"},
		{URL: "https://b.example/y", Provider: "p1"},
	}
	sources := Dedup(citations)
	if len(sources) != 2 {
		t.Fatalf("buckets = %d, want 2", len(sources))
	}
	first := sources[0]
	if first.CitationCount != 3 {
		t.Fatalf("first bucket count = %d, want 3", first.CitationCount)
	}
	if len(first.Providers) != 3 || first.Providers[0] != "p1" || first.Providers[1] != "p2" || first.Providers[2] != "p3" {
		t.Fatalf("providers = %v, want [p1 p2 p3]", first.Providers)
	}
	if first.URL != "https://a.example/x" {
		t.Fatalf("representative url = %q, want first original", first.URL)
	}
	if sources[1].CitationCount != 1 {
		t.Fatalf("second bucket count = %d, want 1", sources[1].CitationCount)
	}
}

func TestDedupSameProviderCountsDuplicates(t *testing.T) {
	citations := []provider.Citation{
		{URL: "https://a.example/x", Provider: "p1"},
		{URL: "https://a.example/x", Provider: "p1"},
	}
	sources := Dedup(citations)
	if len(sources) != 1 || sources[0].CitationCount != 2 {
		t.Fatalf("sources = %+v", sources)
	}
	if len(sources[0].Providers) != 1 {
		t.Fatalf("provider must appear once: %v", sources[0].Providers)
	}
}

func TestDedupFirstNonEmptyTitle(t *testing.T) {
	citations := []provider.Citation{
		{URL: "https://a.example/x", Provider: "p1"},
		{URL: "https://a.example/x", Title: "First title", Provider: "p2"},
		{URL: "https://a.example/x", Title: "Second title", Provider: "p3"},
	}
	sources := Dedup(citations)
	if sources[0].Title != "First title" {
		t.Fatalf("title = %q", sources[0].Title)
	}
}

func TestDedupIdempotence(t *testing.T) {
	citations := []provider.Citation{
		{URL: "https://a.example/x", Provider: "p1"},
		{URL: "https://a.example/x", Provider: "p2"},
		{URL: "https://b.example/y", Provider: "p1"},
	}
	once := Dedup(citations)

	var again []provider.Citation
	for _, s := range once {
		again = append(again, provider.Citation{URL: s.URL, Title: s.Title, Provider: s.Providers[0]})
	}
	twice := Dedup(again)

	if len(twice) != len(once) {
		t.Fatalf("bucket count changed: %d vs %d", len(twice), len(once))
	}
	for i := range once {
		if twice[i].NormalizedURL != once[i].NormalizedURL {
			t.Fatalf("bucket %d changed: %q vs %q", i, twice[i].NormalizedURL, once[i].NormalizedURL)
		}
		if twice[i].CitationCount != 1 {
			t.Fatalf("second pass sees singletons, count = %d", twice[i].CitationCount)
		}
	}
}

func TestDedupSkipsEmptyURL(t *testing.T) {
	sources := Dedup([]provider.Citation{{URL: "", Provider: "p1"}})
	if len(sources) != 0 {
		t.Fatalf("sources = %+v", sources)
	}
}

func TestDedupStableTies(t *testing.T) {
	citations := []provider.Citation{
		{URL: "https://one.example/a", Provider: "p1"},
		{URL: "https://two.example/b", Provider: "p1"},
		{URL: "https://three.example/c", Provider: "p1"},
	}
	sources := Dedup(citations)
	want := []string{"one.example/a", "two.example/b", "three.example/c"}
	for i, w := range want {
		if sources[i].NormalizedURL != w {
			t.Fatalf("tie order broken at %d: %q want %q", i, sources[i].NormalizedURL, w)
		}
	}
}
