package providers

import (
	"context"
	"time"

	"github.com/jkudish/librarium/internal/httpclient"
	"github.com/jkudish/librarium/internal/provider"
)

const tavilyBaseURL = "https://api.tavily.com"

// Tavily is the raw-search adapter for the Tavily search API.
type Tavily struct {
	desc    provider.Descriptor
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

func NewTavily(configuredKey string) *Tavily {
	return &Tavily{
		desc: provider.Descriptor{
			ID:             IDTavily,
			DisplayName:    "Tavily",
			Tier:           provider.TierRawSearch,
			EnvVar:         "TAVILY_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true, Test: true},
		},
		apiKey:  configuredKey,
		baseURL: tavilyBaseURL,
		client:  httpclient.Default,
	}
}

func (e *Tavily) Descriptor() provider.Descriptor { return e.desc }

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (e *Tavily) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return provider.ErrorResult(e.desc, 0, err.Error()), nil
	}

	body := map[string]any{
		"api_key":        key,
		"query":          query,
		"search_depth":   optionString(opts, "searchDepth", "basic"),
		"include_answer": false,
		"max_results":    optionInt(opts, "maxResults", 10),
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  "POST",
		URL:     e.baseURL + "/search",
		Body:    body,
		Timeout: opts.Timeout,
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return provider.ErrorResult(e.desc, elapsed, provider.FormatTransportError(e.desc, err)), nil
	}
	if !resp.OK() {
		return provider.ErrorResult(e.desc, elapsed, provider.FormatHTTPError(e.desc, resp.Status, resp.Excerpt(200))), nil
	}

	var parsed tavilyResponse
	if err := resp.Decode(&parsed); err != nil {
		return provider.ErrorResult(e.desc, elapsed, err.Error()), nil
	}

	citations := make([]provider.Citation, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		citations = append(citations, provider.Citation{
			URL:      r.URL,
			Title:    r.Title,
			Snippet:  r.Content,
			Provider: e.desc.ID,
		})
	}
	return &provider.Result{
		Provider:   e.desc.ID,
		Tier:       e.desc.Tier,
		Content:    renderSearchResults(query, citations),
		Citations:  citations,
		DurationMs: elapsed,
	}, nil
}

// Test runs a one-result query to validate the key.
func (e *Tavily) Test(ctx context.Context) *provider.TestReport {
	res, err := e.Execute(ctx, "connectivity test", provider.Options{
		Timeout: 30 * time.Second,
		Extra:   map[string]any{"maxResults": 1},
	})
	if err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	if res.Failed() {
		return &provider.TestReport{OK: false, Error: res.Error}
	}
	return &provider.TestReport{OK: true}
}
