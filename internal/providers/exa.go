package providers

import (
	"context"
	"time"

	"github.com/jkudish/librarium/internal/httpclient"
	"github.com/jkudish/librarium/internal/provider"
)

const exaBaseURL = "https://api.exa.ai"

// Exa is the raw-search adapter for the Exa neural search API.
type Exa struct {
	desc    provider.Descriptor
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

func NewExa(configuredKey string) *Exa {
	return &Exa{
		desc: provider.Descriptor{
			ID:             IDExa,
			DisplayName:    "Exa",
			Tier:           provider.TierRawSearch,
			EnvVar:         "EXA_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true},
		},
		apiKey:  configuredKey,
		baseURL: exaBaseURL,
		client:  httpclient.Default,
	}
}

func (e *Exa) Descriptor() provider.Descriptor { return e.desc }

type exaResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		PublishedDate string `json:"publishedDate"`
		Text          string `json:"text"`
	} `json:"results"`
}

func (e *Exa) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return provider.ErrorResult(e.desc, 0, err.Error()), nil
	}

	body := map[string]any{
		"query":      query,
		"numResults": optionInt(opts, "numResults", 10),
		"type":       optionString(opts, "searchType", "auto"),
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  "POST",
		URL:     e.baseURL + "/search",
		Headers: map[string]string{"x-api-key": key},
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

	var parsed exaResponse
	if err := resp.Decode(&parsed); err != nil {
		return provider.ErrorResult(e.desc, elapsed, err.Error()), nil
	}

	citations := make([]provider.Citation, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		snippet := r.Text
		if len(snippet) > 300 {
			snippet = snippet[:300] + "..."
		}
		citations = append(citations, provider.Citation{
			URL:      r.URL,
			Title:    r.Title,
			Snippet:  snippet,
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
