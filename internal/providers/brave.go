package providers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jkudish/librarium/internal/httpclient"
	"github.com/jkudish/librarium/internal/provider"
)

const braveBaseURL = "https://api.search.brave.com/res/v1"

// Brave is the raw-search adapter for the Brave Search API.
type Brave struct {
	desc    provider.Descriptor
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

func NewBrave(configuredKey string) *Brave {
	return &Brave{
		desc: provider.Descriptor{
			ID:             IDBrave,
			DisplayName:    "Brave Search",
			Tier:           provider.TierRawSearch,
			EnvVar:         "BRAVE_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true},
		},
		apiKey:  configuredKey,
		baseURL: braveBaseURL,
		client:  httpclient.Default,
	}
}

func (e *Brave) Descriptor() provider.Descriptor { return e.desc }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (e *Brave) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return provider.ErrorResult(e.desc, 0, err.Error()), nil
	}

	endpoint := fmt.Sprintf("%s/web/search?q=%s&count=%d",
		e.baseURL, url.QueryEscape(query), optionInt(opts, "count", 10))
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method: "GET",
		URL:    endpoint,
		Headers: map[string]string{
			"X-Subscription-Token": key,
			"Accept":               "application/json",
		},
		Timeout: opts.Timeout,
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return provider.ErrorResult(e.desc, elapsed, provider.FormatTransportError(e.desc, err)), nil
	}
	if !resp.OK() {
		return provider.ErrorResult(e.desc, elapsed, provider.FormatHTTPError(e.desc, resp.Status, resp.Excerpt(200))), nil
	}

	var parsed braveResponse
	if err := resp.Decode(&parsed); err != nil {
		return provider.ErrorResult(e.desc, elapsed, err.Error()), nil
	}

	citations := make([]provider.Citation, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		citations = append(citations, provider.Citation{
			URL:      r.URL,
			Title:    r.Title,
			Snippet:  r.Description,
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
