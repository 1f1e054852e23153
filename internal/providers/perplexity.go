package providers

import (
	"context"
	"time"

	"github.com/jkudish/librarium/internal/httpclient"
	"github.com/jkudish/librarium/internal/provider"
)

const perplexityBaseURL = "https://api.perplexity.ai"

// Perplexity is the shared chat-completions adapter behind both
// Perplexity providers; they differ only in descriptor and default model.
type Perplexity struct {
	desc         provider.Descriptor
	apiKey       string
	baseURL      string
	defaultModel string
	client       *httpclient.Client
}

// NewPerplexitySonarPro is the ai-grounded Perplexity adapter.
func NewPerplexitySonarPro(configuredKey string) *Perplexity {
	return &Perplexity{
		desc: provider.Descriptor{
			ID:             IDPerplexitySonarPro,
			DisplayName:    "Perplexity Sonar Pro",
			Tier:           provider.TierAIGrounded,
			EnvVar:         "PERPLEXITY_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true, Test: true},
		},
		apiKey:       configuredKey,
		baseURL:      perplexityBaseURL,
		defaultModel: "sonar-pro",
		client:       httpclient.Default,
	}
}

// NewPerplexityDeepResearch is the blocking deep-research adapter;
// RegisterBuiltins wraps it in the synthetic-async adapter so it shares
// the async code path.
func NewPerplexityDeepResearch(configuredKey string) *Perplexity {
	return &Perplexity{
		desc: provider.Descriptor{
			ID:             IDPerplexityDeepResearch,
			DisplayName:    "Perplexity Deep Research",
			Tier:           provider.TierDeepResearch,
			EnvVar:         "PERPLEXITY_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true, Test: true},
		},
		apiKey:       configuredKey,
		baseURL:      perplexityBaseURL,
		defaultModel: "sonar-deep-research",
		client:       httpclient.Default,
	}
}

func (e *Perplexity) Descriptor() provider.Descriptor { return e.desc }

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (e *Perplexity) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return provider.ErrorResult(e.desc, 0, err.Error()), nil
	}

	model := pickModel(opts, e.defaultModel)
	body := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": query},
		},
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  "POST",
		URL:     e.baseURL + "/chat/completions",
		Headers: map[string]string{"Authorization": "Bearer " + key},
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

	var parsed perplexityResponse
	if err := resp.Decode(&parsed); err != nil {
		return provider.ErrorResult(e.desc, elapsed, err.Error()), nil
	}
	if len(parsed.Choices) == 0 {
		return provider.ErrorResult(e.desc, elapsed, e.desc.DisplayName+" returned no choices"), nil
	}

	// search_results carries titles; the citations list is bare URLs.
	// Prefer the richer shape and fall back to the plain one.
	var citations []provider.Citation
	for _, r := range parsed.SearchResults {
		citations = append(citations, provider.Citation{
			URL:      r.URL,
			Title:    r.Title,
			Provider: e.desc.ID,
		})
	}
	if len(citations) == 0 {
		for _, u := range parsed.Citations {
			citations = append(citations, provider.Citation{URL: u, Provider: e.desc.ID})
		}
	}

	usedModel := parsed.Model
	if usedModel == "" {
		usedModel = model
	}
	return &provider.Result{
		Provider:   e.desc.ID,
		Tier:       e.desc.Tier,
		Content:    parsed.Choices[0].Message.Content,
		Citations:  citations,
		DurationMs: elapsed,
		Model:      usedModel,
		TokenUsage: &provider.TokenUsage{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// Test runs a trivial completion to validate the key.
func (e *Perplexity) Test(ctx context.Context) *provider.TestReport {
	res, err := e.Execute(ctx, "Reply with the single word: ok", provider.Options{
		Timeout: 30 * time.Second,
		Model:   "sonar",
	})
	if err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	if res.Failed() {
		return &provider.TestReport{OK: false, Error: res.Error}
	}
	return &provider.TestReport{OK: true}
}
