package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/jkudish/librarium/internal/httpclient"
	"github.com/jkudish/librarium/internal/provider"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiGrounded is the ai-grounded adapter for Gemini with the Google
// Search tool enabled; citations come from the grounding metadata.
type GeminiGrounded struct {
	desc         provider.Descriptor
	apiKey       string
	baseURL      string
	defaultModel string
	client       *httpclient.Client
}

func NewGeminiGrounded(configuredKey string) *GeminiGrounded {
	return &GeminiGrounded{
		desc: provider.Descriptor{
			ID:             IDGeminiGrounded,
			DisplayName:    "Gemini Grounded Search",
			Tier:           provider.TierAIGrounded,
			EnvVar:         "GEMINI_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true},
		},
		apiKey:       configuredKey,
		baseURL:      geminiBaseURL,
		defaultModel: "gemini-2.5-flash",
		client:       httpclient.Default,
	}
}

func (e *GeminiGrounded) Descriptor() provider.Descriptor { return e.desc }

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		GroundingMetadata struct {
			GroundingChunks []struct {
				Web struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (e *GeminiGrounded) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return provider.ErrorResult(e.desc, 0, err.Error()), nil
	}

	model := pickModel(opts, e.defaultModel)
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": query}}},
		},
		"tools": []map[string]any{
			{"google_search": map[string]any{}},
		},
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  "POST",
		URL:     fmt.Sprintf("%s/models/%s:generateContent", e.baseURL, model),
		Headers: map[string]string{"x-goog-api-key": key},
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

	var parsed geminiResponse
	if err := resp.Decode(&parsed); err != nil {
		return provider.ErrorResult(e.desc, elapsed, err.Error()), nil
	}
	if len(parsed.Candidates) == 0 {
		return provider.ErrorResult(e.desc, elapsed, e.desc.DisplayName+" returned no candidates"), nil
	}

	cand := parsed.Candidates[0]
	var content string
	for _, p := range cand.Content.Parts {
		content += p.Text
	}

	var citations []provider.Citation
	seen := map[string]bool{}
	for _, chunk := range cand.GroundingMetadata.GroundingChunks {
		if chunk.Web.URI == "" || seen[chunk.Web.URI] {
			continue
		}
		seen[chunk.Web.URI] = true
		citations = append(citations, provider.Citation{
			URL:      chunk.Web.URI,
			Title:    chunk.Web.Title,
			Provider: e.desc.ID,
		})
	}

	usedModel := parsed.ModelVersion
	if usedModel == "" {
		usedModel = model
	}
	return &provider.Result{
		Provider:   e.desc.ID,
		Tier:       e.desc.Tier,
		Content:    content,
		Citations:  citations,
		DurationMs: elapsed,
		Model:      usedModel,
		TokenUsage: &provider.TokenUsage{
			Input:  parsed.UsageMetadata.PromptTokenCount,
			Output: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}
