package providers

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jkudish/librarium/internal/provider"
)

// OpenAIGPTSearch is the ai-grounded adapter for OpenAI's search-preview
// chat models. The chat completions API returns no structured citation
// list, so citations are extracted from the markdown links in the answer.
type OpenAIGPTSearch struct {
	desc         provider.Descriptor
	apiKey       string
	defaultModel string

	// newClient is swappable in tests.
	newClient func(key string) *openai.Client
}

func NewOpenAIGPTSearch(configuredKey string) *OpenAIGPTSearch {
	return &OpenAIGPTSearch{
		desc: provider.Descriptor{
			ID:             IDOpenAIGPTSearch,
			DisplayName:    "OpenAI GPT Search",
			Tier:           provider.TierAIGrounded,
			EnvVar:         "OPENAI_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true, Test: true},
		},
		apiKey:       configuredKey,
		defaultModel: "gpt-4o-search-preview",
		newClient: func(key string) *openai.Client {
			return openai.NewClient(key)
		},
	}
}

func (e *OpenAIGPTSearch) Descriptor() provider.Descriptor { return e.desc }

func (e *OpenAIGPTSearch) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return provider.ErrorResult(e.desc, 0, err.Error()), nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	model := pickModel(opts, e.defaultModel)
	client := e.newClient(key)
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return provider.ErrorResult(e.desc, elapsed, e.formatSDKError(err)), nil
	}
	if len(resp.Choices) == 0 {
		return provider.ErrorResult(e.desc, elapsed, e.desc.DisplayName+" returned no choices"), nil
	}

	content := resp.Choices[0].Message.Content
	return &provider.Result{
		Provider:   e.desc.ID,
		Tier:       e.desc.Tier,
		Content:    content,
		Citations:  citationsFromMarkdown(content, e.desc.ID),
		DurationMs: elapsed,
		Model:      resp.Model,
		TokenUsage: &provider.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (e *OpenAIGPTSearch) formatSDKError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return provider.FormatHTTPError(e.desc, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return provider.FormatTransportError(e.desc, err)
}

// Test runs a minimal completion to validate the key.
func (e *OpenAIGPTSearch) Test(ctx context.Context) *provider.TestReport {
	res, err := e.Execute(ctx, "Reply with the single word: ok", provider.Options{Timeout: 30 * time.Second})
	if err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	if res.Failed() {
		return &provider.TestReport{OK: false, Error: res.Error}
	}
	return &provider.TestReport{OK: true}
}
