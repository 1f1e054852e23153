package providers

import (
	"context"
	"errors"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/jkudish/librarium/internal/provider"
)

// AnthropicClaude is the ai-grounded adapter for Anthropic's messages
// API. Citations are extracted from the markdown links in the answer.
type AnthropicClaude struct {
	desc         provider.Descriptor
	apiKey       string
	defaultModel string

	newClient func(key string) *anthropic.Client
}

func NewAnthropicClaude(configuredKey string) *AnthropicClaude {
	return &AnthropicClaude{
		desc: provider.Descriptor{
			ID:             IDAnthropicClaude,
			DisplayName:    "Anthropic Claude",
			Tier:           provider.TierAIGrounded,
			EnvVar:         "ANTHROPIC_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities:   provider.Capabilities{Execute: true, Test: true},
		},
		apiKey:       configuredKey,
		defaultModel: string(anthropic.ModelClaude3Dot5SonnetLatest),
		newClient: func(key string) *anthropic.Client {
			return anthropic.NewClient(key)
		},
	}
}

func (e *AnthropicClaude) Descriptor() provider.Descriptor { return e.desc }

func (e *AnthropicClaude) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
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
	resp, err := client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		MaxTokens: optionInt(opts, "maxTokens", 4096),
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(query),
		},
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return provider.ErrorResult(e.desc, elapsed, e.formatSDKError(err)), nil
	}

	content := resp.GetFirstContentText()
	return &provider.Result{
		Provider:   e.desc.ID,
		Tier:       e.desc.Tier,
		Content:    content,
		Citations:  citationsFromMarkdown(content, e.desc.ID),
		DurationMs: elapsed,
		Model:      string(resp.Model),
		TokenUsage: &provider.TokenUsage{
			Input:  resp.Usage.InputTokens,
			Output: resp.Usage.OutputTokens,
		},
	}, nil
}

func (e *AnthropicClaude) formatSDKError(err error) string {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsAuthenticationErr() || apiErr.IsPermissionErr() {
			return provider.FormatHTTPError(e.desc, 401, apiErr.Message)
		}
		return e.desc.DisplayName + ": " + apiErr.Message
	}
	return provider.FormatTransportError(e.desc, err)
}

// Test runs a minimal completion to validate the key.
func (e *AnthropicClaude) Test(ctx context.Context) *provider.TestReport {
	res, err := e.Execute(ctx, "Reply with the single word: ok", provider.Options{
		Timeout: 30 * time.Second,
		Extra:   map[string]any{"maxTokens": 16},
	})
	if err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	if res.Failed() {
		return &provider.TestReport{OK: false, Error: res.Error}
	}
	return &provider.TestReport{OK: true}
}
