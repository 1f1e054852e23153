package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/jkudish/librarium/internal/httpclient"
	"github.com/jkudish/librarium/internal/provider"
)

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIDeepResearch drives OpenAI's deep-research models over the
// responses API. It is the natively-async provider: Submit starts a
// background response, Poll reads its status, Retrieve extracts the final
// report and its URL citations.
type OpenAIDeepResearch struct {
	desc         provider.Descriptor
	apiKey       string
	baseURL      string
	defaultModel string
	client       *httpclient.Client
}

func NewOpenAIDeepResearch(configuredKey string) *OpenAIDeepResearch {
	return &OpenAIDeepResearch{
		desc: provider.Descriptor{
			ID:             IDOpenAIDeepResearch,
			DisplayName:    "OpenAI Deep Research",
			Tier:           provider.TierDeepResearch,
			EnvVar:         "OPENAI_API_KEY",
			Source:         provider.SourceBuiltin,
			RequiresAPIKey: true,
			Capabilities: provider.Capabilities{
				Execute: true, Submit: true, Poll: true, Retrieve: true,
			},
		},
		apiKey:       configuredKey,
		baseURL:      openaiBaseURL,
		defaultModel: "o4-mini-deep-research",
		client:       httpclient.Default,
	}
}

func (e *OpenAIDeepResearch) Descriptor() provider.Descriptor { return e.desc }

type openaiResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Model  string `json:"model"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Annotations []struct {
				Type  string `json:"type"`
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"annotations"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func mapOpenAIStatus(status string) provider.TaskStatus {
	switch status {
	case "queued":
		return provider.StatusPending
	case "in_progress":
		return provider.StatusRunning
	case "completed":
		return provider.StatusCompleted
	case "cancelled":
		return provider.StatusCancelled
	default: // failed, incomplete, expired
		return provider.StatusFailed
	}
}

func (e *OpenAIDeepResearch) create(ctx context.Context, query string, opts provider.Options, background bool) (*httpclient.Response, *openaiResponse, error) {
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return nil, nil, err
	}
	body := map[string]any{
		"model":      pickModel(opts, e.defaultModel),
		"input":      query,
		"background": background,
		"tools":      []map[string]any{{"type": "web_search_preview"}},
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  "POST",
		URL:     e.baseURL + "/responses",
		Headers: map[string]string{"Authorization": "Bearer " + key},
		Body:    body,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if !resp.OK() {
		return resp, nil, nil
	}
	var parsed openaiResponse
	if err := resp.Decode(&parsed); err != nil {
		return resp, nil, err
	}
	return resp, &parsed, nil
}

// Execute runs the model in the foreground, for sync-mode dispatches.
func (e *OpenAIDeepResearch) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	resp, parsed, err := e.create(ctx, query, opts, false)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if resp == nil {
			return provider.ErrorResult(e.desc, elapsed, provider.FormatTransportError(e.desc, err)), nil
		}
		return provider.ErrorResult(e.desc, elapsed, err.Error()), nil
	}
	if parsed == nil {
		return provider.ErrorResult(e.desc, elapsed, provider.FormatHTTPError(e.desc, resp.Status, resp.Excerpt(200))), nil
	}
	if parsed.Error != nil {
		return provider.ErrorResult(e.desc, elapsed, e.desc.DisplayName+": "+parsed.Error.Message), nil
	}
	return e.resultFrom(parsed, elapsed), nil
}

// Submit starts a background response and returns its handle.
func (e *OpenAIDeepResearch) Submit(ctx context.Context, query string, opts provider.Options) (*provider.TaskHandle, error) {
	resp, parsed, err := e.create(ctx, query, opts, true)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, fmt.Errorf("%s", provider.FormatHTTPError(e.desc, resp.Status, resp.Excerpt(200)))
	}
	if parsed.ID == "" {
		return nil, fmt.Errorf("%s did not return a response id", e.desc.DisplayName)
	}
	return &provider.TaskHandle{
		Provider:    e.desc.ID,
		TaskID:      parsed.ID,
		Query:       query,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      mapOpenAIStatus(parsed.Status),
	}, nil
}

func (e *OpenAIDeepResearch) fetch(ctx context.Context, taskID string, timeout time.Duration) (*openaiResponse, error) {
	key, err := provider.ResolveAPIKey(e.desc, e.apiKey)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(ctx, httpclient.Request{
		Method:  "GET",
		URL:     e.baseURL + "/responses/" + taskID,
		Headers: map[string]string{"Authorization": "Bearer " + key},
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s", provider.FormatHTTPError(e.desc, resp.Status, resp.Excerpt(200)))
	}
	var parsed openaiResponse
	if err := resp.Decode(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// Poll reads the background response's status.
func (e *OpenAIDeepResearch) Poll(ctx context.Context, h *provider.TaskHandle) (*provider.PollUpdate, error) {
	parsed, err := e.fetch(ctx, h.TaskID, 30*time.Second)
	if err != nil {
		return nil, err
	}
	upd := &provider.PollUpdate{Status: mapOpenAIStatus(parsed.Status)}
	if parsed.Error != nil {
		upd.Message = parsed.Error.Message
	}
	return upd, nil
}

// Retrieve fetches the completed response and extracts the report.
func (e *OpenAIDeepResearch) Retrieve(ctx context.Context, h *provider.TaskHandle) (*provider.Result, error) {
	start := time.Now()
	parsed, err := e.fetch(ctx, h.TaskID, 120*time.Second)
	if err != nil {
		return nil, err
	}
	if status := mapOpenAIStatus(parsed.Status); status != provider.StatusCompleted {
		if parsed.Error != nil {
			return provider.ErrorResult(e.desc, time.Since(start).Milliseconds(), e.desc.DisplayName+": "+parsed.Error.Message), nil
		}
		return nil, fmt.Errorf("response %s is %s, not completed", h.TaskID, parsed.Status)
	}
	elapsed := time.Since(start).Milliseconds()
	if h.SubmittedAt > 0 {
		elapsed = time.Now().UnixMilli() - h.SubmittedAt
	}
	return e.resultFrom(parsed, elapsed), nil
}

// resultFrom flattens the output message blocks into content plus
// url_citation annotations.
func (e *OpenAIDeepResearch) resultFrom(parsed *openaiResponse, elapsed int64) *provider.Result {
	var content string
	var citations []provider.Citation
	seen := map[string]bool{}
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, block := range item.Content {
			if block.Type != "output_text" {
				continue
			}
			content += block.Text
			for _, a := range block.Annotations {
				if a.Type != "url_citation" || a.URL == "" || seen[a.URL] {
					continue
				}
				seen[a.URL] = true
				citations = append(citations, provider.Citation{
					URL:      a.URL,
					Title:    a.Title,
					Provider: e.desc.ID,
				})
			}
		}
	}
	return &provider.Result{
		Provider:   e.desc.ID,
		Tier:       e.desc.Tier,
		Content:    content,
		Citations:  citations,
		DurationMs: elapsed,
		Model:      parsed.Model,
		TokenUsage: &provider.TokenUsage{
			Input:  parsed.Usage.InputTokens,
			Output: parsed.Usage.OutputTokens,
		},
	}
}
