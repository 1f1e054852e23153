// Package custom loads trusted plugin providers: module plugins
// interpreted in-process and script plugins spoken to over a JSON
// stdin/stdout protocol.
package custom

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkudish/librarium/internal/provider"
)

// ProtocolVersion is the script envelope version.
const ProtocolVersion = 1

// Operation timeouts. Execute and submit use the caller's timeout
// instead, floored at MinOperationTimeout.
const (
	DescribeTimeout     = 30 * time.Second
	PollTimeout         = 30 * time.Second
	TestTimeout         = 30 * time.Second
	RetrieveTimeout     = 120 * time.Second
	MinOperationTimeout = 1 * time.Second
)

// Request is the envelope written to a script plugin's stdin, one JSON
// document per operation.
type Request struct {
	ProtocolVersion int                  `json:"protocolVersion"`
	Operation       string               `json:"operation"`
	ProviderID      string               `json:"providerId"`
	Query           string               `json:"query,omitempty"`
	Handle          *provider.TaskHandle `json:"handle,omitempty"`
	Options         *RequestOptions      `json:"options,omitempty"`
	ProviderConfig  map[string]any       `json:"providerConfig,omitempty"`
	SourceOptions   map[string]any       `json:"sourceOptions,omitempty"`
}

// RequestOptions is the options block inside a Request.
type RequestOptions struct {
	Timeout int    `json:"timeout,omitempty"` // seconds
	Model   string `json:"model,omitempty"`
}

// Response is the envelope read from a script plugin's stdout.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// DescribePayload is the data shape of a describe response.
type DescribePayload struct {
	ID             string                `json:"id,omitempty"`
	DisplayName    string                `json:"displayName"`
	Tier           provider.Tier         `json:"tier"`
	EnvVar         string                `json:"envVar,omitempty"`
	RequiresAPIKey *bool                 `json:"requiresApiKey,omitempty"`
	Capabilities   provider.Capabilities `json:"capabilities"`
}

// Validate checks a describe payload against the provider contract.
// configuredID is the config key the plugin was loaded under.
func (d *DescribePayload) Validate(configuredID string) error {
	if d.ID != "" && d.ID != configuredID {
		return fmt.Errorf("plugin describes itself as %q but is configured as %q", d.ID, configuredID)
	}
	if d.DisplayName == "" {
		return fmt.Errorf("describe: displayName is required")
	}
	switch d.Tier {
	case provider.TierDeepResearch, provider.TierAIGrounded, provider.TierRawSearch:
	default:
		return fmt.Errorf("describe: invalid tier %q", d.Tier)
	}
	if !d.Capabilities.Execute {
		return fmt.Errorf("describe: the execute capability is mandatory")
	}
	if d.requiresKey() && d.EnvVar == "" {
		return fmt.Errorf("describe: envVar is required when requiresApiKey is true")
	}
	return nil
}

func (d *DescribePayload) requiresKey() bool {
	return d.RequiresAPIKey == nil || *d.RequiresAPIKey
}

// Descriptor converts a validated describe payload into the provider
// descriptor registered under configuredID.
func (d *DescribePayload) Descriptor(configuredID string, source provider.Source) provider.Descriptor {
	return provider.Descriptor{
		ID:             configuredID,
		DisplayName:    d.DisplayName,
		Tier:           d.Tier,
		EnvVar:         d.EnvVar,
		Source:         source,
		RequiresAPIKey: d.requiresKey(),
		Capabilities:   d.Capabilities,
	}
}

// ResultPayload is the data shape of execute and retrieve responses.
type ResultPayload struct {
	Content    string               `json:"content"`
	Citations  []provider.Citation  `json:"citations"`
	DurationMs int64                `json:"durationMs"`
	Model      string               `json:"model,omitempty"`
	TokenUsage *provider.TokenUsage `json:"tokenUsage,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Result converts the payload into a provider result attributed to d.
func (r *ResultPayload) Result(d provider.Descriptor) *provider.Result {
	citations := r.Citations
	for i := range citations {
		if citations[i].Provider == "" {
			citations[i].Provider = d.ID
		}
	}
	return &provider.Result{
		Provider:   d.ID,
		Tier:       d.Tier,
		Content:    r.Content,
		Citations:  citations,
		DurationMs: r.DurationMs,
		Model:      r.Model,
		TokenUsage: r.TokenUsage,
		Error:      r.Error,
	}
}

// HandlePayload is the data shape of a submit response.
type HandlePayload struct {
	TaskID string              `json:"taskId"`
	Status provider.TaskStatus `json:"status"`
}

// Validate checks the submit payload.
func (h *HandlePayload) Validate() error {
	if h.TaskID == "" {
		return fmt.Errorf("submit: taskId is required")
	}
	if !validStatus(h.Status) {
		return fmt.Errorf("submit: invalid status %q", h.Status)
	}
	return nil
}

// PollPayload is the data shape of a poll response.
type PollPayload struct {
	Status   provider.TaskStatus `json:"status"`
	Progress float64             `json:"progress,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// Validate checks the poll payload.
func (p *PollPayload) Validate() error {
	if !validStatus(p.Status) {
		return fmt.Errorf("poll: invalid status %q", p.Status)
	}
	return nil
}

// TestPayload is the data shape of a test response.
type TestPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func validStatus(s provider.TaskStatus) bool {
	switch s {
	case provider.StatusPending, provider.StatusRunning, provider.StatusCompleted,
		provider.StatusFailed, provider.StatusCancelled:
		return true
	}
	return false
}

// decodePayload unmarshals an envelope's data into payload, failing on an
// absent data field.
func decodePayload(data json.RawMessage, payload any, operation string) error {
	if len(data) == 0 {
		return fmt.Errorf("%s: response has no data", operation)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("%s: malformed data: %w", operation, err)
	}
	return nil
}
