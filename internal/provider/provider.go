// Package provider defines the uniform contract every search/research
// service behind librarium implements, plus the shared record types that
// flow between the dispatcher, the async manager and the artifact writer.
package provider

import (
	"context"
	"time"
)

// Tier labels a provider's latency/depth class. Only deep-research
// providers may take the async path.
type Tier string

const (
	TierDeepResearch Tier = "deep-research"
	TierAIGrounded   Tier = "ai-grounded"
	TierRawSearch    Tier = "raw-search"
)

// Source says where a provider implementation came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceModule  Source = "module"
	SourceScript  Source = "script"
)

// Capabilities declares which optional operations a provider supports.
// Execute is mandatory for every provider.
type Capabilities struct {
	Execute  bool `json:"execute"`
	Submit   bool `json:"submit"`
	Poll     bool `json:"poll"`
	Retrieve bool `json:"retrieve"`
	Test     bool `json:"test"`
}

// Descriptor is a provider's identity and contract surface.
type Descriptor struct {
	ID             string       `json:"id"`
	DisplayName    string       `json:"displayName"`
	Tier           Tier         `json:"tier"`
	EnvVar         string       `json:"envVar,omitempty"`
	Source         Source       `json:"source"`
	RequiresAPIKey bool         `json:"requiresApiKey"`
	Capabilities   Capabilities `json:"capabilities"`
}

// Citation is one source reference produced by a provider.
type Citation struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	Provider string `json:"provider"`
}

// TokenUsage carries optional model token accounting.
type TokenUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
}

// Result is the uniform artifact of one provider execution. A non-empty
// Error means the execution failed; Content and Citations are then not
// meaningful.
type Result struct {
	Provider   string      `json:"provider"`
	Tier       Tier        `json:"tier"`
	Content    string      `json:"content"`
	Citations  []Citation  `json:"citations"`
	DurationMs int64       `json:"durationMs"`
	Model      string      `json:"model,omitempty"`
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r *Result) Failed() bool {
	return r != nil && r.Error != ""
}

// TaskStatus is the lifecycle state of an async task handle.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskHandle is the durable reference to a submitted long-running task.
// TaskID is opaque to the engine and unique within its provider.
type TaskHandle struct {
	Provider    string     `json:"provider"`
	TaskID      string     `json:"taskId"`
	Query       string     `json:"query"`
	SubmittedAt int64      `json:"submittedAt"` // epoch ms
	Status      TaskStatus `json:"status"`
	LastPolled  int64      `json:"lastPolledAt,omitempty"` // epoch ms
	CompletedAt int64      `json:"completedAt,omitempty"`  // epoch ms
	OutputDir   string     `json:"outputDir,omitempty"`
}

// PollUpdate is the answer to one poll of an async task.
type PollUpdate struct {
	Status   TaskStatus `json:"status"`
	Progress float64    `json:"progress,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// TestReport is the answer to a connectivity self-test.
type TestReport struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Options are the per-execution knobs a caller passes down.
type Options struct {
	// Timeout is the per-execution time limit. Adapters built on
	// httpclient apply it to each HTTP attempt, so retries can run past
	// it; the SDK-backed adapters and script plugins apply it to the
	// whole call.
	Timeout time.Duration
	// Model overrides the provider's default model when non-empty.
	Model string
	// Extra carries the free-form options block from the provider's
	// config entry.
	Extra map[string]any
}

// Provider is the mandatory operation surface. Execute folds remote
// failures (HTTP errors, timeouts) into Result.Error and reserves the
// returned error for infrastructure failures. The distinction drives the
// dispatcher's fallback routing.
type Provider interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, query string, opts Options) (*Result, error)
}

// Submitter starts a long-running task instead of blocking. Deep-research
// providers only.
type Submitter interface {
	Submit(ctx context.Context, query string, opts Options) (*TaskHandle, error)
}

// Poller reports the current state of a submitted task.
type Poller interface {
	Poll(ctx context.Context, h *TaskHandle) (*PollUpdate, error)
}

// Retriever fetches the artifact of a completed task.
type Retriever interface {
	Retrieve(ctx context.Context, h *TaskHandle) (*Result, error)
}

// Tester checks credentials/connectivity without running a query.
type Tester interface {
	Test(ctx context.Context) *TestReport
}

// CanSubmit reports whether p both implements Submit and declares the
// capability. Capability flags gate the optional interfaces because custom
// providers declare their surface at runtime.
func CanSubmit(p Provider) (Submitter, bool) {
	s, ok := p.(Submitter)
	return s, ok && p.Descriptor().Capabilities.Submit
}

// CanPoll is the Poll counterpart of CanSubmit.
func CanPoll(p Provider) (Poller, bool) {
	s, ok := p.(Poller)
	return s, ok && p.Descriptor().Capabilities.Poll
}

// CanRetrieve is the Retrieve counterpart of CanSubmit.
func CanRetrieve(p Provider) (Retriever, bool) {
	s, ok := p.(Retriever)
	return s, ok && p.Descriptor().Capabilities.Retrieve
}

// CanTest is the Test counterpart of CanSubmit.
func CanTest(p Provider) (Tester, bool) {
	s, ok := p.(Tester)
	return s, ok && p.Descriptor().Capabilities.Test
}
