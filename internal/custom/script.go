package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/logger"
	"github.com/jkudish/librarium/internal/provider"
)

// ScriptProvider speaks the versioned JSON envelope to a subprocess, one
// process per operation. No state survives between operations, so the
// plugin needs no session management.
type ScriptProvider struct {
	desc       provider.Descriptor
	entry      *config.CustomProviderEntry
	providerCF map[string]any
	projectDir string
}

// DescribeScript runs the describe operation once at load time.
func DescribeScript(ctx context.Context, entry *config.CustomProviderEntry, id, projectDir string) (*DescribePayload, error) {
	req := Request{
		ProtocolVersion: ProtocolVersion,
		Operation:       "describe",
		ProviderID:      id,
		SourceOptions:   entry.Options,
	}
	data, err := runScript(ctx, entry, projectDir, req, DescribeTimeout)
	if err != nil {
		return nil, err
	}
	var payload DescribePayload
	if err := decodePayload(data, &payload, "describe"); err != nil {
		return nil, err
	}
	if err := payload.Validate(id); err != nil {
		return nil, err
	}
	return &payload, nil
}

// NewScriptProvider wires a provider from a validated describe payload.
// providerCF is the provider's config entry rendered as a map, sent as
// providerConfig in every envelope.
func NewScriptProvider(desc provider.Descriptor, entry *config.CustomProviderEntry, providerCF map[string]any, projectDir string) *ScriptProvider {
	return &ScriptProvider{desc: desc, entry: entry, providerCF: providerCF, projectDir: projectDir}
}

func (s *ScriptProvider) Descriptor() provider.Descriptor { return s.desc }

func (s *ScriptProvider) request(op string, opts *provider.Options) Request {
	req := Request{
		ProtocolVersion: ProtocolVersion,
		Operation:       op,
		ProviderID:      s.desc.ID,
		ProviderConfig:  s.providerCF,
		SourceOptions:   s.entry.Options,
	}
	if opts != nil {
		req.Options = &RequestOptions{
			Timeout: int(opts.Timeout / time.Second),
			Model:   opts.Model,
		}
	}
	return req
}

func callerTimeout(opts provider.Options) time.Duration {
	if opts.Timeout < MinOperationTimeout {
		return MinOperationTimeout
	}
	return opts.Timeout
}

// Execute runs the execute operation. Subprocess failures (crash,
// timeout, malformed output) surface as returned errors, which makes them
// eligible for dispatcher fallback; remote errors reported by the plugin
// arrive folded inside the result payload.
func (s *ScriptProvider) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	req := s.request("execute", &opts)
	req.Query = query
	start := time.Now()
	data, err := runScript(ctx, s.entry, s.projectDir, req, callerTimeout(opts))
	if err != nil {
		return nil, err
	}
	var payload ResultPayload
	if err := decodePayload(data, &payload, "execute"); err != nil {
		return nil, err
	}
	res := payload.Result(s.desc)
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

// Submit starts a long-running task in the plugin.
func (s *ScriptProvider) Submit(ctx context.Context, query string, opts provider.Options) (*provider.TaskHandle, error) {
	req := s.request("submit", &opts)
	req.Query = query
	data, err := runScript(ctx, s.entry, s.projectDir, req, callerTimeout(opts))
	if err != nil {
		return nil, err
	}
	var payload HandlePayload
	if err := decodePayload(data, &payload, "submit"); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &provider.TaskHandle{
		Provider:    s.desc.ID,
		TaskID:      payload.TaskID,
		Query:       query,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      payload.Status,
	}, nil
}

// Poll asks the plugin for a task's state.
func (s *ScriptProvider) Poll(ctx context.Context, h *provider.TaskHandle) (*provider.PollUpdate, error) {
	req := s.request("poll", nil)
	req.Handle = h
	data, err := runScript(ctx, s.entry, s.projectDir, req, PollTimeout)
	if err != nil {
		return nil, err
	}
	var payload PollPayload
	if err := decodePayload(data, &payload, "poll"); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &provider.PollUpdate{Status: payload.Status, Progress: payload.Progress, Message: payload.Message}, nil
}

// Retrieve fetches a completed task's artifact from the plugin.
func (s *ScriptProvider) Retrieve(ctx context.Context, h *provider.TaskHandle) (*provider.Result, error) {
	req := s.request("retrieve", nil)
	req.Handle = h
	data, err := runScript(ctx, s.entry, s.projectDir, req, RetrieveTimeout)
	if err != nil {
		return nil, err
	}
	var payload ResultPayload
	if err := decodePayload(data, &payload, "retrieve"); err != nil {
		return nil, err
	}
	return payload.Result(s.desc), nil
}

// Test runs the plugin's connectivity self-test.
func (s *ScriptProvider) Test(ctx context.Context) *provider.TestReport {
	req := s.request("test", nil)
	data, err := runScript(ctx, s.entry, s.projectDir, req, TestTimeout)
	if err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	var payload TestPayload
	if err := decodePayload(data, &payload, "test"); err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	return &provider.TestReport{OK: payload.OK, Error: payload.Error}
}

// runScript spawns the plugin command, writes one request envelope to its
// stdin and reads one response envelope from its stdout. The child is
// killed when the operation timeout or ctx expires.
func runScript(ctx context.Context, entry *config.CustomProviderEntry, projectDir string, req Request, timeout time.Duration) (json.RawMessage, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Operation, err)
	}

	cmd := exec.CommandContext(opCtx, entry.Command, entry.Args...)
	if entry.Cwd != "" {
		cwd := entry.Cwd
		if !filepath.IsAbs(cwd) {
			cwd = filepath.Join(projectDir, cwd)
		}
		cmd.Dir = cwd
	}
	cmd.Env = os.Environ()
	for k, v := range entry.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// A grandchild (e.g. under `sh -c`) can keep stdout open after the
	// child is killed; WaitDelay stops Run from waiting on it.
	cmd.WaitDelay = time.Second

	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		logger.Debugf("plugin %s %s stderr: %s", req.ProviderID, req.Operation, strings.TrimSpace(stderr.String()))
	}
	if opCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s: plugin timed out after %s", req.Operation, timeout)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: cancelled: %w", req.Operation, ctx.Err())
	}
	if runErr != nil {
		return nil, fmt.Errorf("%s: plugin exited: %w", req.Operation, runErr)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, fmt.Errorf("%s: plugin wrote invalid JSON: %w", req.Operation, err)
	}
	if !resp.OK {
		if resp.Error == "" {
			return nil, fmt.Errorf("%s: plugin reported failure without an error message", req.Operation)
		}
		return nil, fmt.Errorf("%s: %s", req.Operation, resp.Error)
	}
	return resp.Data, nil
}
