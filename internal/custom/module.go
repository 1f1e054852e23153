package custom

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/provider"
)

// Module plugins are single Go source files interpreted in-process. The
// file declares package main and exports plain functions over
// string/map types, so the interpreter never has to bridge host
// interfaces:
//
//	func Describe() (map[string]interface{}, error)                          // required
//	func Execute(query string, options map[string]interface{}) (map[string]interface{}, error) // required
//	func Submit(query string, options map[string]interface{}) (map[string]interface{}, error)
//	func Poll(handle map[string]interface{}) (map[string]interface{}, error)
//	func Retrieve(handle map[string]interface{}) (map[string]interface{}, error)
//	func Test() (map[string]interface{}, error)
//	func Configure(settings map[string]interface{}) error
//
// Configure plays the factory role: it runs once at load time with
// {id, config, sourceOptions}. Payload maps are validated against the
// same schemas as script plugin responses.

type moduleFuncs struct {
	describe  func() (map[string]interface{}, error)
	configure func(map[string]interface{}) error
	execute   func(string, map[string]interface{}) (map[string]interface{}, error)
	submit    func(string, map[string]interface{}) (map[string]interface{}, error)
	poll      func(map[string]interface{}) (map[string]interface{}, error)
	retrieve  func(map[string]interface{}) (map[string]interface{}, error)
	test      func() (map[string]interface{}, error)
}

// ModuleProvider adapts an interpreted plugin to the provider contract.
type ModuleProvider struct {
	desc  provider.Descriptor
	funcs moduleFuncs
}

// ResolveModulePath locates a plugin source file: absolute paths are used
// as-is, relative paths resolve against the invoking project first, then
// against the user's provider directory.
func ResolveModulePath(module, projectDir string) (string, error) {
	if filepath.IsAbs(module) {
		if _, err := os.Stat(module); err != nil {
			return "", fmt.Errorf("module %s: %w", module, err)
		}
		return module, nil
	}
	candidates := []string{filepath.Join(projectDir, module)}
	if userDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(userDir, "librarium", "providers", module))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("module %s not found (looked in %v)", module, candidates)
}

// LoadModule interprets the plugin, runs Configure and Describe, and
// returns the wired provider.
func LoadModule(ctx context.Context, entry *config.CustomProviderEntry, id, projectDir string, providerCF map[string]any) (*ModuleProvider, error) {
	path, err := ResolveModulePath(entry.Module, projectDir)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("module %s: interpreter setup: %w", id, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("module %s: %w", path, err)
	}

	var funcs moduleFuncs
	if funcs.describe, err = lookupFunc0(i, "main.Describe"); err != nil {
		return nil, fmt.Errorf("module %s: %w", id, err)
	}
	if funcs.execute, err = lookupFunc2(i, "main.Execute"); err != nil {
		return nil, fmt.Errorf("module %s: %w", id, err)
	}
	funcs.submit, _ = lookupFunc2(i, "main.Submit")
	funcs.poll, _ = lookupFunc1(i, "main.Poll")
	funcs.retrieve, _ = lookupFunc1(i, "main.Retrieve")
	funcs.test, _ = lookupFunc0(i, "main.Test")
	if v, err := i.Eval("main.Configure"); err == nil {
		if fn, ok := v.Interface().(func(map[string]interface{}) error); ok {
			funcs.configure = fn
		}
	}

	if funcs.configure != nil {
		settings := map[string]interface{}{
			"id":            id,
			"config":        providerCF,
			"sourceOptions": entry.Options,
		}
		if err := funcs.configure(settings); err != nil {
			return nil, fmt.Errorf("module %s: configure: %w", id, err)
		}
	}

	raw, err := callMap0(ctx, DescribeTimeout, funcs.describe)
	if err != nil {
		return nil, fmt.Errorf("module %s: describe: %w", id, err)
	}
	var payload DescribePayload
	if err := remarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("module %s: describe: %w", id, err)
	}
	if err := payload.Validate(id); err != nil {
		return nil, fmt.Errorf("module %s: %w", id, err)
	}
	caps := payload.Capabilities
	if caps.Submit && funcs.submit == nil {
		return nil, fmt.Errorf("module %s: declares submit but exports no Submit", id)
	}
	if caps.Poll && funcs.poll == nil {
		return nil, fmt.Errorf("module %s: declares poll but exports no Poll", id)
	}
	if caps.Retrieve && funcs.retrieve == nil {
		return nil, fmt.Errorf("module %s: declares retrieve but exports no Retrieve", id)
	}
	if caps.Test && funcs.test == nil {
		return nil, fmt.Errorf("module %s: declares test but exports no Test", id)
	}

	return &ModuleProvider{
		desc:  payload.Descriptor(id, provider.SourceModule),
		funcs: funcs,
	}, nil
}

func (m *ModuleProvider) Descriptor() provider.Descriptor { return m.desc }

func optionsMap(opts provider.Options) map[string]interface{} {
	out := map[string]interface{}{
		"timeout": int(opts.Timeout / time.Second),
	}
	if opts.Model != "" {
		out["model"] = opts.Model
	}
	for k, v := range opts.Extra {
		out[k] = v
	}
	return out
}

func handleMap(h *provider.TaskHandle) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := remarshal(h, &out); err != nil {
		return nil, fmt.Errorf("encode handle: %w", err)
	}
	return out, nil
}

// Execute runs the plugin's Execute. Interpreter failures surface as
// returned errors; remote errors arrive inside the payload.
func (m *ModuleProvider) Execute(ctx context.Context, query string, opts provider.Options) (*provider.Result, error) {
	start := time.Now()
	raw, err := callMap2(ctx, callerTimeout(opts), m.funcs.execute, query, optionsMap(opts))
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	var payload ResultPayload
	if err := remarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	res := payload.Result(m.desc)
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

// Submit starts a long-running task in the plugin.
func (m *ModuleProvider) Submit(ctx context.Context, query string, opts provider.Options) (*provider.TaskHandle, error) {
	raw, err := callMap2(ctx, callerTimeout(opts), m.funcs.submit, query, optionsMap(opts))
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	var payload HandlePayload
	if err := remarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &provider.TaskHandle{
		Provider:    m.desc.ID,
		TaskID:      payload.TaskID,
		Query:       query,
		SubmittedAt: time.Now().UnixMilli(),
		Status:      payload.Status,
	}, nil
}

// Poll asks the plugin for a task's state.
func (m *ModuleProvider) Poll(ctx context.Context, h *provider.TaskHandle) (*provider.PollUpdate, error) {
	arg, err := handleMap(h)
	if err != nil {
		return nil, err
	}
	raw, err := callMap1(ctx, PollTimeout, m.funcs.poll, arg)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	var payload PollPayload
	if err := remarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &provider.PollUpdate{Status: payload.Status, Progress: payload.Progress, Message: payload.Message}, nil
}

// Retrieve fetches a completed task's artifact from the plugin.
func (m *ModuleProvider) Retrieve(ctx context.Context, h *provider.TaskHandle) (*provider.Result, error) {
	arg, err := handleMap(h)
	if err != nil {
		return nil, err
	}
	raw, err := callMap1(ctx, RetrieveTimeout, m.funcs.retrieve, arg)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	var payload ResultPayload
	if err := remarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	return payload.Result(m.desc), nil
}

// Test runs the plugin's connectivity self-test.
func (m *ModuleProvider) Test(ctx context.Context) *provider.TestReport {
	raw, err := callMap0(ctx, TestTimeout, m.funcs.test)
	if err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	var payload TestPayload
	if err := remarshal(raw, &payload); err != nil {
		return &provider.TestReport{OK: false, Error: err.Error()}
	}
	return &provider.TestReport{OK: payload.OK, Error: payload.Error}
}

// lookup helpers: Eval fails for absent symbols, and a symbol with the
// wrong signature is reported explicitly.

func lookupFunc0(i *interp.Interpreter, name string) (func() (map[string]interface{}, error), error) {
	v, err := i.Eval(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found", name)
	}
	fn, ok := v.Interface().(func() (map[string]interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%s has the wrong signature", name)
	}
	return fn, nil
}

func lookupFunc1(i *interp.Interpreter, name string) (func(map[string]interface{}) (map[string]interface{}, error), error) {
	v, err := i.Eval(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found", name)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) (map[string]interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%s has the wrong signature", name)
	}
	return fn, nil
}

func lookupFunc2(i *interp.Interpreter, name string) (func(string, map[string]interface{}) (map[string]interface{}, error), error) {
	v, err := i.Eval(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found", name)
	}
	fn, ok := v.Interface().(func(string, map[string]interface{}) (map[string]interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%s has the wrong signature", name)
	}
	return fn, nil
}

// call helpers run interpreted functions on a goroutine so the caller's
// context still bounds them; interpreted code cannot be interrupted, but
// the operation returns.

type mapResult struct {
	value map[string]interface{}
	err   error
}

func callMap0(ctx context.Context, timeout time.Duration, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	return awaitMap(ctx, timeout, func(ch chan<- mapResult) {
		v, err := fn()
		ch <- mapResult{v, err}
	})
}

func callMap1(ctx context.Context, timeout time.Duration, fn func(map[string]interface{}) (map[string]interface{}, error), arg map[string]interface{}) (map[string]interface{}, error) {
	return awaitMap(ctx, timeout, func(ch chan<- mapResult) {
		v, err := fn(arg)
		ch <- mapResult{v, err}
	})
}

func callMap2(ctx context.Context, timeout time.Duration, fn func(string, map[string]interface{}) (map[string]interface{}, error), query string, arg map[string]interface{}) (map[string]interface{}, error) {
	return awaitMap(ctx, timeout, func(ch chan<- mapResult) {
		v, err := fn(query, arg)
		ch <- mapResult{v, err}
	})
}

func awaitMap(ctx context.Context, timeout time.Duration, run func(chan<- mapResult)) (map[string]interface{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan mapResult, 1)
	go run(ch)

	select {
	case <-opCtx.Done():
		return nil, fmt.Errorf("plugin call timed out: %w", opCtx.Err())
	case r := <-ch:
		return r.value, r.err
	}
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
