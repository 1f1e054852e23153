package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jkudish/librarium/internal/asynctask"
	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/registry"
	"github.com/jkudish/librarium/internal/runfile"
)

type fake struct {
	desc     provider.Descriptor
	result   *provider.Result
	execErr  error
	handle   *provider.TaskHandle
	subErr   error
	panicMsg string

	mu    sync.Mutex
	calls int
}

func newFake(id string, tier provider.Tier) *fake {
	return &fake{
		desc: provider.Descriptor{
			ID:           id,
			DisplayName:  id,
			Tier:         tier,
			Source:       provider.SourceBuiltin,
			Capabilities: provider.Capabilities{Execute: true},
		},
		result: &provider.Result{
			Provider: id,
			Tier:     tier,
			Content:  "content from " + id,
			Citations: []provider.Citation{
				{URL: "https://" + id + ".example/a", Provider: id},
			},
			DurationMs: 5,
		},
	}
}

func (f *fake) withSubmit(h *provider.TaskHandle) *fake {
	f.desc.Capabilities.Submit = true
	f.desc.Capabilities.Poll = true
	f.desc.Capabilities.Retrieve = true
	f.handle = h
	return f
}

func (f *fake) Descriptor() provider.Descriptor { return f.desc }

func (f *fake) Execute(ctx context.Context, q string, o provider.Options) (*provider.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.result, nil
}

func (f *fake) Submit(ctx context.Context, q string, o provider.Options) (*provider.TaskHandle, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	h := *f.handle
	return &h, nil
}

func (f *fake) Poll(ctx context.Context, h *provider.TaskHandle) (*provider.PollUpdate, error) {
	return &provider.PollUpdate{Status: provider.StatusRunning}, nil
}

func (f *fake) Retrieve(ctx context.Context, h *provider.TaskHandle) (*provider.Result, error) {
	return f.result, nil
}

func testConfig(ids ...string) *config.Config {
	cfg := config.Default()
	for _, id := range ids {
		cfg.Providers[id] = &config.ProviderEntry{}
	}
	return cfg
}

func reportByID(t *testing.T, reports []runfile.Report, id string) runfile.Report {
	t.Helper()
	for _, r := range reports {
		if r.ID == id && r.FallbackFor == "" {
			return r
		}
	}
	t.Fatalf("no report for %s in %+v", id, reports)
	return runfile.Report{}
}

func TestRunSuccess(t *testing.T) {
	reg := registry.New()
	p := newFake("alpha", provider.TierRawSearch)
	reg.Register(p)

	d := New(testConfig("alpha"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"alpha"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})

	r := reportByID(t, out.Reports, "alpha")
	if r.Status != runfile.StatusSuccess || r.CitationCount != 1 || r.WordCount != 3 {
		t.Fatalf("report = %+v", r)
	}
	if r.OutputFile != "alpha.md" || r.MetaFile != "alpha.meta.json" {
		t.Fatalf("artifact files = %q %q", r.OutputFile, r.MetaFile)
	}
	if len(out.Citations) != 1 {
		t.Fatalf("citations = %+v", out.Citations)
	}
	if ExitCode(out.Reports) != 0 {
		t.Fatalf("exit = %d", ExitCode(out.Reports))
	}
}

func TestRunUnknownProvider(t *testing.T) {
	d := New(testConfig(), registry.New(), nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"ghost"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	r := reportByID(t, out.Reports, "ghost")
	if r.Status != runfile.StatusError {
		t.Fatalf("report = %+v", r)
	}
	if ExitCode(out.Reports) != 2 {
		t.Fatalf("exit = %d", ExitCode(out.Reports))
	}
}

func TestRunSkippedWhenDisabledOrUnconfigured(t *testing.T) {
	reg := registry.New()
	reg.Register(newFake("unconfigured", provider.TierRawSearch))
	reg.Register(newFake("disabled", provider.TierRawSearch))

	cfg := testConfig("disabled")
	off := false
	cfg.Providers["disabled"].Enabled = &off

	d := New(cfg, reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"unconfigured", "disabled"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	for _, id := range []string{"unconfigured", "disabled"} {
		if r := reportByID(t, out.Reports, id); r.Status != runfile.StatusSkipped {
			t.Fatalf("%s report = %+v", id, r)
		}
	}
}

func TestRunSkippedWhenKeyMissing(t *testing.T) {
	reg := registry.New()
	p := newFake("keyed", provider.TierRawSearch)
	p.desc.RequiresAPIKey = true
	p.desc.EnvVar = "KEYED_API_KEY"
	reg.Register(p)

	t.Setenv("KEYED_API_KEY", "")
	d := New(testConfig("keyed"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"keyed"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	if r := reportByID(t, out.Reports, "keyed"); r.Status != runfile.StatusSkipped {
		t.Fatalf("report = %+v", r)
	}
}

func TestErrorResultDoesNotTriggerFallback(t *testing.T) {
	reg := registry.New()
	p := newFake("primary", provider.TierRawSearch)
	p.result = &provider.Result{Provider: "primary", Error: "HTTP 500"}
	q := newFake("backup", provider.TierRawSearch)
	reg.Register(p)
	reg.Register(q)

	cfg := testConfig("primary", "backup")
	cfg.Providers["primary"].Fallback = "backup"

	d := New(cfg, reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"primary"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})

	if len(out.Reports) != 1 {
		t.Fatalf("error results must not trigger fallback: %+v", out.Reports)
	}
	if q.calls != 0 {
		t.Fatal("backup must not run")
	}
}

func TestFallbackOnThrow(t *testing.T) {
	reg := registry.New()
	p := newFake("primary", provider.TierRawSearch)
	p.execErr = errors.New("boom")
	q := newFake("backup", provider.TierRawSearch)
	reg.Register(p)
	reg.Register(q)

	cfg := testConfig("primary", "backup")
	cfg.Providers["primary"].Fallback = "backup"

	d := New(cfg, reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"primary"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})

	if len(out.Reports) != 2 {
		t.Fatalf("reports = %+v", out.Reports)
	}
	primary := reportByID(t, out.Reports, "primary")
	if primary.Status != runfile.StatusError || primary.Error != "boom" {
		t.Fatalf("primary = %+v", primary)
	}
	var fb runfile.Report
	for _, r := range out.Reports {
		if r.FallbackFor == "primary" {
			fb = r
		}
	}
	if fb.ID != "backup" || fb.Status != runfile.StatusSuccess {
		t.Fatalf("fallback = %+v", fb)
	}
	if code := ExitCode(out.Reports); code != 0 {
		t.Fatalf("exit = %d, want 0 after fallback accounting", code)
	}
}

func TestFallbackSkippedWhenAlreadySelected(t *testing.T) {
	reg := registry.New()
	p := newFake("primary", provider.TierRawSearch)
	p.execErr = errors.New("boom")
	q := newFake("backup", provider.TierRawSearch)
	reg.Register(p)
	reg.Register(q)

	cfg := testConfig("primary", "backup")
	cfg.Providers["primary"].Fallback = "backup"

	d := New(cfg, reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"primary", "backup"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})

	fallbacks := 0
	for _, r := range out.Reports {
		if r.FallbackFor != "" {
			fallbacks++
		}
	}
	if fallbacks != 0 {
		t.Fatalf("no fallback report expected: %+v", out.Reports)
	}
	if q.calls != 1 {
		t.Fatalf("backup runs once as its own selection, calls = %d", q.calls)
	}
	if code := ExitCode(out.Reports); code != 1 {
		t.Fatalf("exit = %d, want 1 (one failed, one succeeded)", code)
	}
}

func TestPanicBecomesErrorReportAndFallback(t *testing.T) {
	reg := registry.New()
	p := newFake("primary", provider.TierRawSearch)
	p.panicMsg = "nil deref"
	q := newFake("backup", provider.TierRawSearch)
	reg.Register(p)
	reg.Register(q)

	cfg := testConfig("primary", "backup")
	cfg.Providers["primary"].Fallback = "backup"

	d := New(cfg, reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"primary"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	if len(out.Reports) != 2 {
		t.Fatalf("reports = %+v", out.Reports)
	}
}

func TestAsyncSubmissionPath(t *testing.T) {
	reg := registry.New()
	deep := newFake("deep", provider.TierDeepResearch).withSubmit(&provider.TaskHandle{
		Provider: "deep", TaskID: "task-1", Status: provider.StatusPending,
	})
	reg.Register(deep)

	dir := t.TempDir()
	d := New(testConfig("deep"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"deep"}, Mode: config.ModeMixed, OutputDir: dir,
	})

	r := reportByID(t, out.Reports, "deep")
	if r.Status != runfile.StatusAsyncPending || r.WordCount != 0 || r.CitationCount != 0 {
		t.Fatalf("report = %+v", r)
	}
	if len(out.AsyncTasks) != 1 || out.AsyncTasks[0].OutputDir != dir {
		t.Fatalf("handles = %+v", out.AsyncTasks)
	}

	// Handle persisted in the run directory store.
	stored, err := asynctask.Load(dir)
	if err != nil || len(stored) != 1 || stored[0].TaskID != "task-1" {
		t.Fatalf("stored = %+v %v", stored, err)
	}
	if ExitCode(out.Reports) != 0 {
		t.Fatalf("async-pending counts as success for exit code")
	}
}

func TestSyncModeNeverSubmits(t *testing.T) {
	reg := registry.New()
	deep := newFake("deep", provider.TierDeepResearch).withSubmit(&provider.TaskHandle{
		Provider: "deep", TaskID: "task-1", Status: provider.StatusPending,
	})
	reg.Register(deep)

	d := New(testConfig("deep"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"deep"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	if r := reportByID(t, out.Reports, "deep"); r.Status != runfile.StatusSuccess {
		t.Fatalf("sync mode must execute: %+v", r)
	}
	if len(out.AsyncTasks) != 0 {
		t.Fatal("no handles in sync mode")
	}
}

func TestTerminalSubmitRetrievesInline(t *testing.T) {
	// Synthetic-async providers return terminal handles from Submit; the
	// dispatcher retrieves inline and records a sync-style report.
	reg := registry.New()
	deep := newFake("deep", provider.TierDeepResearch).withSubmit(&provider.TaskHandle{
		Provider: "deep", TaskID: "task-1", Status: provider.StatusCompleted,
	})
	reg.Register(deep)

	dir := t.TempDir()
	d := New(testConfig("deep"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"deep"}, Mode: config.ModeMixed, OutputDir: dir,
	})

	r := reportByID(t, out.Reports, "deep")
	if r.Status != runfile.StatusSuccess {
		t.Fatalf("report = %+v", r)
	}
	if len(out.AsyncTasks) != 0 {
		t.Fatal("terminal submit must not leave a handle")
	}
	if _, err := os.Stat(filepath.Join(dir, "deep.md")); err != nil {
		t.Fatalf("artifact: %v", err)
	}
}

func TestSubmitErrorFallsThroughToExecute(t *testing.T) {
	reg := registry.New()
	deep := newFake("deep", provider.TierDeepResearch).withSubmit(&provider.TaskHandle{})
	deep.subErr = errors.New("submit unsupported today")
	reg.Register(deep)

	d := New(testConfig("deep"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"deep"}, Mode: config.ModeAsync, OutputDir: t.TempDir(),
	})
	if r := reportByID(t, out.Reports, "deep"); r.Status != runfile.StatusSuccess {
		t.Fatalf("report = %+v", r)
	}
	if deep.calls != 1 {
		t.Fatalf("execute calls = %d", deep.calls)
	}
}

func TestDuplicateSelectionRunsOnce(t *testing.T) {
	reg := registry.New()
	p := newFake("alpha", provider.TierRawSearch)
	reg.Register(p)

	d := New(testConfig("alpha"), reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"alpha", "alpha"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	if len(out.Reports) != 1 || p.calls != 1 {
		t.Fatalf("reports = %d calls = %d", len(out.Reports), p.calls)
	}
}

func TestBoundedParallelism(t *testing.T) {
	reg := registry.New()
	var running, peak int32
	var ids []string
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		ids = append(ids, id)
		reg.Register(&gauge{fake: newFake(id, provider.TierRawSearch), running: &running, peak: &peak})
	}

	cfg := testConfig(ids...)
	cfg.Defaults.MaxParallel = 2
	d := New(cfg, reg, nil)
	out := d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: ids, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})
	if len(out.Reports) != 5 {
		t.Fatalf("reports = %d", len(out.Reports))
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

// gauge wraps a fake to record peak concurrency.
type gauge struct {
	*fake
	running *int32
	peak    *int32
}

func (g *gauge) Execute(ctx context.Context, q string, o provider.Options) (*provider.Result, error) {
	n := atomic.AddInt32(g.running, 1)
	for {
		p := atomic.LoadInt32(g.peak)
		if n <= p || atomic.CompareAndSwapInt32(g.peak, p, n) {
			break
		}
	}
	defer atomic.AddInt32(g.running, -1)
	return g.fake.Execute(ctx, q, o)
}

func TestExitCodeNoneSucceeded(t *testing.T) {
	reports := []runfile.Report{
		{ID: "a", Status: runfile.StatusError},
		{ID: "b", Status: runfile.StatusError},
	}
	if code := ExitCode(reports); code != 2 {
		t.Fatalf("exit = %d", code)
	}
	if code := ExitCode(nil); code != 2 {
		t.Fatalf("empty exit = %d", code)
	}
}

func TestProgressEvents(t *testing.T) {
	reg := registry.New()
	reg.Register(newFake("alpha", provider.TierRawSearch))

	var mu sync.Mutex
	var kinds []EventKind
	sink := func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}

	d := New(testConfig("alpha"), reg, sink)
	d.Run(context.Background(), Input{
		Query: "q", ProviderIDs: []string{"alpha"}, Mode: config.ModeSync, OutputDir: t.TempDir(),
	})

	if len(kinds) != 2 || kinds[0] != EventStarted || kinds[1] != EventCompleted {
		t.Fatalf("events = %v", kinds)
	}
}
