// Package dispatch fans a single query out to a set of providers with
// bounded parallelism, routes deep-research providers onto the async
// path, applies single-level fallback, and aggregates per-provider
// reports.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkudish/librarium/internal/asynctask"
	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/logger"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/registry"
	"github.com/jkudish/librarium/internal/runfile"
)

// EventKind labels a progress event.
type EventKind string

const (
	EventStarted        EventKind = "started"
	EventCompleted      EventKind = "completed"
	EventError          EventKind = "error"
	EventAsyncSubmitted EventKind = "async-submitted"
	EventFallback       EventKind = "fallback-started"
)

// Event is one progress notification. Events exist for display only;
// sinks must not block.
type Event struct {
	Kind       EventKind
	Provider   string
	Message    string
	DurationMs int64
}

// ProgressSink receives events as they happen.
type ProgressSink func(Event)

// Input is one dispatch request. OutputDir must already exist.
type Input struct {
	Query       string
	ProviderIDs []string
	Mode        string
	OutputDir   string
}

// Outcome aggregates everything a run needs for its manifest. Reports are
// in completion order; callers index by id.
type Outcome struct {
	Reports    []runfile.Report
	AsyncTasks []provider.TaskHandle
	Citations  []provider.Citation
}

// Dispatcher runs dispatches against a fixed config and registry.
type Dispatcher struct {
	cfg  *config.Config
	reg  *registry.Registry
	sink ProgressSink
}

func New(cfg *config.Config, reg *registry.Registry, sink ProgressSink) *Dispatcher {
	return &Dispatcher{cfg: cfg, reg: reg, sink: sink}
}

func (d *Dispatcher) emit(e Event) {
	if d.sink != nil {
		d.sink(e)
	}
}

// Run executes the dispatch and never fails: every provider outcome
// becomes a report. Each provider id runs at most once per dispatch.
func (d *Dispatcher) Run(ctx context.Context, in Input) *Outcome {
	ids := dedupeIDs(in.ProviderIDs)

	out := &Outcome{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(d.cfg.Defaults.MaxParallel))

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				out.Reports = append(out.Reports, runfile.Report{
					ID:     id,
					Status: runfile.StatusError,
					Error:  "cancelled before start",
				})
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			task := d.runOne(ctx, in, id, ids)

			mu.Lock()
			out.Reports = append(out.Reports, task.reports...)
			out.AsyncTasks = append(out.AsyncTasks, task.handles...)
			out.Citations = append(out.Citations, task.citations...)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// taskOutcome is one provider task's contribution, including any fallback
// report.
type taskOutcome struct {
	reports   []runfile.Report
	handles   []provider.TaskHandle
	citations []provider.Citation
}

func (d *Dispatcher) runOne(ctx context.Context, in Input, id string, selection []string) taskOutcome {
	var task taskOutcome

	p, ok := d.reg.Get(id)
	if !ok {
		task.reports = append(task.reports, runfile.Report{
			ID:     id,
			Status: runfile.StatusError,
			Error:  fmt.Sprintf("Provider %q not found", id),
		})
		d.emit(Event{Kind: EventError, Provider: id, Message: "not found"})
		return task
	}
	desc := p.Descriptor()

	entry := d.cfg.Provider(id)
	if entry == nil || !entry.IsEnabled() {
		task.reports = append(task.reports, runfile.Report{
			ID:     id,
			Tier:   desc.Tier,
			Status: runfile.StatusSkipped,
			Error:  "not enabled in config",
		})
		return task
	}
	if desc.RequiresAPIKey && !provider.HasAPIKey(desc, entry.APIKey) {
		task.reports = append(task.reports, runfile.Report{
			ID:     id,
			Tier:   desc.Tier,
			Status: runfile.StatusSkipped,
			Error:  fmt.Sprintf("no API key (set %s)", desc.EnvVar),
		})
		return task
	}

	d.emit(Event{Kind: EventStarted, Provider: id})
	opts := d.options(entry)

	if in.Mode != config.ModeSync && desc.Tier == provider.TierDeepResearch {
		if submitter, ok := provider.CanSubmit(p); ok {
			if done := d.trySubmit(ctx, in, id, desc, p, submitter, opts, &task); done {
				return task
			}
			// Submit failed; fall through to the sync path.
		}
	}

	d.executeSync(ctx, in, id, desc, p, entry, opts, selection, &task)
	return task
}

func (d *Dispatcher) options(entry *config.ProviderEntry) provider.Options {
	return provider.Options{
		Timeout: time.Duration(d.cfg.Defaults.Timeout) * time.Second,
		Model:   entry.Model,
		Extra:   entry.Options,
	}
}

// trySubmit attempts the async path. Returns false when the dispatcher
// should fall back to a synchronous execute.
func (d *Dispatcher) trySubmit(ctx context.Context, in Input, id string, desc provider.Descriptor, p provider.Provider, submitter provider.Submitter, opts provider.Options, task *taskOutcome) bool {
	handle, err := safeSubmit(ctx, submitter, in.Query, opts)
	if err != nil {
		logger.Debugf("provider %s: submit failed, executing synchronously: %v", id, err)
		return false
	}
	handle.OutputDir = in.OutputDir

	if handle.Status.Terminal() {
		if retriever, ok := provider.CanRetrieve(p); ok {
			res, err := retriever.Retrieve(ctx, handle)
			if err != nil {
				task.reports = append(task.reports, runfile.Report{
					ID: id, Tier: desc.Tier, Status: runfile.StatusError, Error: err.Error(),
				})
				d.emit(Event{Kind: EventError, Provider: id, Message: err.Error()})
				return true
			}
			task.reports = append(task.reports, d.recordResult(in, id, desc, res))
			task.citations = append(task.citations, resultCitations(res)...)
			return true
		}
	}

	if err := asynctask.Append(in.OutputDir, *handle); err != nil {
		logger.Warnf("provider %s: persist async handle: %v", id, err)
	}
	task.handles = append(task.handles, *handle)
	task.reports = append(task.reports, runfile.Report{
		ID:     id,
		Tier:   desc.Tier,
		Status: runfile.StatusAsyncPending,
	})
	d.emit(Event{Kind: EventAsyncSubmitted, Provider: id, Message: handle.TaskID})
	return true
}

func (d *Dispatcher) executeSync(ctx context.Context, in Input, id string, desc provider.Descriptor, p provider.Provider, entry *config.ProviderEntry, opts provider.Options, selection []string, task *taskOutcome) {
	res, err := safeExecute(ctx, p, in.Query, opts)
	if err != nil {
		task.reports = append(task.reports, runfile.Report{
			ID:     id,
			Tier:   desc.Tier,
			Status: runfile.StatusError,
			Error:  err.Error(),
		})
		d.emit(Event{Kind: EventError, Provider: id, Message: err.Error()})
		d.tryFallback(ctx, in, id, entry, selection, task)
		return
	}

	task.reports = append(task.reports, d.recordResult(in, id, desc, res))
	task.citations = append(task.citations, resultCitations(res)...)
}

// recordResult writes artifacts and builds the report for an executed
// result. An error-carrying result is an error report; it does not
// trigger fallback.
func (d *Dispatcher) recordResult(in Input, id string, desc provider.Descriptor, res *provider.Result) runfile.Report {
	report := runfile.Report{
		ID:            id,
		Tier:          desc.Tier,
		DurationMs:    res.DurationMs,
		WordCount:     runfile.WordCount(res.Content),
		CitationCount: len(res.Citations),
	}
	outputFile, metaFile, err := runfile.WriteProviderArtifacts(in.OutputDir, res)
	if err != nil {
		logger.Warnf("provider %s: write artifacts: %v", id, err)
	} else {
		report.OutputFile = outputFile
		report.MetaFile = metaFile
	}

	if res.Failed() {
		report.Status = runfile.StatusError
		report.Error = res.Error
		report.WordCount = 0
		report.CitationCount = 0
		d.emit(Event{Kind: EventError, Provider: id, Message: res.Error})
	} else {
		report.Status = runfile.StatusSuccess
		d.emit(Event{Kind: EventCompleted, Provider: id, DurationMs: res.DurationMs})
	}
	return report
}

// tryFallback runs the configured fallback synchronously after a thrown
// execution failure. Single level only: the fallback's own fallback is
// never consulted.
func (d *Dispatcher) tryFallback(ctx context.Context, in Input, originalID string, entry *config.ProviderEntry, selection []string, task *taskOutcome) {
	fbID := entry.Fallback
	if fbID == "" {
		return
	}
	fb, ok := d.reg.Get(fbID)
	if !ok {
		return
	}
	fbDesc := fb.Descriptor()
	fbEntry := d.cfg.Provider(fbID)
	if fbEntry == nil {
		return
	}
	if fbDesc.RequiresAPIKey && !provider.HasAPIKey(fbDesc, fbEntry.APIKey) {
		return
	}
	canonical, _ := provider.CanonicalID(fbID)
	for _, sel := range selection {
		if selCanonical, _ := provider.CanonicalID(sel); selCanonical == canonical {
			return // already dispatched on its own
		}
	}

	d.emit(Event{Kind: EventFallback, Provider: fbID, Message: "fallback for " + originalID})
	res, err := safeExecute(ctx, fb, in.Query, d.options(fbEntry))
	if err != nil {
		task.reports = append(task.reports, runfile.Report{
			ID:          fbID,
			Tier:        fbDesc.Tier,
			Status:      runfile.StatusError,
			Error:       err.Error(),
			FallbackFor: originalID,
		})
		d.emit(Event{Kind: EventError, Provider: fbID, Message: err.Error()})
		return
	}

	report := d.recordResult(in, fbID, fbDesc, res)
	report.FallbackFor = originalID
	task.reports = append(task.reports, report)
	task.citations = append(task.citations, resultCitations(res)...)
}

// safeExecute converts a provider panic into an error, so a broken custom
// provider cannot take down the run.
func safeExecute(ctx context.Context, p provider.Provider, query string, opts provider.Options) (res *provider.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return p.Execute(ctx, query, opts)
}

func safeSubmit(ctx context.Context, s provider.Submitter, query string, opts provider.Options) (h *provider.TaskHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return s.Submit(ctx, query, opts)
}

func resultCitations(res *provider.Result) []provider.Citation {
	if res.Failed() {
		return nil
	}
	return res.Citations
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		canonical, _ := provider.CanonicalID(id)
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, id)
	}
	return out
}

// ExitCode computes the run exit code from the manifest reports. A
// provider whose fallback succeeded does not count against the run.
func ExitCode(reports []runfile.Report) int {
	recovered := make(map[string]bool)
	for _, r := range reports {
		if r.FallbackFor != "" && r.Status == runfile.StatusSuccess {
			recovered[r.FallbackFor] = true
		}
	}

	var effective []runfile.Report
	for _, r := range reports {
		if r.Status == runfile.StatusError && r.FallbackFor == "" && recovered[r.ID] {
			continue
		}
		effective = append(effective, r)
	}

	succeeded := 0
	for _, r := range effective {
		if r.Status == runfile.StatusSuccess || r.Status == runfile.StatusAsyncPending {
			succeeded++
		}
	}
	switch {
	case len(effective) > 0 && succeeded == len(effective):
		return 0
	case succeeded > 0:
		return 1
	default:
		return 2
	}
}
