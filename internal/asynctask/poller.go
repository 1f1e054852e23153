package asynctask

import (
	"context"
	"time"

	"github.com/jkudish/librarium/internal/logger"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/registry"
	"github.com/jkudish/librarium/internal/runfile"
)

// PollerConfig bounds one waiting session.
type PollerConfig struct {
	Interval time.Duration // sleep between full sweeps
	Timeout  time.Duration // overall bound; leftovers stay in the store
}

// RetrievedResult reports one task retrieved to disk during Wait.
type RetrievedResult struct {
	Dir    string
	Handle provider.TaskHandle
	Result *provider.Result
}

// Poller drives pending handles to completion against the registry.
type Poller struct {
	reg *registry.Registry
	cfg PollerConfig

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller(reg *registry.Registry, cfg PollerConfig) *Poller {
	return &Poller{reg: reg, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait polls every pending/running handle under base until all are
// terminal, the overall timeout expires, or ctx is cancelled. Completed
// handles are then retrieved, their artifacts written into their run
// directory, and removed from the store. State is persisted after each
// transition, so an aborted wait resumes cleanly on the next invocation.
func (p *Poller) Wait(ctx context.Context, base string) ([]RetrievedResult, error) {
	deadline := time.Now().Add(p.cfg.Timeout)

	for {
		pending, err := p.sweep(ctx, base)
		if err != nil {
			return nil, err
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			logger.Warnf("async wait timed out with %d task(s) still pending; re-run status --wait to resume", pending)
			break
		}
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return nil, err
		}
	}

	return p.RetrieveCompleted(ctx, base)
}

// sweep polls each pending/running handle once and persists transitions.
// Returns how many handles are still not terminal.
func (p *Poller) sweep(ctx context.Context, base string) (int, error) {
	dirs, err := FindAll(base, provider.StatusPending, provider.StatusRunning)
	if err != nil {
		return 0, err
	}

	pending := 0
	for _, dh := range dirs {
		for _, h := range dh.Handles {
			if err := ctx.Err(); err != nil {
				return pending, err
			}
			status := p.pollOne(ctx, dh.Dir, h)
			if !status.Terminal() {
				pending++
			}
		}
	}
	return pending, nil
}

func (p *Poller) pollOne(ctx context.Context, dir string, h provider.TaskHandle) provider.TaskStatus {
	prov, ok := p.reg.Get(h.Provider)
	if !ok {
		logger.Warnf("task %s: provider %s not registered, marking failed", h.TaskID, h.Provider)
		p.persistStatus(dir, h.TaskID, provider.StatusFailed)
		return provider.StatusFailed
	}
	poller, ok := provider.CanPoll(prov)
	if !ok {
		logger.Warnf("task %s: provider %s cannot poll, marking failed", h.TaskID, h.Provider)
		p.persistStatus(dir, h.TaskID, provider.StatusFailed)
		return provider.StatusFailed
	}

	upd, err := poller.Poll(ctx, &h)
	if err != nil {
		// Transient poll failures leave the handle as-is for the next
		// sweep.
		logger.Debugf("task %s: poll error: %v", h.TaskID, err)
		return h.Status
	}

	now := time.Now().UnixMilli()
	uerr := Update(dir, h.TaskID, func(t *provider.TaskHandle) {
		t.Status = upd.Status
		if upd.Status.Terminal() {
			t.CompletedAt = now
		} else {
			t.LastPolled = now
		}
	})
	if uerr != nil {
		logger.Warnf("task %s: persist poll state: %v", h.TaskID, uerr)
	}
	return upd.Status
}

func (p *Poller) persistStatus(dir, taskID string, status provider.TaskStatus) {
	err := Update(dir, taskID, func(t *provider.TaskHandle) {
		t.Status = status
		t.CompletedAt = time.Now().UnixMilli()
	})
	if err != nil {
		logger.Warnf("task %s: persist status: %v", taskID, err)
	}
}

// RetrieveCompleted fetches the artifact of every completed handle under
// base, writes the provider artifacts, and removes the handle from its
// store. Failed handles are dropped from the store; a failed retrieval
// leaves the handle in place for the next invocation.
func (p *Poller) RetrieveCompleted(ctx context.Context, base string) ([]RetrievedResult, error) {
	dirs, err := FindAll(base, provider.StatusCompleted, provider.StatusFailed)
	if err != nil {
		return nil, err
	}

	var out []RetrievedResult
	for _, dh := range dirs {
		for _, h := range dh.Handles {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if h.Status == provider.StatusFailed {
				logger.Warnf("task %s (%s) failed; dropping handle", h.TaskID, h.Provider)
				if err := Remove(dh.Dir, h.TaskID); err != nil {
					logger.Warnf("task %s: remove handle: %v", h.TaskID, err)
				}
				continue
			}

			prov, ok := p.reg.Get(h.Provider)
			if !ok {
				logger.Warnf("task %s: provider %s not registered, leaving handle", h.TaskID, h.Provider)
				continue
			}
			retriever, ok := provider.CanRetrieve(prov)
			if !ok {
				logger.Warnf("task %s: provider %s cannot retrieve, leaving handle", h.TaskID, h.Provider)
				continue
			}

			res, err := retriever.Retrieve(ctx, &h)
			if err != nil {
				logger.Warnf("task %s: retrieve failed, will retry next invocation: %v", h.TaskID, err)
				continue
			}
			if _, _, err := runfile.WriteProviderArtifacts(dh.Dir, res); err != nil {
				logger.Warnf("task %s: write artifacts: %v", h.TaskID, err)
				continue
			}
			// The handle leaves the store only after a successful
			// retrieval.
			if err := Remove(dh.Dir, h.TaskID); err != nil {
				logger.Warnf("task %s: remove handle: %v", h.TaskID, err)
			}
			out = append(out, RetrievedResult{Dir: dh.Dir, Handle: h, Result: res})
		}
	}
	return out, nil
}
