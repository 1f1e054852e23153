// Package asynctask persists async task handles per output directory and
// runs the polling loop that drives them to completion.
package asynctask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jkudish/librarium/internal/fsutil"
	"github.com/jkudish/librarium/internal/provider"
)

// FileName is the handle store inside a run directory. It is the sole
// durable state of a run's async work: everything else can be regenerated
// by re-running retrieval.
const FileName = "async-tasks.json"

// ErrHandleNotFound is returned by Update for an unknown task id.
var ErrHandleNotFound = errors.New("async task handle not found")

// Load reads the handle list for dir. A missing file is an empty list.
func Load(dir string) ([]provider.TaskHandle, error) {
	var handles []provider.TaskHandle
	err := fsutil.ReadJSON(filepath.Join(dir, FileName), &handles)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return handles, nil
}

// Save overwrites the handle list for dir atomically. An empty list
// removes the file.
func Save(dir string, handles []provider.TaskHandle) error {
	path := filepath.Join(dir, FileName)
	if len(handles) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	return fsutil.AtomicWriteJSON(path, handles, 0o644)
}

// Update finds the handle with taskID in dir, applies mutate, and saves.
// Status transitions are monotonic: a terminal handle never goes back to
// pending or running.
func Update(dir, taskID string, mutate func(*provider.TaskHandle)) error {
	handles, err := Load(dir)
	if err != nil {
		return err
	}
	for i := range handles {
		if handles[i].TaskID != taskID {
			continue
		}
		prev := handles[i].Status
		mutate(&handles[i])
		if prev.Terminal() && !handles[i].Status.Terminal() {
			handles[i].Status = prev
		}
		return Save(dir, handles)
	}
	return fmt.Errorf("%w: %s in %s", ErrHandleNotFound, taskID, dir)
}

// Remove drops the handle with taskID from dir's store.
func Remove(dir, taskID string) error {
	handles, err := Load(dir)
	if err != nil {
		return err
	}
	kept := handles[:0]
	for _, h := range handles {
		if h.TaskID != taskID {
			kept = append(kept, h)
		}
	}
	return Save(dir, kept)
}

// Append adds handles to dir's store, preserving submission order.
func Append(dir string, handles ...provider.TaskHandle) error {
	existing, err := Load(dir)
	if err != nil {
		return err
	}
	return Save(dir, append(existing, handles...))
}

// DirHandles pairs a run directory with its handles.
type DirHandles struct {
	Dir     string
	Handles []provider.TaskHandle
}

// FindAll walks base's immediate children and returns every directory
// holding a handle file, filtered to the given statuses (empty filter
// keeps everything).
func FindAll(base string, statuses ...provider.TaskStatus) ([]DirHandles, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output root %s: %w", base, err)
	}

	var out []DirHandles
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		handles, err := Load(dir)
		if err != nil || len(handles) == 0 {
			continue
		}
		filtered := handles
		if len(statuses) > 0 {
			filtered = nil
			for _, h := range handles {
				for _, s := range statuses {
					if h.Status == s {
						filtered = append(filtered, h)
						break
					}
				}
			}
		}
		if len(filtered) > 0 {
			out = append(out, DirHandles{Dir: dir, Handles: filtered})
		}
	}
	return out, nil
}
