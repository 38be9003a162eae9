// Package watcher restores snapshots dropped into a spool directory.
//
// Every subdirectory of the spool root holding a snapshot.yaml is restored
// once. Producers stage a snapshot under the tmp subdirectory and rename it
// into the root when complete, so a directory appearing in the root is always
// ready to read. The outcome is recorded in a status file next to the snapshot.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/linlinhaohao888/LegoOS/pkg/config"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// TmpDirName is the spool subdirectory snapshots are staged in.
const TmpDirName = "tmp"

// Restorer is the part of the restore facade the watcher drives.
type Restorer interface {
	RestoreContext(ctx context.Context, snap *snapshot.ProcessSnapshot) (*task.Task, error)
}

// Watcher watches the spool directory and restores new snapshots.
type Watcher struct {
	spoolDir string
	restorer Restorer
	log      logr.Logger

	inFlight   map[string]struct{}
	inFlightMu sync.Mutex
	wg         sync.WaitGroup
}

// NewWatcher creates a spool watcher.
func NewWatcher(spec config.WatcherSpec, restorer Restorer, log logr.Logger) (*Watcher, error) {
	if spec.SpoolDir == "" {
		return nil, errors.New("watcher: spool directory is required")
	}
	return &Watcher{
		spoolDir: filepath.Clean(spec.SpoolDir),
		restorer: restorer,
		log:      log,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Start watches until ctx is cancelled, then waits for running restores.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.spoolDir, TmpDirName), 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.spoolDir, err)
	}
	w.log.Info("Starting spool watcher", "spool_dir", w.spoolDir)

	// Snapshots that arrived while nothing was watching.
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.spoolDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.handleDir(ctx, filepath.Join(w.spoolDir, entry.Name()))
		}
	}

	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Spool watcher stopping")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.handleDir(ctx, event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.log.Error(err, "Spool watch error")
		}
	}
}

// handleDir starts a restore for dir unless it is not a ready snapshot, has
// already been handled, or is being handled now.
func (w *Watcher) handleDir(ctx context.Context, dir string) {
	if filepath.Dir(dir) != w.spoolDir || filepath.Base(dir) == TmpDirName {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	if _, err := os.Stat(filepath.Join(dir, snapshot.Filename)); err != nil {
		return
	}

	switch status := ReadStatus(dir); status {
	case config.StatusCompleted, config.StatusFailed, config.StatusInProgress:
		w.log.V(1).Info("Skipping handled snapshot", "snapshot_dir", dir, "status", status)
		return
	}

	if !w.tryAcquire(dir) {
		return
	}

	w.log.Info("Snapshot ready, triggering restore", "snapshot_dir", dir)
	w.wg.Add(1)
	go w.doRestore(ctx, dir)
}

func (w *Watcher) doRestore(ctx context.Context, dir string) {
	defer w.wg.Done()
	defer w.release(dir)

	if err := writeStatus(dir, config.StatusInProgress); err != nil {
		w.log.Error(err, "Failed to mark snapshot in progress", "snapshot_dir", dir)
		return
	}

	snap, err := snapshot.Read(dir)
	if err != nil {
		w.finish(dir, nil, err)
		return
	}

	t, err := w.restorer.RestoreContext(ctx, snap)
	w.finish(dir, t, err)
}

func (w *Watcher) finish(dir string, t *task.Task, restoreErr error) {
	status := config.StatusCompleted
	if restoreErr != nil {
		status = config.StatusFailed
		w.log.Error(restoreErr, "Restore failed", "snapshot_dir", dir)
	} else {
		w.log.Info("Restore completed", "snapshot_dir", dir, "pid", t.PID, "comm", t.Comm())
	}

	if err := writeStatus(dir, status); err != nil {
		w.log.Error(err, "Failed to write restore status", "snapshot_dir", dir, "status", status)
	}
}

func (w *Watcher) tryAcquire(dir string) bool {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	if _, held := w.inFlight[dir]; held {
		return false
	}
	w.inFlight[dir] = struct{}{}
	return true
}

func (w *Watcher) release(dir string) {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	delete(w.inFlight, dir)
}

// ReadStatus returns the status recorded for the snapshot in dir, or "" when
// there is none.
func ReadStatus(dir string) string {
	content, err := os.ReadFile(filepath.Join(dir, config.StatusFilename))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func writeStatus(dir, status string) error {
	return os.WriteFile(filepath.Join(dir, config.StatusFilename), []byte(status+"\n"), 0644)
}

// Enqueue stages snap under the spool's tmp directory and renames it into the
// spool root as name.
func Enqueue(spoolDir, name string, snap *snapshot.ProcessSnapshot) (string, error) {
	if name == "" || name == TmpDirName || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("invalid spool entry name %q", name)
	}

	staged := filepath.Join(spoolDir, TmpDirName, name)
	if err := os.RemoveAll(staged); err != nil {
		return "", fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := snapshot.Write(staged, snap); err != nil {
		return "", err
	}

	final := filepath.Join(spoolDir, name)
	if err := os.Rename(staged, final); err != nil {
		return "", fmt.Errorf("failed to publish snapshot %s: %w", name, err)
	}
	return final, nil
}
