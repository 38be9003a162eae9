package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linlinhaohao888/LegoOS/pkg/config"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

type fakeRestorer struct {
	mu    sync.Mutex
	comms []string
	fail  map[string]error
	table *task.Table
	spawn *task.ThreadSpawner
}

func newFakeRestorer(t *testing.T) *fakeRestorer {
	table := task.NewTable(0)
	return &fakeRestorer{
		fail:  make(map[string]error),
		table: table,
		spawn: task.NewThreadSpawner(task.SpawnerConfig{}, table, testr.New(t)),
	}
}

func (f *fakeRestorer) RestoreContext(_ context.Context, snap *snapshot.ProcessSnapshot) (*task.Task, error) {
	f.mu.Lock()
	f.comms = append(f.comms, snap.Comm)
	err := f.fail[snap.Comm]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.spawn.Spawn(nil, snap.Comm, func(*task.Task) {})
}

func (f *fakeRestorer) restored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comms...)
}

func testSnapshot(comm string) *snapshot.ProcessSnapshot {
	return &snapshot.ProcessSnapshot{
		Comm: comm,
		Files: []snapshot.FileEntry{
			{FD: 0, Name: task.DefaultConsolePath},
			{FD: 1, Name: task.DefaultConsolePath},
			{FD: 2, Name: task.DefaultConsolePath},
		},
	}
}

func runWatcher(t *testing.T, spoolDir string, restorer Restorer) {
	t.Helper()
	w, err := NewWatcher(config.WatcherSpec{Enabled: true, SpoolDir: spoolDir}, restorer, testr.New(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
}

func waitForStatus(t *testing.T, dir, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ReadStatus(dir) == want
	}, 5*time.Second, 10*time.Millisecond, "status of %s", dir)
}

func TestRestoresExistingSnapshots(t *testing.T) {
	spool := t.TempDir()
	dir, err := Enqueue(spool, "early", testSnapshot("early"))
	require.NoError(t, err)

	restorer := newFakeRestorer(t)
	runWatcher(t, spool, restorer)

	waitForStatus(t, dir, config.StatusCompleted)
	assert.Equal(t, []string{"early"}, restorer.restored())
}

func TestRestoresEnqueuedSnapshot(t *testing.T) {
	spool := t.TempDir()
	restorer := newFakeRestorer(t)
	runWatcher(t, spool, restorer)

	// Give the watcher time to register before the rename lands.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(spool, TmpDirName))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	dir, err := Enqueue(spool, "late", testSnapshot("late"))
	require.NoError(t, err)

	waitForStatus(t, dir, config.StatusCompleted)
	assert.Equal(t, []string{"late"}, restorer.restored())
}

func TestFailedRestoreIsMarked(t *testing.T) {
	spool := t.TempDir()
	dir, err := Enqueue(spool, "bad", testSnapshot("bad"))
	require.NoError(t, err)

	restorer := newFakeRestorer(t)
	restorer.fail["bad"] = errors.New("descriptor mismatch")
	runWatcher(t, spool, restorer)

	waitForStatus(t, dir, config.StatusFailed)
}

func TestUnreadableSnapshotIsMarked(t *testing.T) {
	spool := t.TempDir()
	dir := filepath.Join(spool, "garbage")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshot.Filename), []byte("comm: [unterminated"), 0o644))

	restorer := newFakeRestorer(t)
	runWatcher(t, spool, restorer)

	waitForStatus(t, dir, config.StatusFailed)
	assert.Empty(t, restorer.restored())
}

func TestHandleDirSkips(t *testing.T) {
	spool := t.TempDir()

	done, err := Enqueue(spool, "done", testSnapshot("done"))
	require.NoError(t, err)
	require.NoError(t, writeStatus(done, config.StatusCompleted))

	empty := filepath.Join(spool, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))

	staged := filepath.Join(spool, TmpDirName, "staged")
	require.NoError(t, snapshot.Write(staged, testSnapshot("staged")))

	restorer := newFakeRestorer(t)
	w, err := NewWatcher(config.WatcherSpec{SpoolDir: spool}, restorer, testr.New(t))
	require.NoError(t, err)

	ctx := context.Background()
	w.handleDir(ctx, done)
	w.handleDir(ctx, empty)
	w.handleDir(ctx, staged)
	w.handleDir(ctx, filepath.Join(spool, TmpDirName))
	w.wg.Wait()

	assert.Empty(t, restorer.restored())
}

func TestInFlightDeduplication(t *testing.T) {
	w, err := NewWatcher(config.WatcherSpec{SpoolDir: t.TempDir()}, newFakeRestorer(t), testr.New(t))
	require.NoError(t, err)

	assert.True(t, w.tryAcquire("/spool/a"))
	assert.False(t, w.tryAcquire("/spool/a"))
	assert.True(t, w.tryAcquire("/spool/b"))
	w.release("/spool/a")
	assert.True(t, w.tryAcquire("/spool/a"))
}

func TestEnqueueRejectsBadNames(t *testing.T) {
	spool := t.TempDir()
	for _, name := range []string{"", TmpDirName, "a/b"} {
		_, err := Enqueue(spool, name, testSnapshot("x"))
		assert.Error(t, err, "name %q", name)
	}
}

func TestNewWatcherRequiresSpool(t *testing.T) {
	_, err := NewWatcher(config.WatcherSpec{Enabled: true}, newFakeRestorer(t), testr.New(t))
	assert.Error(t, err)
}
