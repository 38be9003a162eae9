package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/linlinhaohao888/LegoOS/pkg/fdtable"
	"github.com/linlinhaohao888/LegoOS/pkg/fileops"
	"github.com/linlinhaohao888/LegoOS/pkg/memnode"
	"github.com/linlinhaohao888/LegoOS/pkg/p2m"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

const console = task.DefaultConsolePath

// countingSpawner counts executor spawns and can hold the first one until
// gate is closed.
type countingSpawner struct {
	task.Spawner
	spawns atomic.Int64
	gate   chan struct{}
	held   chan struct{}
	once   sync.Once
}

func (s *countingSpawner) Spawn(parent *task.Task, name string, fn func(*task.Task)) (*task.Task, error) {
	if s.gate != nil {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.held)
			<-s.gate
		}
	}
	s.spawns.Add(1)
	return s.Spawner.Spawn(parent, name, fn)
}

type fixture struct {
	restorer *Restorer
	tasks    *task.Table
	spawner  *countingSpawner
	root     string
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, cfg task.SpawnerConfig, gated bool) *fixture {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "app.conf"), []byte("workers 4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0o644))

	tasks := task.NewTable(0)
	spawner := &countingSpawner{Spawner: task.NewThreadSpawner(cfg, tasks, testr.New(t))}
	if gated {
		spawner.gate = make(chan struct{})
		spawner.held = make(chan struct{})
	}

	r, err := New(Config{Spawner: spawner, Opener: fileops.NewHostOpener(root), Tasks: tasks}, testr.New(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-r.Stopped()
	})
	require.NoError(t, r.Start(ctx))

	return &fixture{restorer: r, tasks: tasks, spawner: spawner, root: root, cancel: cancel}
}

func stdio() []snapshot.FileEntry {
	return []snapshot.FileEntry{
		{FD: 0, Name: console, Flags: unix.O_RDWR},
		{FD: 1, Name: console, Flags: unix.O_RDWR},
		{FD: 2, Name: console, Flags: unix.O_RDWR},
	}
}

func snapshotNamed(comm string, extra ...snapshot.FileEntry) *snapshot.ProcessSnapshot {
	return &snapshot.ProcessSnapshot{Comm: comm, Files: append(stdio(), extra...)}
}

func TestRestoreRebuildsProcess(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	snap := snapshotNamed("nginx",
		snapshot.FileEntry{FD: 3, Name: "/etc/app.conf", Flags: unix.O_RDONLY},
		snapshot.FileEntry{FD: 4, Name: "/proc/version", Flags: unix.O_RDONLY},
	)
	snap.Actions[unix.SIGTERM-1] = snapshot.SigAction{Handler: 0x401000, Flags: 0x10000000, Restorer: 0x402000}
	snap.Actions[unix.SIGCHLD-1] = snapshot.SigAction{Handler: 1}
	snap.Blocked = snapshot.SigSet(0).Add(int(unix.SIGUSR1)).Add(int(unix.SIGPIPE))

	tsk, err := f.restorer.Restore(snap)
	require.NoError(t, err)
	require.NotNil(t, tsk)

	assert.Equal(t, "nginx", tsk.Comm())
	assert.True(t, tsk.IsLeader())
	assert.Equal(t, task.StateRunning, tsk.State())
	assert.Equal(t, tsk.PID, tsk.TGID)
	assert.Equal(t, f.restorer.worker.TGID, tsk.ParentTGID)
	assert.Equal(t, map[int]string{
		0: console, 1: console, 2: console,
		3: "/etc/app.conf",
		4: "/proc/version",
	}, tsk.Files.Names())
	assert.Equal(t, snap.Actions, tsk.SigHand.Actions())
	assert.Equal(t, snap.Blocked, tsk.Blocked())

	conf, err := tsk.Files.Get(3)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := conf.Ops.Read(conf, buf)
	require.NoError(t, err)
	assert.Equal(t, "workers 4\n", string(buf[:n]))

	got, ok := f.tasks.Lookup(tsk.PID)
	require.True(t, ok)
	assert.Same(t, tsk, got)
}

func TestRestoreTruncatesLongComm(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	tsk, err := f.restorer.Restore(snapshotNamed("a-very-long-process-name"))
	require.NoError(t, err)
	assert.Equal(t, "a-very-long-pro", tsk.Comm())
}

func TestRestoreNilSnapshot(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	_, err := f.restorer.Restore(nil)
	assert.ErrorIs(t, err, snapshot.ErrInvalidSnapshot)
}

func TestEachRequestGetsExactlyOneExecutor(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	for i := 0; i < 5; i++ {
		_, err := f.restorer.Restore(snapshotNamed(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		f.restorer.wakeUp()
	}
	require.Eventually(t, func() bool {
		return f.restorer.WorkerState() == WorkerSleeping
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(5), f.spawner.spawns.Load())
	// Worker plus the five restored leaders.
	assert.Equal(t, 6, f.tasks.Len())
}

func TestConcurrentRestores(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	const k = 16
	var wg sync.WaitGroup
	results := make([]*task.Task, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.restorer.Restore(snapshotNamed(fmt.Sprintf("proc-%02d", i)))
		}(i)
	}
	wg.Wait()

	pids := make(map[int]bool)
	for i := 0; i < k; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("proc-%02d", i), results[i].Comm())
		assert.False(t, pids[results[i].PID], "pid %d handed out twice", results[i].PID)
		pids[results[i].PID] = true
	}
	assert.Equal(t, int64(k), f.spawner.spawns.Load())
}

func TestRequestsQueuedWhileDrainingAreServed(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, true)

	type outcome struct {
		tsk *task.Task
		err error
	}
	results := make(map[string]chan outcome)
	submit := func(comm string) {
		ch := make(chan outcome, 1)
		results[comm] = ch
		go func() {
			tsk, err := f.restorer.Restore(snapshotNamed(comm))
			ch <- outcome{tsk, err}
		}()
	}

	submit("a")
	<-f.spawner.held
	assert.Equal(t, WorkerDraining, f.restorer.WorkerState())

	submit("b")
	submit("c")
	require.Eventually(t, func() bool { return f.restorer.queue.len() == 2 }, 5*time.Second, time.Millisecond)
	close(f.spawner.gate)

	for _, comm := range []string{"a", "b", "c"} {
		select {
		case res := <-results[comm]:
			require.NoError(t, res.err)
			assert.Equal(t, comm, res.tsk.Comm())
		case <-time.After(5 * time.Second):
			t.Fatalf("restore of %s never completed", comm)
		}
	}
}

func TestStdioMismatchFailsAndResubmitSucceeds(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	snap := snapshotNamed("sshd", snapshot.FileEntry{FD: 3, Name: "/etc/hosts"})
	snap.Files[1].Name = "/var/log/sshd.log"

	tsk, err := f.restorer.Restore(snap)
	require.Error(t, err)
	assert.Nil(t, tsk)
	assert.ErrorIs(t, err, ErrFDMismatch)
	assert.Equal(t, -int(unix.EBADF), Errno(err))
	// The failed executor is torn down; only the worker remains.
	assert.Equal(t, 1, f.tasks.Len())

	snap.Files[1].Name = console
	tsk, err = f.restorer.Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", tsk.Files.Names()[3])
}

func TestFailedRestoreDoesNotPoisonMemoryNode(t *testing.T) {
	store, err := memnode.OpenStore("", testr.New(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	srv := httptest.NewServer(memnode.NewServer("", store, testr.New(t)).Handler())
	t.Cleanup(srv.Close)

	notifier := p2m.NewClient(srv.Listener.Addr().String(), p2m.ClientOptions{Node: "pnode-0"}, testr.New(t))
	f := newFixture(t, task.SpawnerConfig{Notifier: notifier}, false)

	snap := snapshotNamed("sshd", snapshot.FileEntry{FD: 3, Name: "/etc/hosts"})
	snap.Files[0].Name = "/dev/tty1"
	_, err = f.restorer.Restore(snap)
	require.ErrorIs(t, err, ErrFDMismatch)

	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records, "the failed executor's record is dropped")

	snap.Files[0].Name = console
	tsk, err := f.restorer.Restore(snap)
	require.NoError(t, err, "errno %d", Errno(err))

	rec, found, err := store.Get(tsk.PID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sshd", rec.Comm)
	assert.Equal(t, f.restorer.worker.TGID, rec.ParentTGID)
	assert.Equal(t, "pnode-0", rec.Node)
}

func TestDescriptorNumberMismatch(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	snap := snapshotNamed("redis", snapshot.FileEntry{FD: 7, Name: "/etc/hosts"})
	_, err := f.restorer.Restore(snap)
	assert.ErrorIs(t, err, ErrFDMismatch)
}

func TestMissingFileFailsRestore(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)

	snap := snapshotNamed("cron", snapshot.FileEntry{FD: 3, Name: "/etc/crontab"})
	_, err := f.restorer.Restore(snap)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, -int(unix.ENOENT), Errno(err))
}

func TestOpenFailureFreesOnlyFailedDescriptor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "present"), nil, 0o644))

	tasks := task.NewTable(0)
	spawner := task.NewThreadSpawner(task.SpawnerConfig{}, tasks, testr.New(t))
	tsk, err := spawner.Spawn(nil, "scratch", func(*task.Task) {})
	require.NoError(t, err)
	defer tasks.Exit(tsk)

	snap := snapshotNamed("scratch",
		snapshot.FileEntry{FD: 3, Name: "/present"},
		snapshot.FileEntry{FD: 4, Name: "/absent"},
		snapshot.FileEntry{FD: 5, Name: "/present"},
	)
	err = restoreOpenFiles(tsk, snap, fileops.NewHostOpener(root))
	require.ErrorIs(t, err, fs.ErrNotExist)

	assert.True(t, tsk.Files.IsOpen(3))
	assert.False(t, tsk.Files.IsOpen(4))
	assert.False(t, tsk.Files.IsOpen(5))
}

func TestUnknownPseudoFile(t *testing.T) {
	tasks := task.NewTable(0)
	spawner := task.NewThreadSpawner(task.SpawnerConfig{}, tasks, testr.New(t))
	tsk, err := spawner.Spawn(nil, "scratch", func(*task.Task) {})
	require.NoError(t, err)
	defer tasks.Exit(tsk)

	err = reopenFile(tsk.Files, &snapshot.FileEntry{FD: 3, Name: "/sys/kernel/nothing"}, fileops.NewHostOpener(t.TempDir()))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.False(t, tsk.Files.IsOpen(3))
}

// hookFailOpener resolves every path but installs ops whose open hook fails.
type hookFailOpener struct {
	ops *hookFailOps
}

func (o hookFailOpener) OpenProc(f *fdtable.File) error    { return o.install(f) }
func (o hookFailOpener) OpenSys(f *fdtable.File) error     { return o.install(f) }
func (o hookFailOpener) OpenRegular(f *fdtable.File) error { return o.install(f) }

func (o hookFailOpener) install(f *fdtable.File) error {
	f.Private = "host handle"
	f.Ops = o.ops
	return nil
}

type hookFailOps struct {
	closed []string
}

func (*hookFailOps) Open(*fdtable.File) error { return errors.New("device not ready") }

func (*hookFailOps) Read(*fdtable.File, []byte) (int, error) { return 0, nil }

func (o *hookFailOps) Close(f *fdtable.File) error {
	o.closed = append(o.closed, f.Name)
	f.Private = nil
	return nil
}

func TestOpenHookFailureClosesFile(t *testing.T) {
	tasks := task.NewTable(0)
	spawner := task.NewThreadSpawner(task.SpawnerConfig{}, tasks, testr.New(t))
	tsk, err := spawner.Spawn(nil, "scratch", func(*task.Task) {})
	require.NoError(t, err)
	defer tasks.Exit(tsk)

	ops := &hookFailOps{}
	err = reopenFile(tsk.Files, &snapshot.FileEntry{FD: 3, Name: "/dev/ttyUSB0"}, hookFailOpener{ops: ops})
	assert.ErrorContains(t, err, "device not ready")
	assert.Equal(t, []string{"/dev/ttyUSB0"}, ops.closed)
	assert.False(t, tsk.Files.IsOpen(3))
}

func TestReopenKeepsFileContents(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)
	logPath := filepath.Join(f.root, "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello world\n"), 0o644))

	recorded := uint32(unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC)
	tsk, err := f.restorer.Restore(snapshotNamed("logger",
		snapshot.FileEntry{FD: 3, Name: "/app.log", Flags: recorded, Mode: 0o644},
	))
	require.NoError(t, err)

	file, err := tsk.Files.Get(3)
	require.NoError(t, err)
	assert.Equal(t, recorded, file.Flags)

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(content))
}

func TestExecutorSpawnFailure(t *testing.T) {
	// The worker takes the only thread slot.
	f := newFixture(t, task.SpawnerConfig{MaxThreads: 1}, false)

	tsk, err := f.restorer.Restore(snapshotNamed("batch"))
	require.Error(t, err)
	assert.Nil(t, tsk)
	assert.ErrorIs(t, err, ErrNoResources)
	assert.Equal(t, -int(unix.EAGAIN), Errno(err))
	assert.Equal(t, int64(1), f.spawner.spawns.Load())
}

func TestRestoreContextAbandon(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.restorer.RestoreContext(ctx, snapshotNamed("orphan"))
		errCh <- err
	}()

	<-f.spawner.held
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, ErrWaitAbandoned)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, -int(unix.EINTR), Errno(err))

	close(f.spawner.gate)
	require.Eventually(t, func() bool {
		for _, tsk := range f.tasks.List() {
			if tsk.Comm() == "orphan" && tsk.IsLeader() {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRestoreBeforeStart(t *testing.T) {
	tasks := task.NewTable(0)
	spawner := task.NewThreadSpawner(task.SpawnerConfig{}, tasks, testr.New(t))
	r, err := New(Config{Spawner: spawner, Opener: fileops.NewHostOpener(t.TempDir())}, testr.New(t))
	require.NoError(t, err)

	_, err = r.Restore(snapshotNamed("early"))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, WorkerStopped, r.WorkerState())
}

func TestStartFailure(t *testing.T) {
	tasks := task.NewTable(0)
	spawner := task.NewThreadSpawner(task.SpawnerConfig{MaxThreads: 1}, tasks, testr.New(t))
	hog, err := spawner.SpawnKernel("hog", func(*task.Task) {})
	require.NoError(t, err)
	defer tasks.Exit(hog)

	r, err := New(Config{Spawner: spawner, Opener: fileops.NewHostOpener(t.TempDir())}, testr.New(t))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Start(context.Background()), ErrNoResources)
	assert.Panics(t, func() { r.MustStart(context.Background()) })
}

func TestWorkerStop(t *testing.T) {
	f := newFixture(t, task.SpawnerConfig{}, false)
	workerPID := f.restorer.worker.PID

	f.cancel()
	select {
	case <-f.restorer.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, WorkerStopped, f.restorer.WorkerState())
	_, ok := f.tasks.Lookup(workerPID)
	assert.False(t, ok)

	_, err := f.restorer.Restore(snapshotNamed("late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNewRequiresCollaborators(t *testing.T) {
	log := testr.New(t)
	spawner := task.NewThreadSpawner(task.SpawnerConfig{}, task.NewTable(0), log)

	_, err := New(Config{Opener: fileops.NewHostOpener("/")}, log)
	assert.Error(t, err)
	_, err = New(Config{Spawner: spawner}, log)
	assert.Error(t, err)
	_, err = New(Config{Spawner: &countingSpawner{Spawner: spawner}, Opener: fileops.NewHostOpener("/")}, log)
	assert.Error(t, err)
}

type codedError struct{ code int }

func (e codedError) Error() string { return "coded" }
func (e codedError) Errno() int { return e.code }

func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"coded", fmt.Errorf("fork: %w", codedError{-int(unix.EEXIST)}), -int(unix.EEXIST)},
		{"no resources", fmt.Errorf("spawn: %w", ErrNoResources), -int(unix.EAGAIN)},
		{"fd mismatch", ErrFDMismatch, -int(unix.EBADF)},
		{"bad fd", fdtable.ErrBadFD, -int(unix.EBADF)},
		{"table full", fdtable.ErrTableFull, -int(unix.EMFILE)},
		{"not started", ErrNotStarted, -int(unix.ESRCH)},
		{"invalid snapshot", fmt.Errorf("%w: empty comm", snapshot.ErrInvalidSnapshot), -int(unix.EINVAL)},
		{"raw errno", &fs.PathError{Op: "open", Path: "/x", Err: unix.EISDIR}, -int(unix.EISDIR)},
		{"not exist", fmt.Errorf("wrapped: %w", fs.ErrNotExist), -int(unix.ENOENT)},
		{"permission", fs.ErrPermission, -int(unix.EACCES)},
		{"other", errors.New("boom"), -int(unix.EIO)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Errno(tc.err))
		})
	}
}
