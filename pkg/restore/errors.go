package restore

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"

	"github.com/linlinhaohao888/LegoOS/pkg/fdtable"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

var (
	// ErrNoResources means no executor could be created for a request.
	ErrNoResources = task.ErrNoResources

	// ErrFDMismatch means a reopened descriptor could not take the number recorded
	// in the snapshot, or a live stdio descriptor names a different file.
	ErrFDMismatch = errors.New("descriptor mismatch")

	// ErrNotStarted is returned when a restore is submitted before Start.
	ErrNotStarted = errors.New("restorer worker not started")

	// ErrStopped is returned for requests still queued when the worker stops.
	ErrStopped = errors.New("restorer worker stopped")

	// ErrWaitAbandoned is returned by RestoreContext when the caller stops waiting.
	// The restore itself keeps running and completes exactly once.
	ErrWaitAbandoned = errors.New("stopped waiting for restore")

	errNoResult = errors.New("restore finished without a result")
)

// Errno maps a restore error to the negative errno a caller of the kernel
// interface would see. It returns 0 for nil.
func Errno(err error) int {
	if err == nil {
		return 0
	}

	var coded interface{ Errno() int }
	if errors.As(err, &coded) {
		return coded.Errno()
	}

	switch {
	case errors.Is(err, ErrNoResources):
		return -int(unix.EAGAIN)
	case errors.Is(err, ErrFDMismatch), errors.Is(err, fdtable.ErrBadFD):
		return -int(unix.EBADF)
	case errors.Is(err, fdtable.ErrTableFull):
		return -int(unix.EMFILE)
	case errors.Is(err, ErrWaitAbandoned):
		return -int(unix.EINTR)
	case errors.Is(err, ErrNotStarted), errors.Is(err, ErrStopped):
		return -int(unix.ESRCH)
	case errors.Is(err, snapshot.ErrInvalidSnapshot):
		return -int(unix.EINVAL)
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return -int(unix.ENOENT)
	case errors.Is(err, fs.ErrPermission):
		return -int(unix.EACCES)
	default:
		return -int(unix.EIO)
	}
}
