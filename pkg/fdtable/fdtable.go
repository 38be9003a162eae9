// Package fdtable implements the per-process descriptor table: an occupancy bitmap
// plus an arena of open files indexed by descriptor number.
package fdtable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/linlinhaohao888/LegoOS/pkg/bitmap"
)

// DefaultMaxFiles is the default table size.
const DefaultMaxFiles = 1024

var (
	// ErrTableFull is returned by Alloc when every descriptor is in use.
	ErrTableFull = errors.New("descriptor table full")

	// ErrBadFD is returned for descriptors that are out of range or not open.
	ErrBadFD = errors.New("bad file descriptor")
)

// FileOps is installed on a File by the open routine that resolved it.
type FileOps interface {
	// Open runs once after the path-specific open routine succeeded.
	Open(f *File) error
	Read(f *File, p []byte) (int, error)
	Close(f *File) error
}

// File is an open file.
type File struct {
	FD    int
	Name  string
	Flags uint32
	Mode  uint32

	// Ops is nil until an open routine installs it.
	Ops FileOps

	// Private is owned by Ops.
	Private interface{}
}

// Table is a descriptor table. All methods are safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	bitmap *bitmap.Bitmap
	files  []*File
}

// New returns an empty table with room for max descriptors.
func New(max int) *Table {
	if max <= 0 {
		max = DefaultMaxFiles
	}
	return &Table{
		bitmap: bitmap.New(max),
		files:  make([]*File, max),
	}
}

// Alloc reserves the lowest free descriptor and installs an unopened File named name.
func (t *Table) Alloc(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.bitmap.FindFirstZero()
	if fd < 0 {
		return -1, ErrTableFull
	}
	t.bitmap.Set(fd)
	t.files[fd] = &File{FD: fd, Name: name}
	return fd, nil
}

// Free releases fd without running any close hook.
func (t *Table) Free(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.bitmap.Test(fd) {
		return
	}
	t.bitmap.Clear(fd)
	t.files[fd] = nil
}

// Close runs the file's close hook and releases fd.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	if !t.bitmap.Test(fd) {
		t.mu.Unlock()
		return fmt.Errorf("close %d: %w", fd, ErrBadFD)
	}
	f := t.files[fd]
	t.bitmap.Clear(fd)
	t.files[fd] = nil
	t.mu.Unlock()

	if f.Ops != nil {
		return f.Ops.Close(f)
	}
	return nil
}

// Get returns the file installed at fd.
func (t *Table) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.bitmap.Test(fd) {
		return nil, fmt.Errorf("get %d: %w", fd, ErrBadFD)
	}
	return t.files[fd], nil
}

// IsOpen reports whether fd is allocated.
func (t *Table) IsOpen(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitmap.Test(fd)
}

// Len returns the number of allocated descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitmap.Count()
}

// Names returns the descriptor-to-path mapping of every allocated descriptor.
func (t *Table) Names() map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[int]string, t.bitmap.Count())
	for fd, f := range t.files {
		if f != nil {
			out[fd] = f.Name
		}
	}
	return out
}

// FDs returns the allocated descriptors in ascending order.
func (t *Table) FDs() []int {
	names := t.Names()
	fds := make([]int, 0, len(names))
	for fd := range names {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// CloseAll closes every descriptor, returning the first close error.
func (t *Table) CloseAll() error {
	var firstErr error
	for _, fd := range t.FDs() {
		if err := t.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
