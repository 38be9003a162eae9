package restore

import (
	"fmt"

	"github.com/linlinhaohao888/LegoOS/pkg/fdtable"
	"github.com/linlinhaohao888/LegoOS/pkg/fileops"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// restoreOpenFiles reopens every recorded descriptor in order and stops at the
// first failure. Descriptors opened before a failure are left open; tearing the
// task down reclaims them.
//
// Stdio descriptors the new task already holds are accepted only when they
// name the same file. Stdio that was redirected before the snapshot was taken
// is not reconciled and fails the restore.
func restoreOpenFiles(t *task.Task, snap *snapshot.ProcessSnapshot, opener fileops.Opener) error {
	files := t.Files
	for i := 0; i < snap.NrFiles(); i++ {
		entry := &snap.Files[i]

		if i < snapshot.NrStdio && files.IsOpen(i) {
			live, err := files.Get(i)
			if err != nil {
				return err
			}
			if live.Name != entry.Name {
				return fmt.Errorf("%w: stdio fd %d is %s, snapshot has %s", ErrFDMismatch, i, live.Name, entry.Name)
			}
			continue
		}

		if err := reopenFile(files, entry, opener); err != nil {
			return err
		}
	}
	return nil
}

// reopenFile allocates the next descriptor for entry, which must come out as
// the recorded number, and opens it through the routine matching its path.
// Allocation must not race with anything else touching the table.
func reopenFile(files *fdtable.Table, entry *snapshot.FileEntry, opener fileops.Opener) error {
	fd, err := files.Alloc(entry.Name)
	if err != nil {
		return fmt.Errorf("failed to allocate descriptor for %s: %w", entry.Name, err)
	}
	if fd != entry.FD {
		return fmt.Errorf("%w: %s recorded as fd %d, allocated %d", ErrFDMismatch, entry.Name, entry.FD, fd)
	}

	f, err := files.Get(fd)
	if err != nil {
		return err
	}
	f.Flags = entry.Flags
	f.Mode = entry.Mode

	if err := fileops.Open(opener, f); err != nil {
		files.Free(fd)
		return fmt.Errorf("failed to open %s file %s as fd %d: %w", fileops.Classify(entry.Name), entry.Name, fd, err)
	}
	if f.Ops == nil {
		files.Free(fd)
		return fmt.Errorf("open routine for %s installed no file operations", entry.Name)
	}
	if err := f.Ops.Open(f); err != nil {
		// The open routine may already hold a host handle.
		_ = f.Ops.Close(f)
		files.Free(fd)
		return fmt.Errorf("failed to open %s as fd %d: %w", entry.Name, fd, err)
	}
	return nil
}
