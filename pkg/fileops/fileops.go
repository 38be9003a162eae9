// Package fileops provides the path-classified open routines used when a
// descriptor is reopened: process-information pseudo-files, system pseudo-files,
// and regular files.
package fileops

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/linlinhaohao888/LegoOS/pkg/fdtable"
)

// Kind is the category a path falls into.
type Kind int

const (
	KindRegular Kind = iota
	KindProc
	KindSys
)

func (k Kind) String() string {
	switch k {
	case KindProc:
		return "proc"
	case KindSys:
		return "sys"
	default:
		return "regular"
	}
}

// IsProcFile reports whether name lives under /proc.
func IsProcFile(name string) bool {
	return name == "/proc" || strings.HasPrefix(name, "/proc/")
}

// IsSysFile reports whether name lives under /sys.
func IsSysFile(name string) bool {
	return name == "/sys" || strings.HasPrefix(name, "/sys/")
}

// Classify returns exactly one Kind for name.
func Classify(name string) Kind {
	switch {
	case IsProcFile(name):
		return KindProc
	case IsSysFile(name):
		return KindSys
	default:
		return KindRegular
	}
}

// Opener holds the three open contracts. Each call resolves f.Name, installs
// f.Ops, and reports success or failure for that single descriptor.
type Opener interface {
	OpenProc(f *fdtable.File) error
	OpenSys(f *fdtable.File) error
	OpenRegular(f *fdtable.File) error
}

// Open dispatches f to the routine matching its classification.
func Open(o Opener, f *fdtable.File) error {
	switch Classify(f.Name) {
	case KindProc:
		return o.OpenProc(f)
	case KindSys:
		return o.OpenSys(f)
	default:
		return o.OpenRegular(f)
	}
}

// Generator produces the content of a pseudo-file at open time.
type Generator func() []byte

// HostOpener serves pseudo-files from registered generators and regular files
// from a directory on the host.
type HostOpener struct {
	root string

	mu   sync.RWMutex
	proc map[string]Generator
	sys  map[string]Generator
}

// NewHostOpener returns an opener whose regular files resolve under root.
func NewHostOpener(root string) *HostOpener {
	o := &HostOpener{
		root: root,
		proc: make(map[string]Generator),
		sys:  make(map[string]Generator),
	}
	o.Register("/proc/version", func() []byte { return []byte("pnode " + runtime.Version() + "\n") })
	o.Register("/sys/devices/system/cpu/online", func() []byte {
		return []byte(fmt.Sprintf("0-%d\n", runtime.NumCPU()-1))
	})
	return o
}

// Register installs a generator for a /proc or /sys path. Other paths are ignored.
func (o *HostOpener) Register(name string, gen Generator) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch Classify(name) {
	case KindProc:
		o.proc[name] = gen
	case KindSys:
		o.sys[name] = gen
	}
}

func (o *HostOpener) OpenProc(f *fdtable.File) error {
	return o.openPseudo(o.proc, f)
}

func (o *HostOpener) OpenSys(f *fdtable.File) error {
	return o.openPseudo(o.sys, f)
}

func (o *HostOpener) openPseudo(gens map[string]Generator, f *fdtable.File) error {
	o.mu.RLock()
	gen, ok := gens[f.Name]
	o.mu.RUnlock()
	if !ok {
		return &fs.PathError{Op: "open", Path: f.Name, Err: fs.ErrNotExist}
	}
	f.Ops = pseudoOps{gen: gen}
	return nil
}

// creationFlags only take effect at the original open. Reapplying them would
// truncate the file or refuse one that exists.
const creationFlags = unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC

// OpenRegular opens the existing file f.Name beneath the host root with the
// recorded access flags. f.Flags is left as recorded.
func (o *HostOpener) OpenRegular(f *fdtable.File) error {
	hostPath, err := securejoin.SecureJoin(o.root, f.Name)
	if err != nil {
		return fmt.Errorf("failed to resolve %s under %s: %w", f.Name, o.root, err)
	}
	file, err := os.OpenFile(hostPath, int(f.Flags&^creationFlags), 0)
	if err != nil {
		return err
	}
	f.Private = file
	f.Ops = regularOps{}
	return nil
}

type pseudoOps struct {
	gen Generator
}

func (p pseudoOps) Open(f *fdtable.File) error {
	f.Private = bytes.NewReader(p.gen())
	return nil
}

func (pseudoOps) Read(f *fdtable.File, buf []byte) (int, error) {
	r, ok := f.Private.(*bytes.Reader)
	if !ok {
		return 0, io.EOF
	}
	return r.Read(buf)
}

func (pseudoOps) Close(f *fdtable.File) error {
	f.Private = nil
	return nil
}

type regularOps struct{}

func (regularOps) Open(*fdtable.File) error { return nil }

func (regularOps) Read(f *fdtable.File, buf []byte) (int, error) {
	file, ok := f.Private.(*os.File)
	if !ok {
		return 0, os.ErrClosed
	}
	return file.Read(buf)
}

func (regularOps) Close(f *fdtable.File) error {
	file, ok := f.Private.(*os.File)
	if !ok {
		return nil
	}
	f.Private = nil
	return file.Close()
}
