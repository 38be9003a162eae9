// Package snapshot defines the self-contained process snapshot consumed by restore,
// together with its on-disk YAML form and an importer for CRIU image directories.
//
// A snapshot is immutable once handed to restore: the restore subsystem only ever
// borrows it by pointer and never writes to it.
package snapshot

import (
	"errors"
	"fmt"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// CommLen is the size of the process name buffer, terminator included.
	CommLen = 16

	// NSIG is the number of entries in the signal-action table.
	NSIG = 64

	// NrStdio is the number of conventional stdio descriptors every new process starts with.
	NrStdio = 3
)

// ErrInvalidSnapshot is wrapped by every Validate failure.
var ErrInvalidSnapshot = errors.New("invalid process snapshot")

// ProcessSnapshot is the thread-group shared state needed to rebuild a process.
type ProcessSnapshot struct {
	Comm    string          `json:"comm"`
	Files   []FileEntry     `json:"files"`
	Actions [NSIG]SigAction `json:"actions"`
	Blocked SigSet          `json:"blocked"`
}

// FileEntry records one open descriptor.
type FileEntry struct {
	FD    int    `yaml:"fd" json:"fd"`
	Name  string `yaml:"name" json:"name"`
	Flags uint32 `yaml:"flags" json:"flags"`
	Mode  uint32 `yaml:"mode" json:"mode"`
}

// SigAction is one entry of the signal-action table. Handler and Restorer are
// user-space addresses and are installed without interpretation.
type SigAction struct {
	Handler  uint64 `yaml:"handler" json:"handler"`
	Flags    uint64 `yaml:"flags,omitempty" json:"flags,omitempty"`
	Restorer uint64 `yaml:"restorer,omitempty" json:"restorer,omitempty"`
	Mask     SigSet `yaml:"mask,omitempty" json:"mask,omitempty"`
}

// IsZero reports whether the entry is the default action with no mask.
func (a SigAction) IsZero() bool {
	return a == SigAction{}
}

// NrFiles returns the number of recorded descriptors.
func (s *ProcessSnapshot) NrFiles() int {
	return len(s.Files)
}

// Action returns the action recorded for signal sig (1-based).
func (s *ProcessSnapshot) Action(sig int) (SigAction, bool) {
	if sig < 1 || sig > NSIG {
		return SigAction{}, false
	}
	return s.Actions[sig-1], true
}

// Validate checks the producer contract: a bounded non-empty name and descriptor
// numbers that a strictly sequential allocator reproduces.
func (s *ProcessSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	if s.Comm == "" {
		return fmt.Errorf("%w: comm is empty", ErrInvalidSnapshot)
	}
	if len(s.Comm) >= CommLen {
		return fmt.Errorf("%w: comm %q exceeds %d bytes", ErrInvalidSnapshot, s.Comm, CommLen-1)
	}
	for i, f := range s.Files {
		if f.FD != i {
			return fmt.Errorf("%w: descriptor %d recorded at index %d is not sequential", ErrInvalidSnapshot, f.FD, i)
		}
		if f.Name == "" {
			return fmt.Errorf("%w: descriptor %d has no path", ErrInvalidSnapshot, f.FD)
		}
	}
	return nil
}

// SigSet is a signal mask; bit sig-1 represents signal sig.
type SigSet uint64

// Has reports whether sig is a member of the set.
func (s SigSet) Has(sig int) bool {
	if sig < 1 || sig > NSIG {
		return false
	}
	return s&(1<<uint(sig-1)) != 0
}

// Add returns the set with sig added.
func (s SigSet) Add(sig int) SigSet {
	if sig < 1 || sig > NSIG {
		return s
	}
	return s | 1<<uint(sig-1)
}

// Signals returns the members in ascending order.
func (s SigSet) Signals() []int {
	var out []int
	for sig := 1; sig <= NSIG; sig++ {
		if s.Has(sig) {
			out = append(out, sig)
		}
	}
	return out
}

// SignalName returns the conventional name of sig, or its decimal form for
// signals without one (the real-time range).
func SignalName(sig int) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return strconv.Itoa(sig)
}

// ParseSignal accepts either a conventional name ("SIGINT") or a decimal number.
func ParseSignal(name string) (int, error) {
	if sig := unix.SignalNum(name); sig != 0 {
		return int(sig), nil
	}
	n, err := strconv.Atoi(name)
	if err != nil || n < 1 || n > NSIG {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return n, nil
}

// MarshalYAML encodes the set as a list of signal names.
func (s SigSet) MarshalYAML() (interface{}, error) {
	sigs := s.Signals()
	names := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		names = append(names, SignalName(sig))
	}
	return names, nil
}

// UnmarshalYAML decodes a list of signal names or numbers.
func (s *SigSet) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	var set SigSet
	for _, name := range names {
		sig, err := ParseSignal(name)
		if err != nil {
			return err
		}
		set = set.Add(sig)
	}
	*s = set
	return nil
}
