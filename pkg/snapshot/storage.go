package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Filename is the name of the snapshot file inside a snapshot directory.
const Filename = "snapshot.yaml"

// fileForm is the on-disk layout. Only non-default signal actions are stored,
// keyed by signal name.
type fileForm struct {
	Comm    string               `yaml:"comm"`
	Files   []FileEntry          `yaml:"files"`
	Actions map[string]SigAction `yaml:"actions,omitempty"`
	Blocked SigSet               `yaml:"blocked,omitempty"`
}

// Marshal encodes a snapshot to YAML.
func Marshal(s *ProcessSnapshot) ([]byte, error) {
	form := fileForm{
		Comm:    s.Comm,
		Files:   s.Files,
		Blocked: s.Blocked,
	}
	for i, action := range s.Actions {
		if action.IsZero() {
			continue
		}
		if form.Actions == nil {
			form.Actions = make(map[string]SigAction)
		}
		form.Actions[SignalName(i+1)] = action
	}
	return yaml.Marshal(&form)
}

// Unmarshal decodes and validates a YAML snapshot.
func Unmarshal(content []byte) (*ProcessSnapshot, error) {
	var form fileForm
	if err := yaml.Unmarshal(content, &form); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process snapshot: %w", err)
	}

	s := &ProcessSnapshot{
		Comm:    form.Comm,
		Files:   form.Files,
		Blocked: form.Blocked,
	}
	for name, action := range form.Actions {
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal process snapshot: %w", err)
		}
		s.Actions[sig-1] = action
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write writes the snapshot file into dir.
func Write(dir string, s *ProcessSnapshot) error {
	content, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal process snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, Filename), content, 0600); err != nil {
		return fmt.Errorf("failed to write process snapshot: %w", err)
	}
	return nil
}

// Read reads the snapshot file from dir.
func Read(dir string) (*ProcessSnapshot, error) {
	content, err := os.ReadFile(filepath.Join(dir, Filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read process snapshot: %w", err)
	}
	return Unmarshal(content)
}
