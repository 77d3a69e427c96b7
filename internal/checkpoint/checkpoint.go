// Package checkpoint persists a one-shot restart checkpoint so the bot can
// wake with context after a planned restart.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the checkpoint file name under the base directory.
const FileName = "checkpoint.yaml"

// WakeContext describes what the bot was doing before the restart.
type WakeContext struct {
	Prompt      string `yaml:"prompt"`
	PendingWork string `yaml:"pending_work,omitempty"`
}

// Checkpoint is the on-disk restart record. At most one is valid at
// startup; it is deleted after consumption.
type Checkpoint struct {
	SessionID     string      `yaml:"session_id"`
	RestartReason string      `yaml:"restart_reason"`
	WakeContext   WakeContext `yaml:"wake_context"`
}

// valid reports whether the required fields parsed.
func (c *Checkpoint) valid() bool {
	return c.SessionID != "" && c.RestartReason != "" && c.WakeContext.Prompt != ""
}

// Store reads and writes the checkpoint file in a base directory.
type Store struct {
	path string
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{path: filepath.Join(baseDir, FileName)}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

// Write persists a checkpoint, replacing any previous one.
func (s *Store) Write(cp *Checkpoint) error {
	if !cp.valid() {
		return errors.New("checkpoint: missing required fields")
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint if one exists. Returns (nil, nil) when there is
// no file or the file does not parse into a valid checkpoint; a half-written
// checkpoint must not block startup.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, nil
	}
	if !cp.valid() {
		return nil, nil
	}
	return &cp, nil
}

// Delete removes the checkpoint file. Missing file is not an error.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// WakePrompt renders the one-shot wake prompt injected into a fresh session.
func (c *Checkpoint) WakePrompt() string {
	var b strings.Builder
	b.WriteString("You were restarted (")
	b.WriteString(c.RestartReason)
	b.WriteString("). Context from before the restart:\n")
	b.WriteString(c.WakeContext.Prompt)
	if c.WakeContext.PendingWork != "" {
		b.WriteString("\n\nPending work:\n")
		b.WriteString(c.WakeContext.PendingWork)
	}
	return b.String()
}
