package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// state is the persisted task-state document.
type state struct {
	Tasks map[string]*Task `json:"tasks"`
}

// SaveState writes the whole arena to path as a JSON document of the shape
// {"tasks": {<id>: {...}}}. Parent directories are created as needed.
func (s *Scheduler) SaveState(path string) error {
	s.mu.RLock()
	doc := state{Tasks: make(map[string]*Task, len(s.tasks))}
	for id, t := range s.tasks {
		doc.Tasks[id] = t.Clone()
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write task state: %w", err)
	}
	s.logger.Info("task state saved", "path", path, "tasks", len(doc.Tasks))
	return nil
}

// LoadState re-hydrates tasks from a document written by SaveState. A missing
// file is not an error; the arena is simply left as-is.
func (s *Scheduler) LoadState(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no task state file", "path", path)
			return nil
		}
		return fmt.Errorf("read task state: %w", err)
	}

	var doc state
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse task state: %w", err)
	}

	s.mu.Lock()
	for id, t := range doc.Tasks {
		if t.ID == "" {
			t.ID = id
		}
		s.insert(t)
	}
	s.mu.Unlock()

	s.logger.Info("task state loaded", "path", path, "tasks", len(doc.Tasks))
	return nil
}
