package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionRecord is the persisted view of a session: enough to list and
// resume it, nothing about live pipeline state.
type SessionRecord struct {
	ID         string    `yaml:"id"`
	Title      string    `yaml:"title,omitempty"`
	WorkingDir string    `yaml:"working_dir"`
	Mode       string    `yaml:"mode"`
	CreatedAt  time.Time `yaml:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

// SessionStore persists session records as one yaml file per session.
type SessionStore struct {
	dir string
}

// NewSessionStore creates a store rooted at dir, creating it if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session store dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (s *SessionStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// Save writes or replaces a session record.
func (s *SessionStore) Save(rec *SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record missing id")
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", rec.ID, err)
	}

	// Write-then-rename so a crash never leaves a truncated record.
	tmp := s.recordPath(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.recordPath(rec.ID))
}

// Read loads one session record. Returns os.ErrNotExist for unknown ids.
func (s *SessionStore) Read(id string) (*SessionRecord, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	return &rec, nil
}

// List returns all stored records, most recently updated first. Unreadable
// records are skipped.
func (s *SessionStore) List() ([]*SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []*SessionRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		rec, err := s.Read(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Delete removes a session record. Deleting an unknown id is not an error.
func (s *SessionStore) Delete(id string) error {
	err := os.Remove(s.recordPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
