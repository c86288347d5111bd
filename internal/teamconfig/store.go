// Package teamconfig validates uploaded team configurations and stores them as
// single-use files the team runner can read.
package teamconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	filePrefix = "team-"
	fileSuffix = ".json"
)

// Participant summarizes one agent of a team for display.
type Participant struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Handle references a stored team configuration.
type Handle struct {
	ID               string        `json:"id"`
	Path             string        `json:"-"`
	ParticipantCount int           `json:"participant_count"`
	Participants     []Participant `json:"participants"`
	CreatedAt        time.Time     `json:"created_at"`
}

// FileName returns the base name of the backing file.
func (h *Handle) FileName() string {
	return filepath.Base(h.Path)
}

// Store writes validated team configurations into a directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create team config directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Validate checks the two-key shape of a team configuration without writing
// anything. It returns the participant summary on success.
func Validate(data []byte) ([]Participant, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	doc := gjson.ParseBytes(data)

	cfg := doc.Get("config")
	if !doc.IsObject() || !cfg.Exists() {
		return nil, &SchemaError{Field: "config", Reason: "is missing"}
	}
	if !cfg.IsObject() {
		return nil, &SchemaError{Field: "config", Reason: "must be an object"}
	}

	participants := cfg.Get("participants")
	if !participants.Exists() {
		return nil, &SchemaError{Field: "config.participants", Reason: "is missing"}
	}
	if !participants.IsArray() || len(participants.Array()) == 0 {
		return nil, &SchemaError{Field: "config.participants", Reason: errNoParticipantList}
	}

	var summary []Participant
	for i, p := range participants.Array() {
		summary = append(summary, summarize(i, p))
	}
	return summary, nil
}

func summarize(i int, p gjson.Result) Participant {
	name := p.Get("config.name").String()
	if name == "" {
		name = fmt.Sprintf("Agent_%d", i+1)
	}
	provider := p.Get("provider").String()
	if provider == "" {
		provider = "Unknown"
	}
	if idx := strings.LastIndex(provider, "."); idx >= 0 {
		provider = provider[idx+1:]
	}
	return Participant{Name: name, Provider: provider}
}

// Submit validates data and persists it to a fresh file. Nothing is written
// when validation fails.
func (s *Store) Submit(data []byte) (*Handle, error) {
	participants, err := Validate(data)
	if err != nil {
		return nil, err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	id := uuid.NewString()
	path := filepath.Join(s.dir, filePrefix+id+fileSuffix)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create team config file: %w", err)
	}
	if _, err := f.Write(pretty.Bytes()); err != nil {
		_ = f.Close()
		s.removeQuietly(path)
		return nil, fmt.Errorf("write team config file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.removeQuietly(path)
		return nil, fmt.Errorf("close team config file: %w", err)
	}

	s.logger.Info("Team config saved", "file", filepath.Base(path), "participants", len(participants))

	return &Handle{
		ID:               id,
		Path:             path,
		ParticipantCount: len(participants),
		Participants:     participants,
		CreatedAt:        time.Now(),
	}, nil
}

// Release deletes the file behind h. Releasing a nil handle or an already
// deleted file is a no-op.
func (s *Store) Release(h *Handle) error {
	if h == nil || h.Path == "" {
		return nil
	}
	return s.ReleasePath(h.Path)
}

// ReleasePath deletes a stored file by path. Paths outside the store
// directory are refused.
func (s *Store) ReleasePath(path string) error {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return fmt.Errorf("refusing to release %s: outside %s", path, s.dir)
	}
	err := os.Remove(path)
	if err == nil {
		s.logger.Info("Cleaned up team config", "file", filepath.Base(path))
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove team config file: %w", err)
}

// Purge removes every stored file left behind by a previous process.
func (s *Store) Purge() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return 0, fmt.Errorf("list team config files: %w", err)
	}
	removed := 0
	for _, path := range matches {
		if err := s.ReleasePath(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove partial team config", "file", filepath.Base(path), "error", err)
	}
}
