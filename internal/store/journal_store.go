package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"driftsync/internal/domain"
)

const journalFile = "journal.json"

type journalSnapshot struct {
	Sequence uint64                `json:"sequence"`
	Entries  []domain.JournalEntry `json:"entries"`
}

// JournalFileStore persists the change journal so sequence numbers and
// tombstones survive restarts.
type JournalFileStore struct {
	dir string
	mu  sync.Mutex
}

func NewJournalFileStore(dir string) *JournalFileStore {
	return &JournalFileStore{dir: dir}
}

func (s *JournalFileStore) SaveJournal(entries []domain.JournalEntry, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(journalSnapshot{Sequence: sequence, Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(s.dir, journalFile), bytes.NewReader(b))
}

func (s *JournalFileStore) LoadJournal() ([]domain.JournalEntry, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, journalFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var snap journalSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, 0, err
	}
	return snap.Entries, snap.Sequence, nil
}

var _ domain.JournalStore = (*JournalFileStore)(nil)
