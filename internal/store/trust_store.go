package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"driftsync/internal/domain"
)

const trustFile = "trust.json"

// TrustFileStore persists trust records as a single JSON map keyed by
// device id. Every mutation rewrites the file atomically.
type TrustFileStore struct {
	dir string
	mu  sync.Mutex
}

func NewTrustFileStore(dir string) *TrustFileStore {
	return &TrustFileStore{dir: dir}
}

func (s *TrustFileStore) SaveTrust(rec domain.TrustRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read()
	if err != nil {
		return err
	}
	m[rec.DeviceID] = rec
	return s.write(m)
}

func (s *TrustFileStore) LoadTrust(device domain.DeviceID) (domain.TrustRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read()
	if err != nil {
		return domain.TrustRecord{}, false, err
	}
	rec, ok := m[device]
	return rec, ok, nil
}

func (s *TrustFileStore) DeleteTrust(device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := m[device]; !ok {
		return nil
	}
	delete(m, device)
	return s.write(m)
}

func (s *TrustFileStore) ListTrust() ([]domain.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]domain.TrustRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *TrustFileStore) read() (map[domain.DeviceID]domain.TrustRecord, error) {
	m := make(map[domain.DeviceID]domain.TrustRecord)
	data, err := os.ReadFile(filepath.Join(s.dir, trustFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *TrustFileStore) write(m map[domain.DeviceID]domain.TrustRecord) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(s.dir, trustFile), bytes.NewReader(b))
}

var _ domain.TrustStore = (*TrustFileStore)(nil)
