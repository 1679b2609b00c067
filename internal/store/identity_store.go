package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"driftsync/internal/crypto"
	"driftsync/internal/domain"
)

const identityFile = "identity.enc"

// IdentityFileStore keeps the long-term identity on disk, sealed with a
// passphrase-derived key.
type IdentityFileStore struct {
	dir string
	mu  sync.Mutex
}

func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir}
}

func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	blob, err := crypto.EncryptSecret(passphrase, raw)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, identityFile), blob, 0o600)
}

func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(filepath.Join(s.dir, identityFile))
	if errors.Is(err, os.ErrNotExist) {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, err
	}
	raw, err := crypto.DecryptSecret(passphrase, blob)
	if err != nil {
		return domain.Identity{}, false, err
	}
	var id domain.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return domain.Identity{}, false, err
	}
	return id, true, nil
}

var _ domain.IdentityStore = (*IdentityFileStore)(nil)
