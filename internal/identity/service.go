package identity

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftsync/internal/crypto"
	"driftsync/internal/domain"
)

// Service creates, loads and uses the local identity through a backing
// store. Sign fails with ErrNotInitialized until Generate or LoadOrGenerate
// has run.
type Service struct {
	store domain.IdentityStore
	log   *zap.Logger

	mu      sync.RWMutex
	current *domain.Identity
}

func New(store domain.IdentityStore, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

// Generate creates a fresh identity, persists it under the passphrase and
// returns it with the fingerprint of its public key.
func (s *Service) Generate(passphrase string) (domain.Identity, domain.Fingerprint, error) {
	priv, pub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	id := domain.Identity{
		DeviceID: domain.DeviceID(uuid.NewString()),
		EdPub:    pub,
		EdPriv:   priv,
	}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		return domain.Identity{}, "", err
	}

	s.mu.Lock()
	s.current = &id
	s.mu.Unlock()

	s.log.Info("identity generated", zap.String("device", string(id.DeviceID)))
	return id, domain.Fingerprint(crypto.Fingerprint(pub.Slice())), nil
}

// Load restores the persisted identity. ErrNotInitialized when none exists.
func (s *Service) Load(passphrase string) (domain.Identity, error) {
	id, ok, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok {
		return domain.Identity{}, domain.ErrNotInitialized
	}

	s.mu.Lock()
	s.current = &id
	s.mu.Unlock()
	return id, nil
}

// LoadOrGenerate reuses the persisted identity when one exists, otherwise
// generates one.
func (s *Service) LoadOrGenerate(passphrase string) (domain.Identity, error) {
	id, ok, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok {
		id, _, err = s.Generate(passphrase)
		return id, err
	}

	s.mu.Lock()
	s.current = &id
	s.mu.Unlock()
	return id, nil
}

// Identity returns the loaded identity.
func (s *Service) Identity() (domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return domain.Identity{}, domain.ErrNotInitialized
	}
	return *s.current, nil
}

// Sign signs msg with the long-term key.
func (s *Service) Sign(msg []byte) ([]byte, error) {
	id, err := s.Identity()
	if err != nil {
		return nil, err
	}
	return crypto.SignEd25519(id.EdPriv, msg), nil
}

// Verify checks sig over msg against pub. Verification failures return
// false, never an error.
func (s *Service) Verify(pub domain.Ed25519Public, msg, sig []byte) bool {
	return crypto.VerifyEd25519(pub, msg, sig)
}

// Fingerprint returns the short fingerprint of the local public key.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	id, err := s.Identity()
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(id.EdPub.Slice())), nil
}
