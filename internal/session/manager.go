package session

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"driftsync/internal/crypto"
	"driftsync/internal/domain"
	"driftsync/internal/identity"
	"driftsync/internal/util/memzero"
)

type pendingOffer struct {
	ephPriv domain.X25519Private
	ephPub  domain.X25519Public
}

// Manager owns handshake state and established sessions, at most one of
// each per peer.
type Manager struct {
	log   *zap.Logger
	clock clockwork.Clock
	id    *identity.Service
	trust domain.TrustStore

	notify domain.Notifier

	mu       sync.Mutex
	pending  map[domain.PeerID]*pendingOffer
	sessions map[domain.PeerID]*domain.Session
}

func New(
	id *identity.Service,
	trust domain.TrustStore,
	clock clockwork.Clock,
	notify domain.Notifier,
	log *zap.Logger,
) *Manager {
	if notify == nil {
		notify = domain.NopNotifier
	}
	return &Manager{
		log:      log,
		clock:    clock,
		id:       id,
		trust:    trust,
		notify:   notify,
		pending:  make(map[domain.PeerID]*pendingOffer),
		sessions: make(map[domain.PeerID]*domain.Session),
	}
}

// Initiate starts a handshake with a trusted peer and returns the offer to
// send. ErrNotTrusted when no trust record exists for the peer's device.
func (m *Manager) Initiate(peer domain.PeerID, device domain.DeviceID) (domain.SessionOffer, error) {
	if _, ok, err := m.trust.LoadTrust(device); err != nil {
		return domain.SessionOffer{}, err
	} else if !ok {
		return domain.SessionOffer{}, fmt.Errorf("%w: %s", domain.ErrNotTrusted, device)
	}

	id, err := m.id.Identity()
	if err != nil {
		return domain.SessionOffer{}, err
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SessionOffer{}, err
	}
	sig, err := m.id.Sign(ephPub.Slice())
	if err != nil {
		return domain.SessionOffer{}, err
	}

	m.mu.Lock()
	m.pending[peer] = &pendingOffer{ephPriv: ephPriv, ephPub: ephPub}
	m.mu.Unlock()

	return domain.SessionOffer{
		DeviceID:     id.DeviceID,
		EphemeralKey: ephPub.Slice(),
		Signature:    sig,
	}, nil
}

// HandleOffer processes an incoming offer. The returned answer is nil when
// the tie-break says to ignore the offer (we are leader and our own offer
// stands). An offer from an untrusted device or with a bad signature
// produces an error and no session; the signature is checked before the
// tie-break touches any pending state, so a forged offer naming a trusted
// device cannot abort an in-flight handshake.
func (m *Manager) HandleOffer(peer domain.PeerID, offer domain.SessionOffer) (*domain.SessionAnswer, error) {
	id, err := m.id.Identity()
	if err != nil {
		return nil, err
	}
	peerEph, err := m.verifySigned(offer.DeviceID, offer.EphemeralKey, offer.Signature)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, haveOutstanding := m.pending[peer]
	if haveOutstanding {
		if id.DeviceID < offer.DeviceID {
			// Leader: our offer stands; the peer is expected to yield and
			// answer it.
			m.mu.Unlock()
			m.log.Debug("simultaneous offer, leading",
				zap.String("peer", string(peer)))
			return nil, nil
		}
		// Follower: abandon our offer and answer theirs.
		delete(m.pending, peer)
		m.log.Debug("simultaneous offer, yielding",
			zap.String("peer", string(peer)))
	}
	m.mu.Unlock()

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	shared, err := crypto.DH(ephPriv, peerEph)
	if err != nil {
		return nil, err
	}
	key := crypto.SessionKey(&shared, ephPub, peerEph)
	m.establish(peer, offer.DeviceID, key)

	sig, err := m.id.Sign(ephPub.Slice())
	if err != nil {
		return nil, err
	}
	return &domain.SessionAnswer{
		DeviceID:     id.DeviceID,
		EphemeralKey: ephPub.Slice(),
		Signature:    sig,
	}, nil
}

// HandleAnswer completes the handshake we initiated.
func (m *Manager) HandleAnswer(peer domain.PeerID, ans domain.SessionAnswer) error {
	m.mu.Lock()
	off, ok := m.pending[peer]
	if ok {
		delete(m.pending, peer)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: answer without outstanding offer from %s", domain.ErrProtocol, peer)
	}

	peerEph, err := m.verifySigned(ans.DeviceID, ans.EphemeralKey, ans.Signature)
	if err != nil {
		return err
	}
	shared, err := crypto.DH(off.ephPriv, peerEph)
	if err != nil {
		return err
	}
	key := crypto.SessionKey(&shared, off.ephPub, peerEph)
	m.establish(peer, ans.DeviceID, key)
	return nil
}

// verifySigned checks the signature over an ephemeral key against the trust
// record for the claimed device.
func (m *Manager) verifySigned(device domain.DeviceID, eph, sig []byte) (domain.X25519Public, error) {
	if len(eph) != 32 {
		return domain.X25519Public{}, fmt.Errorf("%w: ephemeral key length %d", domain.ErrProtocol, len(eph))
	}
	rec, ok, err := m.trust.LoadTrust(device)
	if err != nil {
		return domain.X25519Public{}, err
	}
	if !ok {
		return domain.X25519Public{}, fmt.Errorf("%w: %s", domain.ErrNotTrusted, device)
	}
	if !crypto.VerifyEd25519(rec.PublicKey, eph, sig) {
		return domain.X25519Public{}, fmt.Errorf("%w: handshake from %s", domain.ErrSignatureInvalid, device)
	}
	return domain.MustX25519Public(eph), nil
}

func (m *Manager) establish(peer domain.PeerID, device domain.DeviceID, key []byte) {
	m.mu.Lock()
	if old, ok := m.sessions[peer]; ok {
		memzero.Zero(old.Key)
	}
	m.sessions[peer] = &domain.Session{
		PeerID:        peer,
		DeviceID:      device,
		Key:           key,
		EstablishedAt: m.clock.Now(),
	}
	m.mu.Unlock()

	m.log.Info("session established", zap.String("peer", string(peer)))
	m.notify.Notify(domain.Event{Kind: domain.EventSessionEstablished, PeerID: peer, DeviceID: device})
}

// Get returns the established session for a peer.
func (m *Manager) Get(peer domain.PeerID) (domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// Pending reports whether we have an unanswered offer out to the peer.
func (m *Manager) Pending(peer domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[peer]
	return ok
}

// Drop destroys the session and any pending offer for the peer, wiping the
// key.
func (m *Manager) Drop(peer domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peer]; ok {
		memzero.Zero(s.Key)
		delete(m.sessions, peer)
	}
	delete(m.pending, peer)
}

// DropAll destroys every session, e.g. on idle teardown.
func (m *Manager) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, s := range m.sessions {
		memzero.Zero(s.Key)
		delete(m.sessions, peer)
	}
	for peer := range m.pending {
		delete(m.pending, peer)
	}
}
