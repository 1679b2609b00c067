package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"driftsync/internal/crypto"
	"driftsync/internal/domain"
	"driftsync/internal/identity"
)

const (
	// CodeLength digits, displayed to the user on the responder.
	CodeLength = 6
	// CodeTTL is how long an issued code stays valid. Issuing a new code
	// supersedes the old one immediately.
	CodeTTL = 60 * time.Second
	// ResponseTimeout bounds how long an initiator waits for an answer.
	ResponseTimeout = 10 * time.Second
)

// Service drives both sides of the pairing protocol. At most one code is
// active locally at a time.
type Service struct {
	log    *zap.Logger
	clock  clockwork.Clock
	id     *identity.Service
	trust  domain.TrustStore
	notify domain.Notifier

	name    string
	timeout time.Duration

	mu      sync.Mutex
	active  *domain.PairingChallenge
	pending map[string]chan domain.PairingResponse // requestId → waiter
}

func New(
	id *identity.Service,
	trust domain.TrustStore,
	name string,
	clock clockwork.Clock,
	notify domain.Notifier,
	log *zap.Logger,
) *Service {
	if notify == nil {
		notify = domain.NopNotifier
	}
	return &Service{
		log:     log,
		clock:   clock,
		id:      id,
		trust:   trust,
		notify:  notify,
		name:    name,
		timeout: ResponseTimeout,
		pending: make(map[string]chan domain.PairingResponse),
	}
}

// IssueCode generates a fresh numeric code and makes it the single active
// challenge, invalidating any previous one.
func (s *Service) IssueCode() (domain.PairingChallenge, error) {
	code, err := randomCode()
	if err != nil {
		return domain.PairingChallenge{}, err
	}
	ch := domain.PairingChallenge{
		Code:      code,
		ExpiresAt: s.clock.Now().Add(CodeTTL),
	}
	s.mu.Lock()
	s.active = &ch
	s.mu.Unlock()
	s.log.Info("pairing code issued", zap.Time("expires", ch.ExpiresAt))
	return ch, nil
}

// ActiveCode returns the current unexpired challenge, if any.
func (s *Service) ActiveCode() (domain.PairingChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || !s.clock.Now().Before(s.active.ExpiresAt) {
		return domain.PairingChallenge{}, false
	}
	return *s.active, true
}

// VerifyCodeShape reports whether a string looks like a pairing code:
// exactly six decimal digits.
func VerifyCodeShape(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Pair runs the initiator side: send the request over conn and wait for the
// signed response. On success the responder's trust record is persisted.
// The caller must route inbound PairingResponse messages to HandleResponse.
func (s *Service) Pair(ctx context.Context, conn domain.MessageSender, code string) (domain.TrustRecord, error) {
	id, err := s.id.Identity()
	if err != nil {
		return domain.TrustRecord{}, err
	}

	req := domain.PairingRequest{
		RequestID:   uuid.NewString(),
		DeviceID:    id.DeviceID,
		Name:        s.name,
		PublicKey:   id.EdPub.Slice(),
		PairingCode: code,
	}

	waiter := make(chan domain.PairingResponse, 1)
	s.mu.Lock()
	s.pending[req.RequestID] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
	}()

	if err := conn.Send(req); err != nil {
		return domain.TrustRecord{}, err
	}

	select {
	case resp := <-waiter:
		return s.finishPair(req, resp)
	case <-s.clock.After(s.timeout):
		return domain.TrustRecord{}, domain.ErrPairingTimeout
	case <-ctx.Done():
		return domain.TrustRecord{}, ctx.Err()
	}
}

func (s *Service) finishPair(req domain.PairingRequest, resp domain.PairingResponse) (domain.TrustRecord, error) {
	if resp.Status == domain.PairingRejected {
		return domain.TrustRecord{}, domain.ErrPairingRejected
	}
	if resp.Status != domain.PairingAccepted {
		return domain.TrustRecord{}, fmt.Errorf("%w: pairing status %q", domain.ErrProtocol, resp.Status)
	}
	if len(resp.PublicKey) != 32 {
		return domain.TrustRecord{}, fmt.Errorf("%w: responder key length %d", domain.ErrProtocol, len(resp.PublicKey))
	}

	// The signature must cover our request id and our public key, under the
	// key the responder claims. A response forged for another request fails
	// here and leaves no trust behind.
	responderKey := domain.MustEd25519Public(resp.PublicKey)
	if !crypto.VerifyEd25519(responderKey, signedPayload(req.RequestID, req.PublicKey), resp.Signature) {
		return domain.TrustRecord{}, domain.ErrSignatureInvalid
	}

	rec := domain.TrustRecord{
		DeviceID:  resp.DeviceID,
		Name:      resp.Name,
		PublicKey: responderKey,
		PairedAt:  s.clock.Now(),
	}
	if err := s.trust.SaveTrust(rec); err != nil {
		return domain.TrustRecord{}, err
	}
	s.log.Info("paired", zap.String("device", string(rec.DeviceID)), zap.String("name", rec.Name))
	s.notify.Notify(domain.Event{Kind: domain.EventPairingSuccess, DeviceID: rec.DeviceID, Detail: rec.Name})
	return rec, nil
}

// HandleRequest runs the responder side. A matching, unexpired code yields
// a signed acceptance and persists the initiator's trust record. Anything
// else is silently dropped (nil response): a wrong code learns nothing.
func (s *Service) HandleRequest(req domain.PairingRequest) (*domain.PairingResponse, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil || !s.clock.Now().Before(active.ExpiresAt) {
		s.log.Debug("pairing request with no active code", zap.String("device", string(req.DeviceID)))
		return nil, nil
	}
	if req.PairingCode != active.Code {
		s.log.Debug("pairing request with wrong code", zap.String("device", string(req.DeviceID)))
		return nil, nil
	}
	if len(req.PublicKey) != 32 {
		return nil, fmt.Errorf("%w: initiator key length %d", domain.ErrProtocol, len(req.PublicKey))
	}

	id, err := s.id.Identity()
	if err != nil {
		return nil, err
	}
	sig, err := s.id.Sign(signedPayload(req.RequestID, req.PublicKey))
	if err != nil {
		return nil, err
	}

	rec := domain.TrustRecord{
		DeviceID:  req.DeviceID,
		Name:      req.Name,
		PublicKey: domain.MustEd25519Public(req.PublicKey),
		PairedAt:  s.clock.Now(),
	}
	if err := s.trust.SaveTrust(rec); err != nil {
		return nil, err
	}

	// The code served its purpose; retire it so it cannot be replayed.
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	s.log.Info("pairing accepted", zap.String("device", string(req.DeviceID)), zap.String("name", req.Name))
	s.notify.Notify(domain.Event{Kind: domain.EventPairingSuccess, DeviceID: rec.DeviceID, Detail: rec.Name})

	return &domain.PairingResponse{
		RequestID: req.RequestID,
		DeviceID:  id.DeviceID,
		Name:      s.name,
		PublicKey: id.EdPub.Slice(),
		Signature: sig,
		Status:    domain.PairingAccepted,
	}, nil
}

// HandleResponse routes an inbound response to the waiting Pair call.
// Responses nobody is waiting for are dropped.
func (s *Service) HandleResponse(resp domain.PairingResponse) {
	s.mu.Lock()
	waiter, ok := s.pending[resp.RequestID]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("pairing response without pending request", zap.String("request", resp.RequestID))
		return
	}
	select {
	case waiter <- resp:
	default:
	}
}

func signedPayload(requestID string, initiatorKey []byte) []byte {
	payload := make([]byte, 0, len(requestID)+len(initiatorKey))
	payload = append(payload, requestID...)
	return append(payload, initiatorKey...)
}

func randomCode() (string, error) {
	// Uniform in [100000, 999999]: always six digits, no leading zero.
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
