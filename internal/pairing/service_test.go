package pairing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"driftsync/internal/domain"
	"driftsync/internal/identity"
	"driftsync/internal/pairing"
)

type memIDStore struct {
	id *domain.Identity
}

func (m *memIDStore) SaveIdentity(_ string, id domain.Identity) error {
	m.id = &id
	return nil
}

func (m *memIDStore) LoadIdentity(_ string) (domain.Identity, bool, error) {
	if m.id == nil {
		return domain.Identity{}, false, nil
	}
	return *m.id, true, nil
}

type memTrustStore struct {
	mu   sync.Mutex
	recs map[domain.DeviceID]domain.TrustRecord
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{recs: make(map[domain.DeviceID]domain.TrustRecord)}
}

func (m *memTrustStore) SaveTrust(rec domain.TrustRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.DeviceID] = rec
	return nil
}

func (m *memTrustStore) LoadTrust(device domain.DeviceID) (domain.TrustRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[device]
	return rec, ok, nil
}

func (m *memTrustStore) DeleteTrust(device domain.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, device)
	return nil
}

func (m *memTrustStore) ListTrust() ([]domain.TrustRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TrustRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out, nil
}

type side struct {
	id    *identity.Service
	self  domain.Identity
	trust *memTrustStore
	svc   *pairing.Service
}

func newSide(t *testing.T, name string, clock clockwork.Clock) *side {
	t.Helper()
	idsvc := identity.New(&memIDStore{}, zaptest.NewLogger(t))
	self, _, err := idsvc.Generate("pw")
	require.NoError(t, err)
	trust := newMemTrustStore()
	return &side{
		id:    idsvc,
		self:  self,
		trust: trust,
		svc:   pairing.New(idsvc, trust, name, clock, nil, zaptest.NewLogger(t)),
	}
}

// loopback delivers the initiator's request straight to the responder and
// routes the answer back, all synchronously.
type loopback struct {
	t         *testing.T
	initiator *pairing.Service
	responder *pairing.Service
}

func (l *loopback) Send(msg any) error {
	req, ok := msg.(domain.PairingRequest)
	if !ok {
		l.t.Fatalf("unexpected message %T", msg)
	}
	resp, err := l.responder.HandleRequest(req)
	if err != nil {
		return err
	}
	if resp != nil {
		l.initiator.HandleResponse(*resp)
	}
	return nil
}

func TestPairHappyPath(t *testing.T) {
	clock := clockwork.NewFakeClock()
	alice := newSide(t, "alice-laptop", clock)
	bob := newSide(t, "bob-desktop", clock)

	challenge, err := bob.svc.IssueCode()
	require.NoError(t, err)
	require.True(t, pairing.VerifyCodeShape(challenge.Code))

	conn := &loopback{t: t, initiator: alice.svc, responder: bob.svc}
	rec, err := alice.svc.Pair(context.Background(), conn, challenge.Code)
	require.NoError(t, err)

	// Alice trusts Bob under his real key, and vice versa.
	require.Equal(t, bob.self.DeviceID, rec.DeviceID)
	require.Equal(t, bob.self.EdPub, rec.PublicKey)
	require.Equal(t, "bob-desktop", rec.Name)

	got, ok, err := bob.trust.LoadTrust(alice.self.DeviceID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alice.self.EdPub, got.PublicKey)
	require.Equal(t, "alice-laptop", got.Name)

	// The code is single-use.
	_, ok = bob.svc.ActiveCode()
	require.False(t, ok)
}

func TestWrongCodeSilentlyDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bob := newSide(t, "bob", clock)

	_, err := bob.svc.IssueCode()
	require.NoError(t, err)

	resp, err := bob.svc.HandleRequest(domain.PairingRequest{
		RequestID:   "r1",
		DeviceID:    "mallory",
		PublicKey:   make([]byte, 32),
		PairingCode: "000000",
	})
	require.NoError(t, err)
	require.Nil(t, resp)

	// No trust was recorded and the code survives for the real initiator.
	_, ok, err := bob.trust.LoadTrust("mallory")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok = bob.svc.ActiveCode()
	require.True(t, ok)
}

func TestExpiredCodeRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bob := newSide(t, "bob", clock)

	challenge, err := bob.svc.IssueCode()
	require.NoError(t, err)

	clock.Advance(pairing.CodeTTL + time.Second)
	_, ok := bob.svc.ActiveCode()
	require.False(t, ok)

	resp, err := bob.svc.HandleRequest(domain.PairingRequest{
		RequestID:   "r1",
		DeviceID:    "late",
		PublicKey:   make([]byte, 32),
		PairingCode: challenge.Code,
	})
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestIssueCodeSupersedesPrevious(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bob := newSide(t, "bob", clock)

	first, err := bob.svc.IssueCode()
	require.NoError(t, err)
	second, err := bob.svc.IssueCode()
	require.NoError(t, err)

	if first.Code != second.Code {
		resp, err := bob.svc.HandleRequest(domain.PairingRequest{
			RequestID:   "r1",
			DeviceID:    "d1",
			PublicKey:   make([]byte, 32),
			PairingCode: first.Code,
		})
		require.NoError(t, err)
		require.Nil(t, resp)
	}

	active, ok := bob.svc.ActiveCode()
	require.True(t, ok)
	require.Equal(t, second.Code, active.Code)
}

// forgedSender answers with a signature over the wrong request id.
type forgedSender struct {
	t         *testing.T
	initiator *pairing.Service
	responder *pairing.Service
}

func (f *forgedSender) Send(msg any) error {
	req := msg.(domain.PairingRequest)
	forged := req
	forged.RequestID = "some-other-request"
	resp, err := f.responder.HandleRequest(forged)
	if err != nil {
		return err
	}
	require.NotNil(f.t, resp)
	// Deliver under the real request id so the waiter picks it up.
	resp.RequestID = req.RequestID
	f.initiator.HandleResponse(*resp)
	return nil
}

func TestForgedResponseLeavesNoTrust(t *testing.T) {
	clock := clockwork.NewFakeClock()
	alice := newSide(t, "alice", clock)
	bob := newSide(t, "bob", clock)

	challenge, err := bob.svc.IssueCode()
	require.NoError(t, err)

	conn := &forgedSender{t: t, initiator: alice.svc, responder: bob.svc}
	_, err = alice.svc.Pair(context.Background(), conn, challenge.Code)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, ok, err := alice.trust.LoadTrust(bob.self.DeviceID)
	require.NoError(t, err)
	require.False(t, ok)
}

type dropSender struct{}

func (dropSender) Send(any) error { return nil }

func TestPairTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	alice := newSide(t, "alice", clock)

	errs := make(chan error, 1)
	go func() {
		_, err := alice.svc.Pair(context.Background(), dropSender{}, "123456")
		errs <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(pairing.ResponseTimeout + time.Second)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, domain.ErrPairingTimeout)
	case <-time.After(time.Second):
		t.Fatal("pair did not time out")
	}
}

func TestPairHonoursContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	alice := newSide(t, "alice", clock)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := alice.svc.Pair(ctx, dropSender{}, "123456")
		errs <- err
	}()

	clock.BlockUntil(1)
	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pair ignored cancellation")
	}
}

func TestVerifyCodeShape(t *testing.T) {
	require.True(t, pairing.VerifyCodeShape("123456"))
	require.False(t, pairing.VerifyCodeShape("12345"))
	require.False(t, pairing.VerifyCodeShape("1234567"))
	require.False(t, pairing.VerifyCodeShape("12345a"))
	require.False(t, pairing.VerifyCodeShape(""))
}
