package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftsync/internal/crypto"
	"driftsync/internal/domain"
	"driftsync/internal/store"
)

func TestIdentityStoreRoundTrip(t *testing.T) {
	s := store.NewIdentityFileStore(t.TempDir())

	_, _, err := s.LoadIdentity("pw")
	require.NoError(t, err)

	priv, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	id := domain.Identity{DeviceID: "dev-1", EdPub: pub, EdPriv: priv}
	require.NoError(t, s.SaveIdentity("pw", id))

	got, ok, err := s.LoadIdentity("pw")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	// Wrong passphrase must not decrypt.
	_, _, err = s.LoadIdentity("nope")
	require.Error(t, err)
}

func TestIdentityStoreMissingFile(t *testing.T) {
	s := store.NewIdentityFileStore(t.TempDir())
	_, ok, err := s.LoadIdentity("pw")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrustStoreRoundTrip(t *testing.T) {
	s := store.NewTrustFileStore(t.TempDir())

	_, pub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	rec := domain.TrustRecord{
		DeviceID:  "dev-b",
		Name:      "laptop",
		PublicKey: pub,
		PairedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveTrust(rec))
	require.NoError(t, s.SaveTrust(domain.TrustRecord{DeviceID: "dev-a", Name: "phone", PublicKey: pub, PairedAt: rec.PairedAt}))

	got, ok, err := s.LoadTrust("dev-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)

	// List is sorted by device id.
	list, err := s.ListTrust()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, domain.DeviceID("dev-a"), list[0].DeviceID)
	require.Equal(t, domain.DeviceID("dev-b"), list[1].DeviceID)

	require.NoError(t, s.DeleteTrust("dev-b"))
	_, ok, err = s.LoadTrust("dev-b")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an unknown device is a no-op.
	require.NoError(t, s.DeleteTrust("dev-x"))
}

func TestJournalStoreRoundTrip(t *testing.T) {
	s := store.NewJournalFileStore(t.TempDir())

	entries, seq, err := s.LoadJournal()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, seq)

	in := []domain.JournalEntry{
		{Path: "a.txt", Hash: "aa", Size: 2, ModifiedAt: 1000, Sequence: 1, ModifiedBy: "dev-1"},
		{Path: "b.txt", ModifiedAt: 2000, Sequence: 2, Deleted: true, ModifiedBy: "dev-1"},
	}
	require.NoError(t, s.SaveJournal(in, 2))

	entries, seq, err = s.LoadJournal()
	require.NoError(t, err)
	require.Equal(t, in, entries)
	require.Equal(t, uint64(2), seq)
}
