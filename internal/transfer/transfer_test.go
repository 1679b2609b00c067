package transfer_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"driftsync/internal/domain"
	"driftsync/internal/journal"
	"driftsync/internal/transfer"
	"driftsync/internal/vault"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func newManager(t *testing.T) (*transfer.Manager, *vault.Vault, *journal.Journal) {
	t.Helper()
	v, err := vault.New(afero.NewMemMapFs(), "/vault", zaptest.NewLogger(t))
	require.NoError(t, err)
	j, err := journal.Load("dev-local", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	m := transfer.New(v, j, clockwork.NewFakeClock(), nil, zaptest.NewLogger(t))
	return m, v, j
}

func TestChunksSplitAndCount(t *testing.T) {
	key := testKey()

	content := bytes.Repeat([]byte("x"), transfer.ChunkSize+1)
	chunks, err := transfer.Chunks(key, "big.bin", content, 42_000)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, uint32(2), chunks[0].TotalChunks)
	require.Equal(t, uint32(0), chunks[0].ChunkIndex)
	require.Equal(t, uint32(1), chunks[1].ChunkIndex)
	// Every chunk carries the file's mtime.
	require.Equal(t, int64(42_000), chunks[0].ModifiedAt)
	require.Equal(t, int64(42_000), chunks[1].ModifiedAt)
}

func TestEmptyFileIsOneChunk(t *testing.T) {
	chunks, err := transfer.Chunks(testKey(), "empty.txt", nil, 42_000)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, uint32(1), chunks[0].TotalChunks)
}

func TestReceiveReassemblesOutOfOrder(t *testing.T) {
	m, v, j := newManager(t)
	key := testKey()

	content := append(bytes.Repeat([]byte("x"), transfer.ChunkSize*2), "tail"...)
	mtime := int64(50_000)
	chunks, err := transfer.Chunks(key, "data.bin", content, mtime)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for _, i := range []int{2, 0} {
		done, err := m.Receive("peer-1", key, chunks[i], "dev-remote")
		require.NoError(t, err)
		require.False(t, done)
	}
	done, err := m.Receive("peer-1", key, chunks[1], "dev-remote")
	require.NoError(t, err)
	require.True(t, done)

	got, err := v.Read("data.bin")
	require.NoError(t, err)
	require.Equal(t, content, got)

	// The journal write-back carries the remote author and the sender's
	// mtime, not the time the file landed here.
	entry, ok := j.Get("data.bin")
	require.True(t, ok)
	require.Equal(t, domain.DeviceID("dev-remote"), entry.ModifiedBy)
	require.Equal(t, mtime, entry.ModifiedAt)
	require.Equal(t, int64(len(content)), entry.Size)

	// Completed transfers leave no tracking state.
	require.Empty(t, m.Status())
}

func TestReceiveEmptyFile(t *testing.T) {
	m, v, _ := newManager(t)
	key := testKey()

	chunks, err := transfer.Chunks(key, "empty.txt", nil, 42_000)
	require.NoError(t, err)

	done, err := m.Receive("peer-1", key, chunks[0], "dev-remote")
	require.NoError(t, err)
	require.True(t, done)

	got, err := v.Read("empty.txt")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReceiveRejectsMalformedChunks(t *testing.T) {
	m, _, _ := newManager(t)
	key := testKey()

	_, err := m.Receive("peer-1", key, domain.FileChunk{FilePath: "a", TotalChunks: 0}, "d")
	require.ErrorIs(t, err, domain.ErrProtocol)

	_, err = m.Receive("peer-1", key, domain.FileChunk{FilePath: "a", ChunkIndex: 3, TotalChunks: 3}, "d")
	require.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDecryptFailureLeavesVaultUntouched(t *testing.T) {
	m, v, _ := newManager(t)

	chunks, err := transfer.Chunks(testKey(), "secret.txt", []byte("payload"), 42_000)
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	_, err = m.Receive("peer-1", wrongKey, chunks[0], "dev-remote")
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	_, err = v.Read("secret.txt")
	require.Error(t, err)
	require.Empty(t, m.Status())
}

// sink records every sent message.
type sink struct {
	msgs []any
}

func (s *sink) Send(msg any) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestSendEmitsAllChunks(t *testing.T) {
	v, err := vault.New(afero.NewMemMapFs(), "/vault", zaptest.NewLogger(t))
	require.NoError(t, err)
	j, err := journal.Load("dev-local", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	m := transfer.New(v, j, clock, nil, zaptest.NewLogger(t))

	content := bytes.Repeat([]byte("z"), transfer.ChunkSize*2)
	out := &sink{}

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), out, "peer-1", testKey(), "big.bin", content, 42_000) }()

	// One pacing delay separates the two chunks.
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, <-done)
	require.Len(t, out.msgs, 2)

	first := out.msgs[0].(domain.FileChunk)
	require.Equal(t, "big.bin", first.FilePath)
	require.Equal(t, uint32(2), first.TotalChunks)
	require.Equal(t, int64(42_000), first.ModifiedAt)
}

func TestSendSkipsDuplicateInFlight(t *testing.T) {
	v, err := vault.New(afero.NewMemMapFs(), "/vault", zaptest.NewLogger(t))
	require.NoError(t, err)
	j, err := journal.Load("dev-local", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	m := transfer.New(v, j, clock, nil, zaptest.NewLogger(t))

	content := bytes.Repeat([]byte("z"), transfer.ChunkSize*2)
	out := &sink{}

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), out, "peer-1", testKey(), "big.bin", content, 42_000) }()

	// First send is parked on the pacing delay with one chunk written.
	clock.BlockUntil(1)

	// After a simultaneous handshake both ends plan independently, so the
	// same file can be asked for twice in one round. The duplicate send
	// must be dropped, not re-transferred.
	require.NoError(t, m.Send(context.Background(), out, "peer-1", testKey(), "big.bin", content, 42_000))

	clock.Advance(10 * time.Millisecond)
	require.NoError(t, <-done)
	require.Len(t, out.msgs, 2, "duplicate send must not emit chunks")

	// Completion frees the slot for a later send of the same path.
	require.NoError(t, m.Send(context.Background(), out, "peer-1", testKey(), "big.bin", []byte("v2"), 43_000))
	require.Len(t, out.msgs, 3)
}

func TestSendHonoursContext(t *testing.T) {
	v, err := vault.New(afero.NewMemMapFs(), "/vault", zaptest.NewLogger(t))
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	m := transfer.New(v, nil, clock, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	content := bytes.Repeat([]byte("z"), transfer.ChunkSize*3)

	done := make(chan error, 1)
	go func() { done <- m.Send(ctx, &sink{}, "peer-1", testKey(), "big.bin", content, 42_000) }()

	clock.BlockUntil(1)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("send ignored cancellation")
	}
}

func TestAbandonDropsPeerTransfers(t *testing.T) {
	m, _, _ := newManager(t)
	key := testKey()

	chunks, err := transfer.Chunks(key, "partial.bin", bytes.Repeat([]byte("y"), transfer.ChunkSize*2), 42_000)
	require.NoError(t, err)

	_, err = m.Receive("peer-1", key, chunks[0], "dev-remote")
	require.NoError(t, err)
	require.Len(t, m.Status(), 1)

	m.Abandon("peer-2")
	require.Len(t, m.Status(), 1)
	m.Abandon("peer-1")
	require.Empty(t, m.Status())
}
