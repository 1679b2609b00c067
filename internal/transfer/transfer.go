package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"driftsync/internal/crypto"
	"driftsync/internal/domain"
	"driftsync/internal/journal"
)

const (
	// ChunkSize is the fixed plaintext chunk size.
	ChunkSize = 64 * 1024

	// interChunkDelay paces outbound chunks so one large file cannot
	// saturate the stream.
	interChunkDelay = 5 * time.Millisecond
)

// Chunks splits content into sealed chunks ready for the wire. An empty
// file yields exactly one chunk carrying zero plaintext bytes, so file
// creation is observable on the receiver. modifiedAt is the sender's
// journal mtime in unix milliseconds; every chunk carries it so the
// receiver journals the change at its original time.
func Chunks(key []byte, path string, content []byte, modifiedAt int64) ([]domain.FileChunk, error) {
	total := (len(content) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}
	out := make([]domain.FileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(content) {
			end = len(content)
		}
		nonce, ct, err := crypto.SealChunk(key, content[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, domain.FileChunk{
			FilePath:    path,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
			Data:        ct,
			Nonce:       nonce,
			ModifiedAt:  modifiedAt,
		})
	}
	return out, nil
}

type pendingTransfer struct {
	peer       domain.PeerID
	path       string
	direction  domain.TransferDirection
	state      domain.TransferState
	total      uint32
	chunks     map[uint32]domain.FileChunk
	modifiedAt int64
}

// Manager owns all in-flight transfers, keyed by (peer, path), and applies
// completed inbound files to the vault and journal.
type Manager struct {
	log    *zap.Logger
	clock  clockwork.Clock
	vault  domain.Vault
	jrnl   *journal.Journal
	notify domain.Notifier

	mu      sync.Mutex
	pending map[string]*pendingTransfer
}

func New(
	vault domain.Vault,
	jrnl *journal.Journal,
	clock clockwork.Clock,
	notify domain.Notifier,
	log *zap.Logger,
) *Manager {
	if notify == nil {
		notify = domain.NopNotifier
	}
	return &Manager{
		log:     log,
		clock:   clock,
		vault:   vault,
		jrnl:    jrnl,
		notify:  notify,
		pending: make(map[string]*pendingTransfer),
	}
}

func transferKey(peer domain.PeerID, path string) string {
	return string(peer) + "\x00" + path
}

func sumEntry(e *domain.JournalEntry, content []byte) {
	sum := sha256.Sum256(content)
	e.Hash = hex.EncodeToString(sum[:])
	e.Size = int64(len(content))
}

// Send seals and writes every chunk of path to the peer, pacing sends with
// a small delay between chunks. A second Send for the same (peer, path)
// while one is in flight is a no-op: after a simultaneous handshake both
// ends plan independently, so the holder's own push and the peer's
// FileRequest can ask for the same file in one round.
func (m *Manager) Send(ctx context.Context, conn domain.MessageSender, peer domain.PeerID, key []byte, path string, content []byte, modifiedAt int64) error {
	k := transferKey(peer, path)
	if !m.trackOutbound(k, peer, path) {
		m.log.Debug("send already in flight, skipping",
			zap.String("peer", string(peer)), zap.String("path", path))
		return nil
	}

	chunks, err := Chunks(key, path, content, modifiedAt)
	if err != nil {
		m.fail(k)
		return err
	}
	m.setTotal(k, uint32(len(chunks)))

	for i, ch := range chunks {
		if err := ctx.Err(); err != nil {
			m.fail(k)
			return err
		}
		if err := conn.Send(ch); err != nil {
			m.fail(k)
			return err
		}
		m.progress(k, i+1)
		if i < len(chunks)-1 {
			select {
			case <-m.clock.After(interChunkDelay):
			case <-ctx.Done():
				m.fail(k)
				return ctx.Err()
			}
		}
	}
	m.complete(k)
	m.log.Debug("file sent", zap.String("peer", string(peer)), zap.String("path", path), zap.Int("chunks", len(chunks)))
	return nil
}

// Receive buffers one inbound chunk. When the set is complete it decrypts
// in index order, reassembles, writes the vault atomically and records the
// result in the journal under the chunk's carried mtime and the sending
// device. It returns true once the file has been applied.
func (m *Manager) Receive(peer domain.PeerID, key []byte, chunk domain.FileChunk, author domain.DeviceID) (bool, error) {
	if chunk.TotalChunks == 0 {
		return false, fmt.Errorf("%w: zero total chunks for %s", domain.ErrProtocol, chunk.FilePath)
	}
	if chunk.ChunkIndex >= chunk.TotalChunks {
		return false, fmt.Errorf("%w: chunk %d/%d for %s", domain.ErrProtocol, chunk.ChunkIndex, chunk.TotalChunks, chunk.FilePath)
	}

	k := transferKey(peer, chunk.FilePath)

	m.mu.Lock()
	pt, ok := m.pending[k]
	if !ok || pt.direction != domain.TransferInbound {
		pt = &pendingTransfer{
			peer:       peer,
			path:       chunk.FilePath,
			direction:  domain.TransferInbound,
			state:      domain.TransferTransferring,
			total:      chunk.TotalChunks,
			chunks:     make(map[uint32]domain.FileChunk),
			modifiedAt: chunk.ModifiedAt,
		}
		m.pending[k] = pt
	}
	pt.chunks[chunk.ChunkIndex] = chunk
	received := len(pt.chunks)
	done := uint32(received) == pt.total
	m.mu.Unlock()

	m.notify.Notify(domain.Event{
		Kind:     domain.EventTransferProgress,
		PeerID:   peer,
		Path:     chunk.FilePath,
		Progress: float64(received) / float64(chunk.TotalChunks),
	})
	if !done {
		return false, nil
	}
	if err := m.apply(k, pt, key, author); err != nil {
		return false, err
	}
	return true, nil
}

// apply reassembles a completed inbound transfer and lands it in the vault.
// On any failure the target file is left untouched and the transfer is
// marked failed.
func (m *Manager) apply(k string, pt *pendingTransfer, key []byte, author domain.DeviceID) error {
	content := make([]byte, 0, int(pt.total)*ChunkSize)
	for i := uint32(0); i < pt.total; i++ {
		ch := pt.chunks[i]
		plain, err := crypto.OpenChunk(key, ch.Nonce, ch.Data)
		if err != nil {
			m.fail(k)
			return fmt.Errorf("%w: decrypt %s chunk %d: %v", domain.ErrTransferFailed, pt.path, i, err)
		}
		content = append(content, plain...)
	}

	if err := m.vault.Write(pt.path, content); err != nil {
		m.fail(k)
		return fmt.Errorf("%w: write %s: %v", domain.ErrTransferFailed, pt.path, err)
	}

	// Write-back so the incoming file is not re-detected as a local change
	// and broadcast straight back to the sender. The entry keeps the
	// sender's mtime; stamping the apply time would make this copy look
	// newer than the source on every later reconciliation.
	if m.jrnl != nil {
		entry := domain.JournalEntry{
			Path:       pt.path,
			ModifiedAt: pt.modifiedAt,
			ModifiedBy: author,
		}
		sumEntry(&entry, content)
		if err := m.jrnl.ApplyRemote(entry); err != nil {
			return err
		}
	}

	m.complete(k)
	m.log.Info("file received",
		zap.String("peer", string(pt.peer)),
		zap.String("path", pt.path),
		zap.Int("bytes", len(content)))
	return nil
}

// Status returns a snapshot of all tracked transfers, sorted by path.
func (m *Manager) Status() []domain.TransferStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TransferStatus, 0, len(m.pending))
	for _, pt := range m.pending {
		st := domain.TransferStatus{
			PeerID:      pt.peer,
			Path:        pt.path,
			Direction:   pt.direction,
			State:       pt.state,
			TotalChunks: int(pt.total),
			Received:    len(pt.chunks),
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Abandon drops every pending transfer for the peer, e.g. on disconnect.
func (m *Manager) Abandon(peer domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, pt := range m.pending {
		if pt.peer == peer {
			delete(m.pending, k)
		}
	}
}

// trackOutbound claims the (peer, path) slot for an outbound transfer.
// It reports false when an outbound transfer is already tracked there.
func (m *Manager) trackOutbound(k string, peer domain.PeerID, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pt, ok := m.pending[k]; ok && pt.direction == domain.TransferOutbound {
		return false
	}
	m.pending[k] = &pendingTransfer{
		peer:      peer,
		path:      path,
		direction: domain.TransferOutbound,
		state:     domain.TransferTransferring,
	}
	return true
}

func (m *Manager) setTotal(k string, total uint32) {
	m.mu.Lock()
	if pt, ok := m.pending[k]; ok {
		pt.total = total
	}
	m.mu.Unlock()
}

func (m *Manager) progress(k string, sent int) {
	m.mu.Lock()
	pt, ok := m.pending[k]
	var ev *domain.Event
	if ok {
		ev = &domain.Event{
			Kind:     domain.EventTransferProgress,
			PeerID:   pt.peer,
			Path:     pt.path,
			Progress: float64(sent) / float64(pt.total),
		}
	}
	m.mu.Unlock()
	if ev != nil {
		m.notify.Notify(*ev)
	}
}

func (m *Manager) complete(k string) {
	m.mu.Lock()
	pt, ok := m.pending[k]
	if ok {
		delete(m.pending, k)
	}
	m.mu.Unlock()
	if ok {
		m.notify.Notify(domain.Event{Kind: domain.EventTransferComplete, PeerID: pt.peer, Path: pt.path, Progress: 1})
	}
}

func (m *Manager) fail(k string) {
	m.mu.Lock()
	pt, ok := m.pending[k]
	if ok {
		delete(m.pending, k)
	}
	m.mu.Unlock()
	if ok {
		m.log.Warn("transfer failed", zap.String("peer", string(pt.peer)), zap.String("path", pt.path))
		m.notify.Notify(domain.Event{Kind: domain.EventTransferFailed, PeerID: pt.peer, Path: pt.path})
	}
}
