package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"driftsync/internal/domain"
)

// Journal is the change journal. A single global sequence counter orders
// all mutations; per-path sequences therefore strictly increase. Entries
// are mutated by exactly one caller at a time (the engine loop); the mutex
// only guards snapshot readers.
type Journal struct {
	log    *zap.Logger
	store  domain.JournalStore
	device domain.DeviceID

	mu      sync.Mutex
	entries map[string]domain.JournalEntry
	seq     uint64
}

// Load builds a journal for the device, restoring persisted state when a
// store is provided.
func Load(device domain.DeviceID, store domain.JournalStore, log *zap.Logger) (*Journal, error) {
	j := &Journal{
		log:     log,
		store:   store,
		device:  device,
		entries: make(map[string]domain.JournalEntry),
	}
	if store == nil {
		return j, nil
	}
	entries, seq, err := store.LoadJournal()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		j.entries[e.Path] = e
	}
	j.seq = seq
	return j, nil
}

// RecordUpdate hashes content and records it for path. It reports true when
// the journal changed (new path, changed content, or a revived tombstone)
// so callers know to propagate; rewriting identical content reports false.
func (j *Journal) RecordUpdate(path string, content []byte, modifiedAt time.Time) (bool, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	j.mu.Lock()
	existing, ok := j.entries[path]
	if ok && !existing.Deleted && existing.Hash == hash {
		j.mu.Unlock()
		return false, nil
	}
	j.seq++
	j.entries[path] = domain.JournalEntry{
		Path:       path,
		Hash:       hash,
		Size:       int64(len(content)),
		ModifiedAt: modifiedAt.UnixMilli(),
		Sequence:   j.seq,
		Deleted:    false,
		ModifiedBy: j.device,
	}
	j.mu.Unlock()

	j.log.Debug("journal update", zap.String("path", path), zap.Int("size", len(content)))
	return true, j.persist()
}

// RecordDelete tombstones path, known or not. Reports false only when it
// is already a tombstone.
func (j *Journal) RecordDelete(path string, deletedAt time.Time) (bool, error) {
	j.mu.Lock()
	if existing, ok := j.entries[path]; ok && existing.Deleted {
		j.mu.Unlock()
		return false, nil
	}
	j.seq++
	j.entries[path] = domain.JournalEntry{
		Path:       path,
		ModifiedAt: deletedAt.UnixMilli(),
		Sequence:   j.seq,
		Deleted:    true,
		ModifiedBy: j.device,
	}
	j.mu.Unlock()

	j.log.Debug("journal delete", zap.String("path", path))
	return true, j.persist()
}

// ApplyRemote records the outcome of an applied remote operation: the entry
// keeps the remote's modification time and author but receives the next
// local sequence. Recording here is what keeps an applied transfer from
// being re-detected as a fresh local change.
func (j *Journal) ApplyRemote(entry domain.JournalEntry) error {
	j.mu.Lock()
	j.seq++
	entry.Sequence = j.seq
	j.entries[entry.Path] = entry
	j.mu.Unlock()
	return j.persist()
}

// Get returns the entry for path, tombstones included.
func (j *Journal) Get(path string) (domain.JournalEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[path]
	return e, ok
}

// Snapshot returns every entry, tombstones included, sorted by path. This
// is what travels to a peer in a SyncResponse.
func (j *Journal) Snapshot() []domain.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Path < out[k].Path })
	return out
}

// Sequence returns the current global counter.
func (j *Journal) Sequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) persist() error {
	if j.store == nil {
		return nil
	}
	return j.store.SaveJournal(j.Snapshot(), j.Sequence())
}
