package reconcile_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftsync/internal/domain"
	"driftsync/internal/reconcile"
)

func live(path string, mtime int64) domain.JournalEntry {
	return domain.JournalEntry{Path: path, Hash: "h-" + path, ModifiedAt: mtime}
}

func tombstone(path string, mtime int64) domain.JournalEntry {
	return domain.JournalEntry{Path: path, ModifiedAt: mtime, Deleted: true}
}

func kinds(plan []domain.SyncAction) map[string]domain.ActionKind {
	out := make(map[string]domain.ActionKind, len(plan))
	for _, a := range plan {
		out[a.Path] = a.Kind
	}
	return out
}

func TestIdenticalSnapshotsNoActions(t *testing.T) {
	snap := []domain.JournalEntry{live("a.txt", 1000), tombstone("b.txt", 2000)}
	require.Empty(t, reconcile.Plan(snap, snap, 0))
}

func TestWithinToleranceNoActions(t *testing.T) {
	local := []domain.JournalEntry{live("a.txt", 10_000)}
	remote := []domain.JournalEntry{live("a.txt", 11_500)}
	require.Empty(t, reconcile.Plan(local, remote, 2*time.Second))
}

func TestNewerRemoteIsPulled(t *testing.T) {
	local := []domain.JournalEntry{live("a.txt", 10_000)}
	remote := []domain.JournalEntry{live("a.txt", 20_000)}

	plan := reconcile.Plan(local, remote, 2*time.Second)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionPull, plan[0].Kind)
	require.Equal(t, "a.txt", plan[0].Path)
}

func TestNewerLocalIsPushed(t *testing.T) {
	local := []domain.JournalEntry{live("a.txt", 20_000)}
	remote := []domain.JournalEntry{live("a.txt", 10_000)}

	plan := reconcile.Plan(local, remote, 2*time.Second)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionPush, plan[0].Kind)
}

func TestUnknownRemoteFileIsPulled(t *testing.T) {
	remote := []domain.JournalEntry{live("new.txt", 10_000)}
	plan := reconcile.Plan(nil, remote, 0)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionPull, plan[0].Kind)
}

func TestUnseenLocalFileIsPushed(t *testing.T) {
	local := []domain.JournalEntry{live("mine.txt", 10_000)}
	plan := reconcile.Plan(local, nil, 0)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionPush, plan[0].Kind)
}

func TestLocalTombstoneNotPushedToUnawarePeer(t *testing.T) {
	local := []domain.JournalEntry{tombstone("gone.txt", 10_000)}
	require.Empty(t, reconcile.Plan(local, nil, 0))
}

func TestRemoteTombstoneDeletesOlderLocal(t *testing.T) {
	local := []domain.JournalEntry{live("a.txt", 10_000)}
	remote := []domain.JournalEntry{tombstone("a.txt", 20_000)}

	plan := reconcile.Plan(local, remote, 0)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionDelete, plan[0].Kind)
}

func TestRemoteTombstoneLosesToNewerLocal(t *testing.T) {
	// Local was modified after the remote deletion: the file survives here
	// and the push happens on the peer's side of the exchange.
	local := []domain.JournalEntry{live("a.txt", 30_000)}
	remote := []domain.JournalEntry{tombstone("a.txt", 20_000)}
	require.Empty(t, reconcile.Plan(local, remote, 0))
}

func TestNewerLocalTombstonePushesDelete(t *testing.T) {
	local := []domain.JournalEntry{tombstone("a.txt", 30_000)}
	remote := []domain.JournalEntry{live("a.txt", 20_000)}

	plan := reconcile.Plan(local, remote, 0)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionPushDelete, plan[0].Kind)
}

func TestOlderLocalTombstoneRefetches(t *testing.T) {
	// The peer recreated the file after we deleted it.
	local := []domain.JournalEntry{tombstone("a.txt", 10_000)}
	remote := []domain.JournalEntry{live("a.txt", 20_000)}

	plan := reconcile.Plan(local, remote, 0)
	require.Len(t, plan, 1)
	require.Equal(t, domain.ActionPull, plan[0].Kind)
}

func TestMixedPlanSortedByPath(t *testing.T) {
	local := []domain.JournalEntry{
		live("b.txt", 30_000),
		live("c.txt", 10_000),
		live("z.txt", 10_000),
	}
	remote := []domain.JournalEntry{
		live("a.txt", 10_000),
		live("b.txt", 10_000),
		live("c.txt", 30_000),
	}

	plan := reconcile.Plan(local, remote, 2*time.Second)
	require.Len(t, plan, 4)
	got := kinds(plan)
	require.Equal(t, domain.ActionPull, got["a.txt"])
	require.Equal(t, domain.ActionPush, got["b.txt"])
	require.Equal(t, domain.ActionPull, got["c.txt"])
	require.Equal(t, domain.ActionPush, got["z.txt"])
	for i := 1; i < len(plan); i++ {
		require.Less(t, plan[i-1].Path, plan[i].Path)
	}
}

func TestPlanDeterministic(t *testing.T) {
	local := []domain.JournalEntry{live("a", 1000), live("b", 9000), tombstone("c", 5000)}
	remote := []domain.JournalEntry{live("a", 9000), live("c", 1000), live("d", 1000)}

	first := reconcile.Plan(local, remote, time.Second)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, reconcile.Plan(local, remote, time.Second))
	}
}

func TestNeedsConfirmation(t *testing.T) {
	small := make([]domain.SyncAction, reconcile.ConfirmThreshold)
	require.False(t, reconcile.NeedsConfirmation(small))
	large := make([]domain.SyncAction, reconcile.ConfirmThreshold+1)
	require.True(t, reconcile.NeedsConfirmation(large))
}
