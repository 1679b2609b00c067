package reconcile

import (
	"sort"
	"time"

	"driftsync/internal/domain"
)

const (
	// DefaultTolerance is the window within which two modification times
	// count as "the same change" (independently-clocked devices drift).
	DefaultTolerance = 2 * time.Second

	// ConfirmThreshold is the largest plan executed without explicit user
	// confirmation.
	ConfirmThreshold = 10
)

// Plan compares the local snapshot with a peer's and returns the action
// list, deduplicated (one action per path) and sorted by path. An empty
// result means the two sides are up to date.
func Plan(local, remote []domain.JournalEntry, tolerance time.Duration) []domain.SyncAction {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	tol := tolerance.Milliseconds()

	localByPath := make(map[string]domain.JournalEntry, len(local))
	for _, e := range local {
		localByPath[e.Path] = e
	}
	remotePaths := make(map[string]struct{}, len(remote))

	var actions []domain.SyncAction
	add := func(kind domain.ActionKind, path, reason string) {
		actions = append(actions, domain.SyncAction{Kind: kind, Path: path, Reason: reason})
	}

	for _, r := range remote {
		remotePaths[r.Path] = struct{}{}
		l, haveLocal := localByPath[r.Path]

		if r.Deleted {
			// A remote tombstone deletes our live copy only when our copy
			// predates the deletion.
			if haveLocal && !l.Deleted && l.ModifiedAt < r.ModifiedAt {
				add(domain.ActionDelete, r.Path, "peer deleted after our last change")
			}
			continue
		}

		if !haveLocal || l.Deleted {
			// The peer has a live file we don't. Our own tombstone wins if
			// it is newer than their copy; otherwise we fetch.
			if haveLocal && l.Deleted && l.ModifiedAt > r.ModifiedAt {
				add(domain.ActionPushDelete, r.Path, "our deletion is newer than their copy")
			} else {
				add(domain.ActionPull, r.Path, "peer has a file we lack")
			}
			continue
		}

		diff := r.ModifiedAt - l.ModifiedAt
		switch {
		case diff > tol:
			add(domain.ActionPull, r.Path, "peer copy is newer")
		case diff < -tol:
			add(domain.ActionPush, r.Path, "our copy is newer")
		default:
			// Within tolerance: treated as the same change.
		}
	}

	// Paths the peer has never seen, not even as a tombstone.
	for _, l := range local {
		if _, seen := remotePaths[l.Path]; seen {
			continue
		}
		if l.Deleted {
			// Nothing to delete on a peer that never had the file.
			continue
		}
		add(domain.ActionPush, l.Path, "peer has never seen this file")
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Path != actions[j].Path {
			return actions[i].Path < actions[j].Path
		}
		return actions[i].Kind < actions[j].Kind
	})
	return actions
}

// NeedsConfirmation reports whether a plan is large enough to require
// explicit approval before executing.
func NeedsConfirmation(plan []domain.SyncAction) bool {
	return len(plan) > ConfirmThreshold
}
