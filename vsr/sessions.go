package vsr

// Client-session table management (spec.md §4.4.9). The committed-session
// table itself lives in kernel.State (it is catalog-like data the kernel
// already threads through ApplyCommitted); this file adds the one policy
// VSR owns on top of it — bounding the table's size with a deterministic
// eviction rule identical on every replica. Grounded on
// node/store/db.go's bbolt-bucket access pattern generalized from an
// on-disk index to an in-memory table eviction sweep.

import (
	"sort"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

// EvictSessions enforces maxSessions on state's committed-session table by
// removing the least-recently-committed sessions, tie-broken by ClientId
// so every replica evicts the identical set (spec.md §4.4.9: "Eviction
// must be identical on all replicas"). Mutates state.Sessions in place,
// consistent with kernel.State.ClearUncommitted's in-place shell-side
// mutation style. Nothing outside the package's tests calls it, so a
// running replica's session table is not evicted.
func EvictSessions(state *kernel.State, maxSessions int) {
	if maxSessions <= 0 || len(state.Sessions) <= maxSessions {
		return
	}
	type entry struct {
		client types.ClientId
		ts     types.Timestamp
	}
	entries := make([]entry, 0, len(state.Sessions))
	for client, sess := range state.Sessions {
		entries = append(entries, entry{client, sess.CommitTimestamp})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return lessClientId(entries[i].client, entries[j].client)
	})
	toEvict := len(entries) - maxSessions
	for i := 0; i < toEvict; i++ {
		delete(state.Sessions, entries[i].client)
	}
}

func lessClientId(a, b types.ClientId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
