package vsr

import (
	"testing"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/types"
)

func sessionWith(id byte, ts types.Timestamp) kernel.ClientSession {
	return kernel.ClientSession{ClientId: types.ClientId{id}, CommitTimestamp: ts}
}

func TestEvictSessionsNoOpUnderLimit(t *testing.T) {
	state := kernel.NewState()
	state.Sessions[types.ClientId{1}] = sessionWith(1, 100)
	EvictSessions(state, 10)
	if len(state.Sessions) != 1 {
		t.Fatalf("len = %d, want 1 (no eviction needed)", len(state.Sessions))
	}
}

func TestEvictSessionsRemovesOldestFirst(t *testing.T) {
	state := kernel.NewState()
	state.Sessions[types.ClientId{1}] = sessionWith(1, 300)
	state.Sessions[types.ClientId{2}] = sessionWith(2, 100)
	state.Sessions[types.ClientId{3}] = sessionWith(3, 200)

	EvictSessions(state, 2)

	if len(state.Sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(state.Sessions))
	}
	if _, ok := state.Sessions[types.ClientId{2}]; ok {
		t.Fatal("expected the oldest session (commit_timestamp 100) to be evicted first")
	}
}

func TestEvictSessionsTieBreaksByClientId(t *testing.T) {
	state := kernel.NewState()
	state.Sessions[types.ClientId{5}] = sessionWith(5, 100)
	state.Sessions[types.ClientId{2}] = sessionWith(2, 100)
	state.Sessions[types.ClientId{9}] = sessionWith(9, 100)

	EvictSessions(state, 2)

	if _, ok := state.Sessions[types.ClientId{2}]; ok {
		t.Fatal("expected the lowest client id to be evicted first among equal timestamps")
	}
	if len(state.Sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(state.Sessions))
	}
}

func TestEvictSessionsIsDeterministicAcrossRuns(t *testing.T) {
	build := func() *kernel.State {
		state := kernel.NewState()
		for i := byte(1); i <= 20; i++ {
			state.Sessions[types.ClientId{i}] = sessionWith(i, types.Timestamp(i))
		}
		return state
	}
	a, b := build(), build()
	EvictSessions(a, 5)
	EvictSessions(b, 5)
	if len(a.Sessions) != len(b.Sessions) {
		t.Fatal("eviction must produce identical results for identical inputs")
	}
	for k := range a.Sessions {
		if _, ok := b.Sessions[k]; !ok {
			t.Fatalf("client %v survived in one run but not the other", k)
		}
	}
}
