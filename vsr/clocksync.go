package vsr

// Cluster time synchronization via Marzullo's algorithm (spec.md §4.4.6).
// Only the leader assigns timestamps; every replica accepts them as
// given. The leader samples (wall_time, round-trip) from backups via
// heartbeats, builds one interval per replica, and takes the midpoint of
// the narrowest interval a quorum of those intervals agree on. Grounded
// on node/p2p_runtime.go's handshake round-trip timing measurement,
// generalized into an interval-intersection helper; uses stdlib sort
// only, per spec.md's requirement that cluster time be reproducible
// arithmetic, not a library black box.

import (
	"sort"
	"sync"
	"time"

	"kimberlite.dev/core/types"
)

type clockSample struct {
	wall time.Time
	rtt  time.Duration
}

type epoch struct {
	clusterTime types.Timestamp
	formedAt    time.Time
	quorumSize  int
}

// ClockSync accumulates per-replica RTT samples and forms successive
// quorum-agreed time epochs. It is owned by the leader only — backups
// never run this logic, they only receive the leader's timestamps.
type ClockSync struct {
	mu      sync.Mutex
	cfg     Config
	samples map[types.ReplicaId]clockSample
	current *epoch
}

func NewClockSync(cfg Config) *ClockSync {
	return &ClockSync{cfg: cfg, samples: make(map[types.ReplicaId]clockSample)}
}

// RecordSample stores the latest (wall_time, rtt) observation for replica,
// derived from a Heartbeat round trip.
func (c *ClockSync) RecordSample(replica types.ReplicaId, wall time.Time, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[replica] = clockSample{wall: wall, rtt: rtt}
}

type interval struct {
	lo, hi int64 // unix nanoseconds
}

func (c *ClockSync) intervals(self types.ReplicaId, selfWall time.Time) []interval {
	out := make([]interval, 0, len(c.samples)+1)
	out = append(out, interval{lo: selfWall.UnixNano(), hi: selfWall.UnixNano()})
	for _, s := range c.samples {
		half := s.rtt / 2
		out = append(out, interval{lo: s.wall.Add(-half).UnixNano(), hi: s.wall.Add(half).UnixNano()})
	}
	return out
}

// marzullo finds the interval covered by the maximum number of intervals
// (the first such one, if several tie) — the classic best-overlap sweep: a
// start event at each interval's low end, an end event at its high end,
// sorted by time with starts ordered before ends on a tie so a point
// exactly on a boundary still counts as covered. The best region opens at
// the start event that reaches a new maximum and closes at the next end
// event.
func marzullo(ivs []interval) (lo, hi int64, count int) {
	type event struct {
		t     int64
		delta int
	}
	events := make([]event, 0, len(ivs)*2)
	for _, iv := range ivs {
		events = append(events, event{iv.lo, 1}, event{iv.hi, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].t != events[j].t {
			return events[i].t < events[j].t
		}
		return events[i].delta > events[j].delta
	})

	running := 0
	best := 0
	open := false
	var bestLo, bestHi int64
	for _, e := range events {
		running += e.delta
		switch {
		case running > best:
			best = running
			bestLo, bestHi = e.t, e.t
			open = true
		case open && e.delta < 0:
			bestHi = e.t
			open = false
		}
	}
	return bestLo, bestHi, best
}

// TryFormEpoch attempts to compute a new cluster-time epoch from the
// current samples. It fails (returns false) if fewer than a quorum of
// intervals overlap, or if the candidate time would move cluster time by
// more than cfg.ClockTolerance from the previous epoch (spec.md §4.4.6:
// "cluster time is constrained by |new - old| <= 500ms ... otherwise the
// new epoch is rejected as implausible").
func (c *ClockSync) TryFormEpoch(self types.ReplicaId, selfWall time.Time, clusterSize int, now time.Time) (types.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ivs := c.intervals(self, selfWall)
	lo, hi, count := marzullo(ivs)
	if count < Quorum(clusterSize) {
		return 0, false
	}
	mid := (lo + hi) / 2
	candidate := types.Timestamp(mid)

	if c.current != nil {
		delta := int64(candidate) - int64(c.current.clusterTime)
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta) > c.cfg.ClockTolerance {
			return 0, false
		}
		// Monotonic per spec.md §4.4.6: never move cluster time backward.
		if candidate < c.current.clusterTime {
			candidate = c.current.clusterTime
		}
	}

	c.current = &epoch{clusterTime: candidate, formedAt: now, quorumSize: count}
	return candidate, true
}

// ClusterTime returns the current epoch's time if it has not expired
// (cfg.EpochDuration, default 30s).
func (c *ClockSync) ClusterTime(now time.Time) (types.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || now.Sub(c.current.formedAt) > c.cfg.EpochDuration {
		return 0, false
	}
	return c.current.clusterTime, true
}
