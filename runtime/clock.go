package runtime

import (
	"sync"
	"time"

	"kimberlite.dev/core/types"
	"kimberlite.dev/core/vsr"
)

// ClusterClock adapts *vsr.ClockSync to the vsr.Clock interface a Replica
// needs: it prefers the cluster-synchronized epoch time when one has
// formed, falling back to local wall time otherwise (e.g. before the
// first quorum of RTT samples has been collected at startup).
type ClusterClock struct {
	sync *vsr.ClockSync
	now  func() time.Time

	mu   sync.Mutex
	last types.Timestamp
}

func NewClusterClock(sync *vsr.ClockSync) *ClusterClock {
	return &ClusterClock{sync: sync, now: time.Now}
}

// Now returns the current leader timestamp: the cluster-synchronized epoch
// time when one has formed, or local wall time otherwise (e.g. before the
// first quorum of RTT samples has been collected at startup). Timestamps
// assigned by a leader must be strictly monotonic (spec.md §4.4.6) even
// across an epoch expiring and cluster time briefly falling back to a wall
// clock that has drifted behind the last assigned value, so Now never
// returns a value that is not After the last one it handed out.
func (c *ClusterClock) Now() types.Timestamp {
	wall := c.now()
	ts, ok := c.sync.ClusterTime(wall)
	if !ok {
		ts = types.Timestamp(wall.UnixNano())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.Before(ts) {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// RecordSample forwards a Heartbeat round-trip observation into the
// underlying ClockSync, satisfying vsr.ClockSampler so a *ClusterClock can
// be wired directly via vsr.Replica.SetClockSampler.
func (c *ClusterClock) RecordSample(replica types.ReplicaId, wall time.Time, rtt time.Duration) {
	c.sync.RecordSample(replica, wall, rtt)
}

// TryFormEpoch attempts to advance the cluster-time epoch from whatever
// RTT samples SendHeartbeats' round trips have accumulated so far
// (spec.md §4.4.6). Intended to be called periodically from the leader's
// own timer loop, independently of vsr.Replica.Tick — cluster-time
// formation is a leader-local concern the VSR core itself never drives.
func (c *ClusterClock) TryFormEpoch(self types.ReplicaId, clusterSize int) (types.Timestamp, bool) {
	wall := c.now()
	return c.sync.TryFormEpoch(self, wall, clusterSize, wall)
}
