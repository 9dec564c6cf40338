package vsr

// Heartbeat exchange: the leader's liveness beacon to its backups and the
// round-trip probe feeding Marzullo's algorithm (spec.md §4.4.6). Also
// drives backup-side view-change initiation on leader silence (spec.md
// §4.4.2 trigger (a)). Grounded on node/p2p_runtime.go's handshake
// round-trip timing measurement, the same correspondence clocksync.go
// cites for the Marzullo interval construction itself.

import (
	"time"

	"kimberlite.dev/core/types"
)

// ClockSampler receives a (wall, rtt) observation from a Heartbeat round
// trip. Only the leader samples; ordinarily wired to runtime.ClusterClock,
// which forwards into its *vsr.ClockSync. A nil sampler (the default)
// means heartbeats still serve liveness tracking, just not clock sync.
type ClockSampler interface {
	RecordSample(replica types.ReplicaId, wall time.Time, rtt time.Duration)
}

// SetClockSampler wires this replica's leader-side RTT observations into
// a clock-sync accumulator. Safe to call at any time, including before
// this replica has ever been the leader.
func (r *Replica) SetClockSampler(s ClockSampler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampler = s
}

// SendHeartbeats broadcasts this leader's wall-clock reading to every
// peer and records the send time against each so the reply's round trip
// can be measured in OnHeartbeat, unconditionally (no rate limiting) —
// intended for direct use by tests. The runtime's steady-interval path is
// maybeSendHeartbeatsLocked, called from Tick.
func (r *Replica) SendHeartbeats(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendHeartbeatsLocked(now)
}

func (r *Replica) sendHeartbeatsLocked(now time.Time) {
	if r.standby || r.leaderFor(r.view) != r.id {
		return
	}
	for _, peer := range r.peersExcludingSelf() {
		r.heartbeatSent[peer] = now
	}
	hb := Heartbeat{View: r.view, Replica: r.id, WallTime: now.UnixNano()}
	r.transport.Broadcast(KindHeartbeat, hb.Encode())
}

// maybeSendHeartbeatsLocked is Tick's rate-limited entry point: it only
// actually sends once cfg.HeartbeatInterval has elapsed since the last
// send, so a runtime calling Tick far more often than the heartbeat
// interval (as it must, to service reorder/repair deadlines promptly)
// does not flood the network. Caller must hold r.mu.
func (r *Replica) maybeSendHeartbeatsLocked(now time.Time) {
	if r.standby || r.leaderFor(r.view) != r.id {
		return
	}
	if now.Sub(r.lastHeartbeatSentAt) < r.cfg.HeartbeatInterval {
		return
	}
	r.lastHeartbeatSentAt = now
	r.sendHeartbeatsLocked(now)
}

// OnHeartbeat handles an inbound Heartbeat. Exactly one of two things is
// true of any Heartbeat this replica receives: either this replica is the
// leader and the message is a backup's reply to its own ping (in which
// case the elapsed time since SendHeartbeats sent to msg.Replica is the
// round trip), or this replica is a backup and the message is the
// leader's ping (in which case it echoes back its own Heartbeat and
// records the contact so checkLeaderLiveness does not time out).
func (r *Replica) OnHeartbeat(msg Heartbeat, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.standby && r.leaderFor(r.view) == r.id {
		sentAt, ok := r.heartbeatSent[msg.Replica]
		if !ok {
			return
		}
		delete(r.heartbeatSent, msg.Replica)
		if r.sampler != nil {
			r.sampler.RecordSample(msg.Replica, time.Unix(0, msg.WallTime), now.Sub(sentAt))
		}
		return
	}

	if msg.View < r.view || msg.Replica != r.leaderFor(msg.View) {
		return
	}
	r.lastLeaderContact = now
	reply := Heartbeat{View: r.view, Replica: r.id, WallTime: now.UnixNano()}
	r.transport.SendTo(msg.Replica, KindHeartbeat, reply.Encode())
}

// checkLeaderLiveness escalates to a view change when a backup has not
// heard from its leader within cfg.HeartbeatTimeout, gated by an
// exponentially growing backoff across repeated attempts (spec.md §4.4.2
// trigger (a), §7 "view-change initiations are bounded by exponential
// backoff across views"). Caller must hold r.mu.
func (r *Replica) checkLeaderLiveness(now time.Time) {
	if r.standby || r.status != StatusNormal || r.leaderFor(r.view) == r.id {
		return
	}
	if now.Sub(r.lastLeaderContact) < r.cfg.HeartbeatTimeout {
		return
	}
	if now.Before(r.nextViewChangeAt) {
		return
	}
	r.beginViewChangeLocked(r.view + 1)
	shift := r.viewChangeAttempts
	if shift > 10 {
		shift = 10
	}
	r.nextViewChangeAt = now.Add(r.cfg.ViewChangeBaseBackoff * time.Duration(uint64(1)<<uint(shift)))
}
