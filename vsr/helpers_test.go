package vsr

import (
	"testing"
	"time"

	"kimberlite.dev/core/types"
)

// netMsg is one in-flight message in the in-process test network.
type netMsg struct {
	from      types.ReplicaId
	to        types.ReplicaId
	broadcast bool
	kind      Kind
	payload   []byte
}

// network is a minimal in-process Transport fake letting tests drive a
// multi-replica cluster without sockets: every Replica's Submit/On*/Tick
// call pushes messages here, and pump() delivers them by decoding and
// invoking the matching Replica method, round-robin, until the queue
// drains or an iteration cap is hit.
type network struct {
	replicas map[types.ReplicaId]*Replica
	queue    []netMsg
}

func newNetwork() *network {
	return &network{replicas: make(map[types.ReplicaId]*Replica)}
}

func (n *network) transportFor(id types.ReplicaId) *netTransport {
	return &netTransport{net: n, self: id}
}

type netTransport struct {
	net  *network
	self types.ReplicaId
}

func (t *netTransport) SendTo(to types.ReplicaId, kind Kind, payload []byte) {
	t.net.queue = append(t.net.queue, netMsg{from: t.self, to: to, kind: kind, payload: payload})
}

func (t *netTransport) Broadcast(kind Kind, payload []byte) {
	t.net.queue = append(t.net.queue, netMsg{from: t.self, broadcast: true, kind: kind, payload: payload})
}

// pump delivers every queued message, including ones generated as a
// side effect of delivery itself (e.g. a Prepare triggering a
// PrepareOk), until the queue is empty or the safety cap is reached.
func (n *network) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 10_000 && len(n.queue) > 0; i++ {
		msg := n.queue[0]
		n.queue = n.queue[1:]

		var targets []types.ReplicaId
		if msg.broadcast {
			for id := range n.replicas {
				if id != msg.from {
					targets = append(targets, id)
				}
			}
		} else {
			targets = []types.ReplicaId{msg.to}
		}
		for _, id := range targets {
			r, ok := n.replicas[id]
			if !ok {
				continue
			}
			deliver(t, r, msg.kind, msg.payload)
		}
	}
	if len(n.queue) > 0 {
		t.Fatal("network.pump: message queue did not drain, possible delivery loop")
	}
}

func deliver(t *testing.T, r *Replica, kind Kind, payload []byte) {
	t.Helper()
	switch kind {
	case KindPrepare:
		m, err := DecodePrepare(payload)
		if err != nil {
			t.Fatalf("decode Prepare: %v", err)
		}
		_ = r.OnPrepare(m)
	case KindPrepareOk:
		m, err := DecodePrepareOk(payload)
		if err != nil {
			t.Fatalf("decode PrepareOk: %v", err)
		}
		r.OnPrepareOk(m)
	case KindCommit:
		m, err := DecodeCommit(payload)
		if err != nil {
			t.Fatalf("decode Commit: %v", err)
		}
		r.OnCommit(m)
	case KindStartViewChange:
		m, err := DecodeStartViewChange(payload)
		if err != nil {
			t.Fatalf("decode StartViewChange: %v", err)
		}
		r.OnStartViewChange(m)
	case KindDoViewChange:
		m, err := DecodeDoViewChange(payload)
		if err != nil {
			t.Fatalf("decode DoViewChange: %v", err)
		}
		r.OnDoViewChange(m)
	case KindStartView:
		m, err := DecodeStartView(payload)
		if err != nil {
			t.Fatalf("decode StartView: %v", err)
		}
		_ = r.OnStartView(m)
	case KindRepairRequest:
		m, err := DecodeRepairRequest(payload)
		if err != nil {
			t.Fatalf("decode RepairRequest: %v", err)
		}
		r.OnRepairRequest(m)
	case KindRepairResponse:
		m, err := DecodeRepairResponse(payload)
		if err != nil {
			t.Fatalf("decode RepairResponse: %v", err)
		}
		_ = r.OnRepairResponse(m, fixedNow)
	case KindRepairNack:
		m, err := DecodeRepairNack(payload)
		if err != nil {
			t.Fatalf("decode RepairNack: %v", err)
		}
		r.OnRepairNack(m)
	case KindRecoveryRequest:
		m, err := DecodeRecoveryRequest(payload)
		if err != nil {
			t.Fatalf("decode RecoveryRequest: %v", err)
		}
		r.OnRecoveryRequest(m)
	case KindRecoveryResponse:
		m, err := DecodeRecoveryResponse(payload)
		if err != nil {
			t.Fatalf("decode RecoveryResponse: %v", err)
		}
		r.OnRecoveryResponse(m)
	case KindHeartbeat:
		m, err := DecodeHeartbeat(payload)
		if err != nil {
			t.Fatalf("decode Heartbeat: %v", err)
		}
		r.OnHeartbeat(m, fixedNow)
	case KindWriteReorderGapRequest:
		m, err := DecodeWriteReorderGapRequest(payload)
		if err != nil {
			t.Fatalf("decode WriteReorderGapRequest: %v", err)
		}
		r.OnWriteReorderGapRequest(m)
	case KindWriteReorderGapResponse:
		m, err := DecodeWriteReorderGapResponse(payload)
		if err != nil {
			t.Fatalf("decode WriteReorderGapResponse: %v", err)
		}
		r.OnWriteReorderGapResponse(m)
	}
}

// fakeClock hands out strictly increasing timestamps, standing in for
// ClockSync's cluster-time output in tests that don't exercise clock
// synchronization itself.
type fakeClock struct{ t types.Timestamp }

func (c *fakeClock) Now() types.Timestamp {
	c.t++
	return c.t
}

// fixedNow stands in for "now" in tests that deliver a RepairResponse but
// don't themselves exercise repair-latency timing.
var fixedNow = time.Unix(0, 0)
