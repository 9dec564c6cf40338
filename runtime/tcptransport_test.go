package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"kimberlite.dev/core/types"
	"kimberlite.dev/core/vsr"
)

type recordedFrame struct {
	from    types.ReplicaId
	kind    vsr.Kind
	payload []byte
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTCPTransportDeliversSendToAndBroadcast(t *testing.T) {
	addr1 := "127.0.0.1:19501"
	addr2 := "127.0.0.1:19502"

	t1 := NewTCPTransport(1, map[types.ReplicaId]string{2: addr2})
	t2 := NewTCPTransport(2, map[types.ReplicaId]string{1: addr1})

	var mu sync.Mutex
	var gotAt2 []recordedFrame
	var gotAt1 []recordedFrame
	t2.SetDispatch(func(from types.ReplicaId, kind vsr.Kind, payload []byte) {
		mu.Lock()
		gotAt2 = append(gotAt2, recordedFrame{from, kind, payload})
		mu.Unlock()
	})
	t1.SetDispatch(func(from types.ReplicaId, kind vsr.Kind, payload []byte) {
		mu.Lock()
		gotAt1 = append(gotAt1, recordedFrame{from, kind, payload})
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = t1.Serve(ctx, addr1) }()
	go func() { _ = t2.Serve(ctx, addr2) }()
	time.Sleep(20 * time.Millisecond)

	t1.Dial(ctx)
	t2.Dial(ctx)

	waitForCondition(t, 2*time.Second, func() bool {
		t1.mu.Lock()
		_, ok := t1.conns[2]
		t1.mu.Unlock()
		return ok
	})
	waitForCondition(t, 2*time.Second, func() bool {
		t2.mu.Lock()
		_, ok := t2.conns[1]
		t2.mu.Unlock()
		return ok
	})

	t1.SendTo(2, vsr.KindHeartbeat, []byte("hello-2"))
	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotAt2) == 1
	})
	mu.Lock()
	if gotAt2[0].from != 1 || gotAt2[0].kind != vsr.KindHeartbeat || string(gotAt2[0].payload) != "hello-2" {
		t.Fatalf("unexpected frame at replica 2: %+v", gotAt2[0])
	}
	mu.Unlock()

	if err := t2.SendRaw(1, []byte("app-message")); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotAt1) == 1
	})
	mu.Lock()
	if gotAt1[0].kind != vsr.KindApplicationMessage || string(gotAt1[0].payload) != "app-message" {
		t.Fatalf("unexpected frame at replica 1: %+v", gotAt1[0])
	}
	mu.Unlock()
}

func TestTCPTransportSendToUnknownPeerIsNoOp(t *testing.T) {
	tr := NewTCPTransport(1, nil)
	tr.SendTo(9, vsr.KindHeartbeat, []byte("x")) // must not panic
	if err := tr.SendRaw(9, []byte("x")); err == nil {
		t.Fatal("expected SendRaw to error when no connection to the target replica exists")
	}
}
