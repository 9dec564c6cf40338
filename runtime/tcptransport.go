package runtime

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"kimberlite.dev/core/types"
	"kimberlite.dev/core/vsr"
)

// TCPTransport implements vsr.Transport over one persistent TCP
// connection per peer replica, framed with vsr.WriteFrame/ReadFrame.
// Replica membership is fixed and known up front (spec.md §4.4.8
// reconfiguration aside), so connection setup is a one-byte replica-id
// exchange rather than a full version handshake — membership and
// authentication are an operator/transport-layer concern (TLS, mTLS, a
// private network) outside VSR's scope.
//
// Grounded on node/p2p_runtime.go's PeerSession: one read-loop goroutine
// per connection over a buffered reader, reconnect-on-drop the way a
// peer's connection is re-dialed after a disconnect.
type TCPTransport struct {
	self  types.ReplicaId
	addrs map[types.ReplicaId]string

	mu    sync.Mutex
	conns map[types.ReplicaId]*peerConn

	dispatch func(from types.ReplicaId, kind vsr.Kind, payload []byte)
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
}

// NewTCPTransport builds a transport for replica self, knowing every
// other replica's dial address (addrs excludes self).
func NewTCPTransport(self types.ReplicaId, addrs map[types.ReplicaId]string) *TCPTransport {
	return &TCPTransport{self: self, addrs: addrs, conns: make(map[types.ReplicaId]*peerConn)}
}

// SetDispatch registers the callback invoked for every frame received
// from any peer, inbound or outbound connection alike. Must be called
// before Serve or Dial.
func (t *TCPTransport) SetDispatch(fn func(from types.ReplicaId, kind vsr.Kind, payload []byte)) {
	t.dispatch = fn
}

// Serve accepts inbound connections from peers on addr until ctx is
// cancelled, reading the dialing peer's replica id before handing the
// connection to the shared read loop.
func (t *TCPTransport) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("runtime: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("runtime: accept: %w", err)
			}
		}
		go t.handleInbound(ctx, conn)
	}
}

func (t *TCPTransport) handleInbound(ctx context.Context, conn net.Conn) {
	var idByte [1]byte
	if _, err := conn.Read(idByte[:]); err != nil {
		_ = conn.Close()
		return
	}
	from := types.ReplicaId(idByte[0])
	pc := &peerConn{conn: conn, w: bufio.NewWriter(conn)}
	t.mu.Lock()
	t.conns[from] = pc
	t.mu.Unlock()
	t.readLoop(ctx, from, conn)
}

// Dial connects to every known peer, retrying with backoff until ctx is
// cancelled. Call once at startup; reconnection on drop happens in each
// peer's dial loop, which redials once the read loop returns.
func (t *TCPTransport) Dial(ctx context.Context) {
	for id, addr := range t.addrs {
		go t.dialLoop(ctx, id, addr)
	}
}

func (t *TCPTransport) dialLoop(ctx context.Context, id types.ReplicaId, addr string) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		if _, err := conn.Write([]byte{byte(t.self)}); err != nil {
			_ = conn.Close()
			continue
		}
		backoff = 100 * time.Millisecond
		pc := &peerConn{conn: conn, w: bufio.NewWriter(conn)}
		t.mu.Lock()
		t.conns[id] = pc
		t.mu.Unlock()
		t.readLoop(ctx, id, conn) // blocks until the connection drops
	}
}

func (t *TCPTransport) readLoop(ctx context.Context, from types.ReplicaId, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		delete(t.conns, from)
		t.mu.Unlock()
	}()
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, outcome := vsr.ReadFrame(r)
		if outcome != nil {
			return
		}
		if t.dispatch != nil {
			t.dispatch(from, frame.Kind, frame.Payload)
		}
	}
}

func (t *TCPTransport) send(pc *peerConn, kind vsr.Kind, payload []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := vsr.WriteFrame(pc.w, vsr.Frame{Kind: kind, Payload: payload}); err != nil {
		return
	}
	_ = pc.w.Flush()
}

// SendTo implements vsr.Transport, silently dropping the message if no
// connection to the target replica is currently up — VSR's own repair
// and heartbeat paths are responsible for noticing and recovering from
// a dropped peer, not this transport.
func (t *TCPTransport) SendTo(to types.ReplicaId, kind vsr.Kind, payload []byte) {
	t.mu.Lock()
	pc, ok := t.conns[to]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.send(pc, kind, payload)
}

// Broadcast implements vsr.Transport.
func (t *TCPTransport) Broadcast(kind vsr.Kind, payload []byte) {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()
	for _, pc := range conns {
		t.send(pc, kind, payload)
	}
}

// SendRaw implements the Transport interface EffectExecutor uses for the
// kernel's generic SendMessage effect, forwarding message unopened inside
// a KindApplicationMessage frame.
func (t *TCPTransport) SendRaw(to types.ReplicaId, message []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: no connection to replica %d", to)
	}
	t.send(pc, vsr.KindApplicationMessage, message)
	return nil
}
