// kimberlite-node is a cluster replica's process entry point: it opens
// the node's storage, wires the VSR replica to the TCP transport and the
// effect executor, and runs until signalled to stop.
//
// Grounded on cmd/rubin-node/main.go's run(args, stdout, stderr) int
// pattern and function-variable dependency injection.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/runtime"
	"kimberlite.dev/core/storage"
	"kimberlite.dev/core/types"
	"kimberlite.dev/core/vsr"
)

var nowFn = time.Now

// Config is this node's startup configuration. Grounded on node/config.go's
// Config shape, generalized from a single bootstrap-peer list to a fixed
// replica-id → address membership map.
type Config struct {
	DataDir   string
	BindAddr  string
	ReplicaId types.ReplicaId
	Peers     map[types.ReplicaId]string
	Standby   bool
	NumCores  int
}

func DefaultConfig() Config {
	return Config{
		DataDir:  defaultDataDir(),
		BindAddr: "0.0.0.0:19611",
		NumCores: 4,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".kimberlite"
	}
	return filepath.Join(home, ".kimberlite")
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := DefaultConfig()
	cfg := defaults
	fs := flag.NewFlagSet("kimberlite-node", flag.ContinueOnError)
	fs.SetOutput(stderr)

	replicaID := fs.Uint("replica-id", 1, "this replica's id")
	peersCSV := fs.String("peers", "", "comma-separated id=host:port peer list (excludes self)")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "node data directory")
	fs.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "bind address host:port for peer connections")
	fs.IntVar(&cfg.NumCores, "cores", defaults.NumCores, "number of command-routing shards")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	standby := fs.Bool("standby", false, "join as a non-voting standby replica")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.ReplicaId = types.ReplicaId(*replicaID)
	cfg.Standby = *standby

	peers, err := parsePeers(*peersCSV)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid --peers: %v\n", err)
		return 2
	}
	cfg.Peers = peers

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 2
	}

	replicaSet := make([]types.ReplicaId, 0, len(peers)+1)
	replicaSet = append(replicaSet, cfg.ReplicaId)
	for id := range peers {
		replicaSet = append(replicaSet, id)
	}

	_, _ = fmt.Fprintf(stdout, "kimberlite-node: replica_id=%d bind=%s datadir=%s standby=%v replica_set=%v\n",
		cfg.ReplicaId, cfg.BindAddr, cfg.DataDir, cfg.Standby, replicaSet)
	if *dryRun {
		return 0
	}

	meta, err := storage.OpenMetaStore(cfg.DataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "metastore open failed: %v\n", err)
		return 2
	}
	defer func() { _ = meta.Close() }()

	provider := crypto.NewStdProvider(nil)
	opener := runtime.NewStreamLogOpener(filepath.Join(cfg.DataDir, "streams"), provider, meta, crypto.MasterKeyFromEnv())
	defer func() { _ = opener.Close() }()
	index := runtime.NewIndexStore(meta)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// StdProvider has no real HSM to probe, so its health check is a
	// permanent pass; a production deployment wires a HealthCheckFn that
	// makes a real PKCS#11 call and replaces stop with whatever shutdown
	// hook that deployment uses.
	hsmMonitor := crypto.NewHSMMonitor(crypto.HSMConfigFromEnv(), func() error { return nil }, stop)
	go hsmMonitor.Run(ctx)

	transport := runtime.NewTCPTransport(cfg.ReplicaId, cfg.Peers)
	clock := runtime.NewClusterClock(vsr.NewClockSync(vsr.DefaultConfig()))
	executor := runtime.NewEffectExecutor(opener, meta, index, transport, nil, provider)
	router := runtime.NewCoreRouter(cfg.NumCores, 256)
	defer router.Stop()

	var replica *vsr.Replica
	onCommit := func(op types.OpNumber, entry vsr.LogEntry, effects []kernel.Effect, reply kernel.Reply) {
		if err := executor.Execute(effects); err != nil {
			_, _ = fmt.Fprintf(stderr, "effect execution failed at op %d: %v\n", op, err)
		}
		if cmd, err := kernel.DecodeCommand(entry.CommandPayload); err == nil {
			if _, ok := cmd.(kernel.Reconfig); ok {
				replica.CommitReconfig()
			}
		}
	}
	replica = vsr.NewReplica(cfg.ReplicaId, replicaSet, cfg.Standby, kernel.NewState(), transport, clock, vsr.DefaultConfig(), onCommit)
	replica.SetClockSampler(clock)

	transport.SetDispatch(dispatcher(replica))

	go func() { _ = transport.Serve(ctx, cfg.BindAddr) }()
	transport.Dial(ctx)

	// A replica's own VSR log and view/commit state live only in memory
	// (the durable state is the stream logs plus whatever a quorum of
	// peers can still report), so every process start — not just a crash
	// restart — looks the same as a freshly rejoining replica: recover
	// from peers rather than assume the blank state NewReplica just
	// constructed is authoritative. On a true first-ever cluster boot
	// this still converges, since a quorum of equally-blank peers answers
	// with op 0 / commit 0 and recovery completes immediately.
	if !cfg.Standby {
		var nonceBuf [8]byte
		if _, err := cryptorand.Read(nonceBuf[:]); err != nil {
			_, _ = fmt.Fprintf(stderr, "recovery nonce generation failed: %v\n", err)
			return 2
		}
		replica.BeginRecovery(binary.LittleEndian.Uint64(nonceBuf[:]))
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				replica.Tick(now)
				clock.TryFormEpoch(cfg.ReplicaId, len(replicaSet))
			}
		}
	}()

	// router is wired for client-facing command ingestion (not yet built):
	// a future RPC front end would call router.Route(ctx,
	// runtime.RouteKey(cmd), func() { replica.Submit(...) }) so every
	// command against a given stream serializes onto one goroutine.

	_, _ = fmt.Fprintln(stdout, "kimberlite-node running")
	<-ctx.Done()
	_, _ = fmt.Fprintln(stdout, "kimberlite-node stopped")
	return 0
}

func parsePeers(csv string) (map[types.ReplicaId]string, error) {
	out := make(map[types.ReplicaId]string)
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return out, nil
	}
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.SplitN(tok, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("peer entry %q must be id=host:port", tok)
		}
		id, err := strconv.ParseUint(parts[0], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("peer entry %q: invalid replica id: %w", tok, err)
		}
		out[types.ReplicaId(id)] = parts[1]
	}
	return out, nil
}

// dispatcher decodes an inbound frame's payload by kind and invokes the
// matching Replica.On* handler, the same decode-then-dispatch shape
// vsr/helpers_test.go's in-process network fake uses to drive a Replica
// without a real socket.
func dispatcher(r *vsr.Replica) func(from types.ReplicaId, kind vsr.Kind, payload []byte) {
	return func(from types.ReplicaId, kind vsr.Kind, payload []byte) {
		switch kind {
		case vsr.KindPrepare:
			if msg, err := vsr.DecodePrepare(payload); err == nil {
				_ = r.OnPrepare(msg)
			}
		case vsr.KindPrepareOk:
			if msg, err := vsr.DecodePrepareOk(payload); err == nil {
				r.OnPrepareOk(msg)
			}
		case vsr.KindCommit:
			if msg, err := vsr.DecodeCommit(payload); err == nil {
				r.OnCommit(msg)
			}
		case vsr.KindStartViewChange:
			if msg, err := vsr.DecodeStartViewChange(payload); err == nil {
				r.OnStartViewChange(msg)
			}
		case vsr.KindDoViewChange:
			if msg, err := vsr.DecodeDoViewChange(payload); err == nil {
				r.OnDoViewChange(msg)
			}
		case vsr.KindStartView:
			if msg, err := vsr.DecodeStartView(payload); err == nil {
				_ = r.OnStartView(msg)
			}
		case vsr.KindRepairRequest:
			if msg, err := vsr.DecodeRepairRequest(payload); err == nil {
				r.OnRepairRequest(msg)
			}
		case vsr.KindRepairResponse:
			if msg, err := vsr.DecodeRepairResponse(payload); err == nil {
				_ = r.OnRepairResponse(msg, nowFn())
			}
		case vsr.KindRecoveryRequest:
			if msg, err := vsr.DecodeRecoveryRequest(payload); err == nil {
				r.OnRecoveryRequest(msg)
			}
		case vsr.KindRecoveryResponse:
			if msg, err := vsr.DecodeRecoveryResponse(payload); err == nil {
				r.OnRecoveryResponse(msg)
			}
		case vsr.KindRepairNack:
			if msg, err := vsr.DecodeRepairNack(payload); err == nil {
				r.OnRepairNack(msg)
			}
		case vsr.KindHeartbeat:
			if msg, err := vsr.DecodeHeartbeat(payload); err == nil {
				r.OnHeartbeat(msg, nowFn())
			}
		case vsr.KindWriteReorderGapRequest:
			if msg, err := vsr.DecodeWriteReorderGapRequest(payload); err == nil {
				r.OnWriteReorderGapRequest(msg)
			}
		case vsr.KindWriteReorderGapResponse:
			if msg, err := vsr.DecodeWriteReorderGapResponse(payload); err == nil {
				r.OnWriteReorderGapResponse(msg)
			}
		case vsr.KindApplicationMessage:
			// Reserved for a future client-facing RPC front end; no VSR
			// handler consumes it today.
			_ = from
		}
	}
}
