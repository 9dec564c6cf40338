// kimberlite-ctl is the operator CLI: key lifecycle management, offline
// checkpoint inspection, and replica-set reconfiguration bookkeeping.
// Grounded on node/keymgr.go's subcommand dispatch and KeyStoreV1 JSON
// keystore (renamed KBKSv1 here), and cmd/rubin-consensus-cli's
// flag-per-subcommand layout.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/storage"
	"kimberlite.dev/core/types"
)

// KeyStoreV1 is the on-disk dev keystore format: an Ed25519 checkpoint
// signing key, wrapped under a KEK with AES-256-KW. It keeps the
// teacher's KeyStoreV1 type name; only the version tag differs ("KBKSv1"
// here instead of the teacher's "RBKSv1").
type KeyStoreV1 struct {
	Version      string `json:"version"` // "KBKSv1"
	PubkeyHex    string `json:"pubkey_hex"`
	WrapAlg      string `json:"wrap_alg"` // "AES-256-KW"
	WrappedSKHex string `json:"wrapped_sk_hex"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "usage: kimberlite-ctl <keygen|checkpoint|reconfig> ...")
		return 2
	}
	var err error
	switch args[0] {
	case "keygen":
		err = cmdKeygen(args[1:], stdout)
	case "checkpoint":
		err = cmdCheckpoint(args[1:], stdout)
	case "reconfig":
		err = cmdReconfig(args[1:], stdout)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// cmdKeygen generates a fresh Ed25519 checkpoint-signing keypair and
// writes a KBKSv1 keystore wrapping the private key under the supplied
// hex KEK.
func cmdKeygen(argv []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "output keystore json path")
	kekHex := fs.String("kek-hex", "", "AES-256 KEK (32 bytes hex) to wrap the signing key under")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *out == "" || *kekHex == "" {
		return fmt.Errorf("keygen: --out and --kek-hex are required")
	}
	kek, err := hex.DecodeString(*kekHex)
	if err != nil || len(kek) != 32 {
		return fmt.Errorf("keygen: --kek-hex must be 32 bytes hex")
	}

	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keygen: generate key: %w", err)
	}
	wrapped, err := crypto.AESKeyWrapRFC3394(kek, sk)
	if err != nil {
		return fmt.Errorf("keygen: wrap key: %w", err)
	}

	ks := KeyStoreV1{
		Version:      "KBKSv1",
		PubkeyHex:    hex.EncodeToString(pub),
		WrapAlg:      "AES-256-KW",
		WrappedSKHex: hex.EncodeToString(wrapped),
	}
	raw, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, raw, 0o600); err != nil {
		return fmt.Errorf("keygen: write keystore: %w", err)
	}
	_, _ = fmt.Fprintf(stdout, "wrote keystore %s pubkey=%s\n", *out, ks.PubkeyHex)
	return nil
}

// cmdCheckpoint inspects a stream's current log tip, for offline
// diagnostics against a node's data directory while the node is stopped.
func cmdCheckpoint(argv []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	dir := fs.String("stream-dir", "", "path to a stream's log directory")
	tenant := fs.Uint64("tenant", 0, "tenant id")
	stream := fs.Uint64("stream", 0, "stream id")
	wantHashHex := fs.String("verify-hash", "", "hex chain hash to verify the log's tip against (optional)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("checkpoint: --stream-dir is required")
	}
	provider := crypto.NewStdProvider(nil)
	log, err := storage.OpenLog(*dir, types.TenantId(*tenant), types.StreamId(*stream), storage.DefaultConfig(), provider, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: open log: %w", err)
	}
	defer func() { _ = log.Close() }()

	offset, hash := log.Tip()
	_, _ = fmt.Fprintf(stdout, "tenant=%d stream=%d tip_offset=%d tip_chain_hash=%x should_checkpoint=%v\n",
		*tenant, *stream, offset, hash, log.ShouldCheckpoint())

	if *wantHashHex != "" {
		want, err := types.ParseChainHash(*wantHashHex)
		if err != nil {
			return fmt.Errorf("checkpoint: --verify-hash: %w", err)
		}
		if want != hash {
			return fmt.Errorf("checkpoint: tip chain hash %x does not match expected %x", hash, want)
		}
		_, _ = fmt.Fprintln(stdout, "tip chain hash verified")
	}
	return nil
}

// cmdReconfig reads or writes the replica-set bookkeeping record a node
// persists in its metastore, for recovery after a reconfiguration applied
// while this replica was down. It does not itself drive a live
// reconfiguration handshake — that happens through a running node's VSR
// replica, via BeginReconfig/CommitReconfig.
func cmdReconfig(argv []string, stdout io.Writer) error {
	if len(argv) == 0 {
		return fmt.Errorf("reconfig: usage: reconfig <show|set> --datadir DIR [--set id1,id2,...]")
	}
	fs := flag.NewFlagSet("reconfig", flag.ContinueOnError)
	datadir := fs.String("datadir", "", "node data directory containing meta.db")
	set := fs.String("set", "", "comma-separated replica ids for the new set (reconfig set only)")
	action := argv[0]
	if err := fs.Parse(argv[1:]); err != nil {
		return err
	}
	if *datadir == "" {
		return fmt.Errorf("reconfig: --datadir is required")
	}
	meta, err := storage.OpenMetaStore(*datadir)
	if err != nil {
		return fmt.Errorf("reconfig: open metastore: %w", err)
	}
	defer func() { _ = meta.Close() }()

	switch action {
	case "show":
		raw, ok, err := meta.GetReplicaConfig("replica_set")
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(stdout, "no replica_set recorded")
			return nil
		}
		_, _ = fmt.Fprintf(stdout, "replica_set=%s\n", string(raw))
		return nil
	case "set":
		if *set == "" {
			return fmt.Errorf("reconfig set: --set is required")
		}
		ids := strings.Split(*set, ",")
		for _, id := range ids {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("reconfig set: empty replica id in --set")
			}
		}
		if err := meta.PutReplicaConfig("replica_set", []byte(*set)); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "recorded replica_set=%s\n", *set)
		return nil
	default:
		return fmt.Errorf("reconfig: unknown action %q", action)
	}
}
