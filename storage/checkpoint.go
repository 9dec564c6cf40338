package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/types"
)

// Checkpoint summarizes the log state at a position; it seeds verified
// reads so that a reader need not replay from genesis. Checkpoints are
// created every CheckpointIntervalRecords (configurable, 1,000–10,000) and
// on graceful shutdown, and are themselves log records of KindCheckpoint
// (spec.md §4.2).
type Checkpoint struct {
	Offset        types.Offset    `json:"offset"`
	ChainHash     types.ChainHash `json:"chain_hash"`
	IndexSnapshot []sparseEntry   `json:"index_snapshot"`
	Timestamp     types.Timestamp `json:"timestamp"`
	Signature     []byte          `json:"ed25519_sig"`
}

// Sign populates c.Signature over the checkpoint's canonical JSON body
// (every field except Signature itself).
func (c *Checkpoint) Sign(signer crypto.Signer) error {
	body, err := c.signingBody()
	if err != nil {
		return err
	}
	c.Signature = signer.Sign(body)
	return nil
}

// Verify checks c.Signature against publicKey.
func (c *Checkpoint) Verify(verifier crypto.Verifier, publicKey []byte) bool {
	body, err := c.signingBody()
	if err != nil {
		return false
	}
	return verifier.Verify(publicKey, body, c.Signature)
}

func (c *Checkpoint) signingBody() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = nil
	return json.Marshal(unsigned)
}

func writeCheckpointFile(path string, c Checkpoint) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return writeFileAtomicDurable(path, raw, 0o644)
}

func readCheckpointFile(path string) (Checkpoint, error) {
	var c Checkpoint
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("storage: decode checkpoint: %w", err)
	}
	return c, nil
}
