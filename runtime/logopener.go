package runtime

import (
	"fmt"
	"path/filepath"
	"sync"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/storage"
	"kimberlite.dev/core/types"
)

// StreamLogOpener lazily opens and caches one *storage.Log per stream
// under Root, the runtime.LogOpener every node (cmd/kimberlite-node and
// the kimberlite facade package alike) wires into its EffectExecutor. It
// consults meta for each stream's catalog entry so that a stream created
// with a non-public DataClass (StreamMetadataWrite always sets Encrypted
// accordingly, see executor.go) gets its log opened under a DEK derived
// from master through the tenant's KEK, rather than in the clear.
type streamCacheKey struct {
	tenant types.TenantId
	stream types.StreamId
}

type StreamLogOpener struct {
	root     string
	provider crypto.Provider
	meta     *storage.MetaStore
	master   crypto.MasterKey

	mu   sync.Mutex
	logs map[streamCacheKey]*storage.Log
}

func NewStreamLogOpener(root string, provider crypto.Provider, meta *storage.MetaStore, master crypto.MasterKey) *StreamLogOpener {
	return &StreamLogOpener{root: root, provider: provider, meta: meta, master: master, logs: make(map[streamCacheKey]*storage.Log)}
}

func (o *StreamLogOpener) OpenStreamLog(tenant types.TenantId, stream types.StreamId) (*storage.Log, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := streamCacheKey{tenant, stream}
	if l, ok := o.logs[key]; ok {
		return l, nil
	}
	dek, err := o.streamDEK(tenant, stream)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(o.root, fmt.Sprintf("%d-%d", tenant, stream))
	l, err := storage.OpenLog(dir, tenant, stream, storage.DefaultConfig(), o.provider, dek)
	if err != nil {
		return nil, err
	}
	o.logs[key] = l
	return l, nil
}

// streamDEK derives the payload key for stream's log from the stream's
// catalog entry, or returns nil when the stream is unencrypted (including
// the not-yet-cataloged case, which happens transiently between a
// CreateStream command logging on the leader and the StreamMetadataWrite
// effect executing against the metastore — an append can only reach a
// stream after that effect has run, since CreateStream emits it before
// any command can emit a StorageAppend for the same stream).
func (o *StreamLogOpener) streamDEK(tenant types.TenantId, stream types.StreamId) (*crypto.DEK, error) {
	sm, ok, err := o.meta.GetStream(tenant, stream)
	if err != nil {
		return nil, err
	}
	if !ok || !sm.Encrypted {
		return nil, nil
	}
	kek := crypto.DeriveKEK(o.master, tenant)
	dek := crypto.DeriveDEK(kek, stream)
	return &dek, nil
}

// Close closes every log opened so far, returning the first error
// encountered (if any) after attempting to close the rest.
func (o *StreamLogOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var first error
	for _, l := range o.logs {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
