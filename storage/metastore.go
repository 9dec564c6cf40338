package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"kimberlite.dev/core/types"
)

// MetaStore is the bbolt-backed store for kernel metadata: stream, table,
// and index catalogs, plus per-client session and idempotency tracking.
// It is distinct from the hash-chained log: metadata is mutable and has no
// compliance-critical audit requirement, so it is kept in a conventional
// embedded KV store rather than an append-only log, grounded on
// node/store/db.go's bucket-per-entity bbolt usage.
type MetaStore struct {
	db *bolt.DB
}

var (
	bucketStreams        = []byte("streams_by_id")
	bucketTables         = []byte("tables_by_id")
	bucketIndexes        = []byte("indexes_by_id")
	bucketSessions       = []byte("sessions_by_client")
	bucketUncommitted    = []byte("uncommitted_by_client")
	bucketReplicaConfig  = []byte("replica_config")
	bucketAudit          = []byte("audit_by_tenant_seq")
	bucketSecondaryIndex = []byte("secondary_index_entries")
)

// StreamMeta is the catalog record for a stream (spec.md §3.4).
type StreamMeta struct {
	TenantId    types.TenantId  `json:"tenant_id"`
	StreamId    types.StreamId  `json:"stream_id"`
	Name        string          `json:"name"`
	DataClass   types.DataClass `json:"data_class"`
	CreatedAt   types.Timestamp `json:"created_at"`
	Encrypted   bool            `json:"encrypted"`
	Compression Compression     `json:"compression"`
}

// TableMeta is the catalog record for a structured table.
type TableMeta struct {
	TenantId  types.TenantId  `json:"tenant_id"`
	TableId   types.TableId   `json:"table_id"`
	Name      string          `json:"name"`
	Columns   []string        `json:"columns"`
	CreatedAt types.Timestamp `json:"created_at"`
	Dropped   bool            `json:"dropped"`
}

// IndexMeta is the catalog record for a secondary index over a table.
type IndexMeta struct {
	TenantId  types.TenantId  `json:"tenant_id"`
	TableId   types.TableId   `json:"table_id"`
	IndexId   types.IndexId   `json:"index_id"`
	Column    string          `json:"column"`
	CreatedAt types.Timestamp `json:"created_at"`
}

// ClientSession tracks the last request number and reply seen for a client,
// so that request retries can be answered idempotently instead of
// re-applied (spec.md §4.3 idempotency, §9 LRU session eviction).
type ClientSession struct {
	ClientId    types.ClientId     `json:"client_id"`
	LastRequest types.RequestNumber `json:"last_request"`
	LastReply   []byte             `json:"last_reply"`
	LastSeenAt  types.Timestamp    `json:"last_seen_at"`
}

func OpenMetaStore(dir string) (*MetaStore, error) {
	path := filepath.Join(dir, "meta.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open metastore: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStreams, bucketTables, bucketIndexes, bucketSessions, bucketUncommitted, bucketReplicaConfig, bucketAudit, bucketSecondaryIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &MetaStore{db: bdb}, nil
}

func (m *MetaStore) Close() error { return m.db.Close() }

func streamKey(tenant types.TenantId, stream types.StreamId) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(tenant))
	binary.BigEndian.PutUint64(k[8:16], uint64(stream))
	return k
}

func (m *MetaStore) PutStream(s StreamMeta) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreams).Put(streamKey(s.TenantId, s.StreamId), raw)
	})
}

func (m *MetaStore) GetStream(tenant types.TenantId, stream types.StreamId) (*StreamMeta, bool, error) {
	var out *StreamMeta
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStreams).Get(streamKey(tenant, stream))
		if v == nil {
			return nil
		}
		var s StreamMeta
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func tableKey(tenant types.TenantId, table types.TableId) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(tenant))
	binary.BigEndian.PutUint64(k[8:16], uint64(table))
	return k
}

func (m *MetaStore) PutTable(t TableMeta) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).Put(tableKey(t.TenantId, t.TableId), raw)
	})
}

func (m *MetaStore) GetTable(tenant types.TenantId, table types.TableId) (*TableMeta, bool, error) {
	var out *TableMeta
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTables).Get(tableKey(tenant, table))
		if v == nil {
			return nil
		}
		var t TableMeta
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		out = &t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func indexKey(tenant types.TenantId, table types.TableId, index types.IndexId) []byte {
	k := make([]byte, 24)
	binary.BigEndian.PutUint64(k[0:8], uint64(tenant))
	binary.BigEndian.PutUint64(k[8:16], uint64(table))
	binary.BigEndian.PutUint64(k[16:24], uint64(index))
	return k
}

func (m *MetaStore) PutIndexMeta(idx IndexMeta) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Put(indexKey(idx.TenantId, idx.TableId, idx.IndexId), raw)
	})
}

func (m *MetaStore) GetIndexMeta(tenant types.TenantId, table types.TableId, index types.IndexId) (*IndexMeta, bool, error) {
	var out *IndexMeta
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIndexes).Get(indexKey(tenant, table, index))
		if v == nil {
			return nil
		}
		var idx IndexMeta
		if err := json.Unmarshal(v, &idx); err != nil {
			return err
		}
		out = &idx
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func clientKey(client types.ClientId) []byte {
	return []byte(client.String())
}

// PutSession persists the session record, overwriting any prior one for
// the same client.
func (m *MetaStore) PutSession(s ClientSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(clientKey(s.ClientId), raw)
	})
}

func (m *MetaStore) GetSession(client types.ClientId) (*ClientSession, bool, error) {
	var out *ClientSession
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessions).Get(clientKey(client))
		if v == nil {
			return nil
		}
		var s ClientSession
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// EvictSession removes a client's session record. Nothing outside the
// package's tests calls it.
func (m *MetaStore) EvictSession(client types.ClientId) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete(clientKey(client))
	})
}

// ForEachSession walks all sessions in key order. It has no caller in the
// module.
func (m *MetaStore) ForEachSession(fn func(ClientSession) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s ClientSession
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if err := fn(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutUncommitted records an in-flight (not yet committed) request body by
// client and request number. It has no caller in the module; in-flight
// requests are tracked in kernel state instead (spec.md §4.4.2).
func (m *MetaStore) PutUncommitted(client types.ClientId, req types.RequestNumber, body []byte) error {
	key := append(clientKey(client), byte(':'))
	key = binary.BigEndian.AppendUint64(key, uint64(req))
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUncommitted).Put(key, body)
	})
}

func (m *MetaStore) ClearUncommitted(client types.ClientId, req types.RequestNumber) error {
	key := append(clientKey(client), byte(':'))
	key = binary.BigEndian.AppendUint64(key, uint64(req))
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUncommitted).Delete(key)
	})
}

// PutReplicaConfig stores a raw replica-configuration value under key. Its
// only user is kimberlite-ctl's reconfig subcommand, which keeps the
// replica set under "replica_set"; the node does not read it on start.
func (m *MetaStore) PutReplicaConfig(key string, value []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicaConfig).Put([]byte(key), value)
	})
}

// AuditEntry is one compliance audit-trail record: which tenant did what,
// with what detail, at what sequence point. Audit entries are append-only
// by construction (the sequence key always grows) even though they live
// in the mutable metastore rather than the hash-chained log, since audit
// trail integrity rides on the stream log's chain, not on this index.
type AuditEntry struct {
	Tenant types.TenantId `json:"tenant"`
	Action string         `json:"action"`
	Detail string         `json:"detail"`
	Seq    uint64         `json:"seq"`
}

func auditKey(tenant types.TenantId, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(tenant))
	binary.BigEndian.PutUint64(k[8:16], seq)
	return k
}

// AppendAudit records one audit entry, keyed by a caller-supplied sequence
// number so that replaying the same command twice (idempotent retry) is
// free to reuse the same seq and overwrite rather than duplicate.
func (m *MetaStore) AppendAudit(tenant types.TenantId, seq uint64, action, detail string) error {
	raw, err := json.Marshal(AuditEntry{Tenant: tenant, Action: action, Detail: detail, Seq: seq})
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(auditKey(tenant, seq), raw)
	})
}

// LastAuditSeq returns the highest sequence number already recorded for
// tenant, or 0 if the tenant has no audit entries yet. Used to resume
// sequence assignment after a process restart, since AppendAudit's
// upsert-by-seq key means reusing an already-used seq silently overwrites
// that entry rather than appending a new one.
func (m *MetaStore) LastAuditSeq(tenant types.TenantId) (uint64, error) {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(tenant))
	var last uint64
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		end := make([]byte, 8)
		binary.BigEndian.PutUint64(end, uint64(tenant)+1)
		k, _ := c.Seek(end)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		if k == nil || len(k) < 16 || string(k[:8]) != string(prefix) {
			return nil
		}
		last = binary.BigEndian.Uint64(k[8:16])
		return nil
	})
	return last, err
}

// ForEachAudit walks a tenant's audit trail in sequence order.
func (m *MetaStore) ForEachAudit(tenant types.TenantId, fn func(AuditEntry) error) error {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(tenant))
	return m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func secondaryIndexKey(tenant types.TenantId, table types.TableId, index types.IndexId, rowKey []byte) []byte {
	k := make([]byte, 0, 24+len(rowKey))
	k = binary.BigEndian.AppendUint64(k, uint64(tenant))
	k = binary.BigEndian.AppendUint64(k, uint64(table))
	k = binary.BigEndian.AppendUint64(k, uint64(index))
	k = append(k, rowKey...)
	return k
}

// PutIndexEntry upserts a secondary-index entry: the encoded row, keyed by
// (tenant, table, index, row key). Used by the runtime shell to maintain
// secondary indexes outside the hash-chained log, the same mutable/
// compliance split StreamMeta/TableMeta already draw.
func (m *MetaStore) PutIndexEntry(tenant types.TenantId, table types.TableId, index types.IndexId, rowKey, rowValue []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecondaryIndex).Put(secondaryIndexKey(tenant, table, index, rowKey), rowValue)
	})
}

func (m *MetaStore) DeleteIndexEntry(tenant types.TenantId, table types.TableId, index types.IndexId, rowKey []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecondaryIndex).Delete(secondaryIndexKey(tenant, table, index, rowKey))
	})
}

func (m *MetaStore) GetIndexEntry(tenant types.TenantId, table types.TableId, index types.IndexId, rowKey []byte) ([]byte, bool, error) {
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSecondaryIndex).Get(secondaryIndexKey(tenant, table, index, rowKey))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (m *MetaStore) GetReplicaConfig(key string) ([]byte, bool, error) {
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketReplicaConfig).Get([]byte(key))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}
