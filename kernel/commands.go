package kernel

import "kimberlite.dev/core/types"

// Command is the tagged union of state transitions the kernel accepts
// (spec.md §4.3). Each concrete type implements Command by way of
// Timestamp(), which exposes the leader-assigned timestamp the kernel
// needs without ever reading a clock itself.
type Command interface {
	Timestamp() types.Timestamp
	isCommand()
}

// CreateStream allocates a new stream under tenant with the given name and
// data classification.
type CreateStream struct {
	Tenant    types.TenantId
	Name      string
	DataClass types.DataClass
	At        types.Timestamp
}

func (c CreateStream) Timestamp() types.Timestamp { return c.At }
func (CreateStream) isCommand()                   {}

// AppendBatch appends events to an existing stream, identified by the
// client-supplied idempotency id so a retried proposal does not double-append.
type AppendBatch struct {
	Tenant         types.TenantId
	Stream         types.StreamId
	Events         [][]byte
	IdempotencyId  types.IdempotencyId
	ExpectedOffset *types.Offset // optional optimistic-concurrency precondition
	At             types.Timestamp
}

func (c AppendBatch) Timestamp() types.Timestamp { return c.At }
func (AppendBatch) isCommand()                    {}

// CreateTable allocates a table backed by an existing stream.
type CreateTable struct {
	Tenant  types.TenantId
	Stream  types.StreamId
	Name    string
	Columns []string
	At      types.Timestamp
}

func (c CreateTable) Timestamp() types.Timestamp { return c.At }
func (CreateTable) isCommand()                    {}

// DropTable marks a table dropped without reclaiming its id.
type DropTable struct {
	Tenant types.TenantId
	Table  types.TableId
	At     types.Timestamp
}

func (c DropTable) Timestamp() types.Timestamp { return c.At }
func (DropTable) isCommand()                    {}

// CreateIndex allocates a secondary index over a table column.
type CreateIndex struct {
	Tenant types.TenantId
	Table  types.TableId
	Column string
	At     types.Timestamp
}

func (c CreateIndex) Timestamp() types.Timestamp { return c.At }
func (CreateIndex) isCommand()                    {}

// Insert appends one structured row to a table's backing stream.
type Insert struct {
	Tenant types.TenantId
	Table  types.TableId
	Row    map[string][]byte
	At     types.Timestamp
}

func (c Insert) Timestamp() types.Timestamp { return c.At }
func (Insert) isCommand()                   {}

// Update appends a row mutation to a table's backing stream.
type Update struct {
	Tenant types.TenantId
	Table  types.TableId
	Key    []byte
	Row    map[string][]byte
	At     types.Timestamp
}

func (c Update) Timestamp() types.Timestamp { return c.At }
func (Update) isCommand()                   {}

// Delete appends a tombstone for a row.
type Delete struct {
	Tenant types.TenantId
	Table  types.TableId
	Key    []byte
	At     types.Timestamp
}

func (c Delete) Timestamp() types.Timestamp { return c.At }
func (Delete) isCommand()                   {}

// CreateCheckpoint requests a checkpoint of every stream owned by tenant.
type CreateCheckpoint struct {
	Tenant types.TenantId
	At     types.Timestamp
}

func (c CreateCheckpoint) Timestamp() types.Timestamp { return c.At }
func (CreateCheckpoint) isCommand()                    {}

// Reconfig carries the next replica set through normal consensus
// (spec.md §4.4.5). The kernel only records the transition; VSR enforces
// the joint-consensus quorum rule.
type Reconfig struct {
	NewReplicaSet []types.ReplicaId
	At            types.Timestamp
}

func (c Reconfig) Timestamp() types.Timestamp { return c.At }
func (Reconfig) isCommand()                    {}

// Reply is the pure value returned to the submitting client, cached in the
// session table for idempotent retries.
type Reply struct {
	Offset  types.Offset
	StreamId types.StreamId
	TableId types.TableId
	IndexId types.IndexId
}
