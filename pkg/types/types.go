package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN represents a monotonically increasing sequence used for MVCC, WAL
// ordering, and the GET_SEQUENCE/RESET_SEQUENCE counters.
type SeqN uint64

// TimestampMs is a millisecond-precision timestamp for time-based policies
// such as lock lease deadlines.
type TimestampMs int64

// ShardID identifies a logical shard.
type ShardID uint32

// RegionID identifies a replicated region (a single Raft group's keyspace
// partition).
type RegionID uint64

// NodeID identifies a node in a cluster.
type NodeID string

// Term and LogIndex are used by consensus/replication components.
type Term uint64

type LogIndex uint64

// FencingToken is a globally monotonic identifier attached to a successful
// lock grant, used by downstream writers to detect stale ownership.
type FencingToken uint64
