// Package replication defines the log-entry and closure model the FSM
// driver consumes: committed entries, their completion closures, and the
// lazy iterator the state machine walks during apply.
package replication

import (
	"context"

	"kvraft/pkg/types"
)

// EntryType distinguishes user data entries from Raft-internal entries.
type EntryType uint8

const (
	EntryData EntryType = iota
	EntryConfiguration
	EntryNoOp
)

func (t EntryType) String() string {
	switch t {
	case EntryData:
		return "data"
	case EntryConfiguration:
		return "configuration"
	case EntryNoOp:
		return "no-op"
	default:
		return "unknown"
	}
}

// Status is the outcome delivered to a closure: Code == 0 is success.
type Status struct {
	Code    int
	Message string
	Payload any
}

// OK builds a successful status carrying payload.
func OK(payload any) Status { return Status{Payload: payload} }

// Fail builds a failure status with the given code and message.
func Fail(code int, message string) Status { return Status{Code: code, Message: message} }

// IsOK reports whether the status represents success.
func (s Status) IsOK() bool { return s.Code == 0 }

// Closure is a one-shot completion handle paired with a submitted
// operation. Each closure is invoked exactly once with a terminal status.
type Closure interface {
	// OnCommitted is an optional pre-apply observer, invoked for every
	// closure in a doCommitted batch before any entry in that batch is
	// applied. Implementations that don't need it can no-op.
	OnCommitted()
	// Done delivers the terminal result. Must be safe to call exactly once.
	Done(status Status)
}

// Payload carries either the raw undecoded entry bytes or, on the leader
// path, the already-constructed operation — avoiding a redundant decode.
type Payload struct {
	Raw     []byte
	Decoded any
}

// LogEntry is a single committed log entry as seen by the apply pipeline.
type LogEntry struct {
	Index   types.LogIndex
	Term    types.Term
	Type    EntryType
	Payload Payload
	Closure Closure

	// OldPeers/Peers are populated only for EntryConfiguration entries,
	// describing a joint-consensus transition.
	OldPeers []types.NodeID
	Peers    []types.NodeID
}

// Iterator walks committed log entries in strictly increasing index order.
// The consumer must call Next exactly once per entry it applies; leaving
// the iterator valid without advancing is a protocol error.
type Iterator interface {
	Valid() bool
	Entry() LogEntry
	Next()
	HasError() bool
	Error() error
}

// Log abstracts a replicated log storage, used by the driver to read back
// entries between lastApplied and a newly committed index.
type Log interface {
	Append(ctx context.Context, entries []LogEntry) (types.LogIndex, error)
	LastIndex(ctx context.Context) (types.LogIndex, error)
	Entries(ctx context.Context, from, to types.LogIndex) ([]LogEntry, error)
	Term(ctx context.Context, index types.LogIndex) (types.Term, error)
}

// Replicator ships log entries to followers.
type Replicator interface {
	Replicate(ctx context.Context, to types.NodeID, entries []LogEntry) error
}
