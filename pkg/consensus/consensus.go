// Package consensus exposes the minimal collaborator interfaces the apply
// pipeline needs from a Raft implementation: proposing operations,
// reporting leadership, and handing committed entries to the state machine.
package consensus

import (
	"context"

	"kvraft/pkg/replication"
	"kvraft/pkg/types"
)

// FSM applies a batch of committed log entries to the state machine. It
// must consume at least one entry per call and advance the iterator for
// every entry it applies.
type FSM interface {
	OnApply(ctx context.Context, it replication.Iterator) error
	OnSnapshotSave(ctx context.Context, index types.LogIndex, term types.Term, w SnapshotWriter, done replication.Closure)
	OnSnapshotLoad(ctx context.Context, r SnapshotReader) bool
	OnConfigurationCommitted(peers []types.NodeID)
	OnLeaderStart(term types.Term)
	OnLeaderStop(status replication.Status)
	OnShutdown()
}

// SnapshotWriter is the minimal surface the state machine needs to persist
// a snapshot; concrete implementation lives in pkg/snapshot.
type SnapshotWriter interface {
	Path() string
	AddFile(name string, meta []byte) error
}

// SnapshotReader is the minimal surface the state machine needs to load a
// snapshot; concrete implementation lives in pkg/snapshot.
type SnapshotReader interface {
	Path() string
	FileMeta(name string) ([]byte, bool)
}

// Consensus exposes a minimal API to coordinate replication and leadership.
type Consensus interface {
	Propose(ctx context.Context, data []byte) (types.LogIndex, error)
	IsLeader() bool
	LeaderID() types.NodeID
	Start() error
	Stop() error
}
