package raftadapter

import (
	"kvraft/pkg/kvop"

	"github.com/google/uuid"
)

// Cmd is the wire envelope proposed to raft: a correlation ID the leader
// uses to find its way back to the waiting Execute call, wrapped around the
// operation itself.
type Cmd struct {
	ID uuid.UUID      `json:"id"`
	Op kvop.Operation `json:"op"`
}

// NewCmd builds a Cmd ready to propose.
func NewCmd(op kvop.Operation) Cmd {
	return Cmd{ID: uuid.New(), Op: op}
}
