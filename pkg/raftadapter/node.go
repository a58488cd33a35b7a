package raftadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kvraft/pkg/config"
	"kvraft/pkg/consensus"
	"kvraft/pkg/driver"
	"kvraft/pkg/kvop"
	"kvraft/pkg/replication"
	"kvraft/pkg/types"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node wraps a go.etcd.io/etcd/raft/v3 node, feeding every entry it commits
// through the driver's apply pipeline instead of calling a store directly.
// It owns the entryLog the driver reads committed entries back from, since
// etcd/raft's own MemoryStorage only keeps uncompacted log entries, not the
// driver-shaped LogEntry/Closure pairing.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	storage      *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	log    *entryLog
	driver *driver.Driver

	wasLeader bool

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan replication.Status
}

// NewNode builds a Node driving fsm through its own apply pipeline.
func NewNode(cfg *config.RaftConfig, fsm consensus.FSM) (*Node, error) {
	raftCfg := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	raftCfg.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
	}

	elog := newEntryLog()
	drv := driver.New(fsm, elog, driver.Options{QueueCapacity: cfg.QueueCapacity})

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(raftCfg, raftPeers),
		storage:      storage,
		tickInterval: 100 * time.Millisecond,
		transport:    NewTransport(peers),
		log:          elog,
		driver:       drv,
		proposals:    make(map[uuid.UUID]chan replication.Status),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// Run drives both the raft event loop and the FSM driver's consumer loop
// until ctx is cancelled or Stop is called.
func (n *Node) Run(ctx context.Context) error {
	go n.driver.Run(n.ctx)

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(ctx, rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(ctx context.Context, rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)
	n.reportLeadership(ctx, rd)

	var committed []replication.LogEntry
	var lastIndex types.LogIndex

	for _, entry := range rd.CommittedEntries {
		le, err := n.toLogEntry(entry)
		if err != nil {
			slog.Error("critical: failed to decode committed entry", "index", entry.Index, "error", err)
			return fmt.Errorf("decode committed entry %d: %w", entry.Index, err)
		}
		committed = append(committed, le)
		lastIndex = le.Index

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	if len(committed) > 0 {
		n.log.appendCommitted(committed...)
		if err := n.driver.Submit(ctx, driver.Event{Kind: driver.EventCommitted, CommittedIndex: lastIndex}); err != nil {
			return fmt.Errorf("submit committed: %w", err)
		}
	}

	n.underlying.Advance()
	return nil
}

// toLogEntry decodes a raw raftpb.Entry into the driver's LogEntry shape,
// wiring a completion closure back to whichever local Execute call is
// waiting on this entry's correlation ID, if any (a follower applying
// someone else's proposal has no such waiter).
func (n *Node) toLogEntry(entry raftpb.Entry) (replication.LogEntry, error) {
	le := replication.LogEntry{
		Index: types.LogIndex(entry.Index),
		Term:  types.Term(entry.Term),
	}

	switch entry.Type {
	case raftpb.EntryConfChange:
		le.Type = replication.EntryConfiguration
		return le, nil
	default:
		if len(entry.Data) == 0 {
			le.Type = replication.EntryNoOp
			return le, nil
		}

		var cmd Cmd
		if err := json.Unmarshal(entry.Data, &cmd); err != nil {
			return le, err
		}
		le.Type = replication.EntryData
		le.Payload = replication.Payload{Decoded: cmd.Op}
		le.Closure = n.closureFor(cmd.ID)
		return le, nil
	}
}

// proposalClosure delivers an entry's terminal status back to whichever
// local Execute call proposed it; OnCommitted is unused here since the
// caller only needs the final outcome.
type proposalClosure struct {
	resultChan chan replication.Status
}

func (c *proposalClosure) OnCommitted() {}

func (c *proposalClosure) Done(status replication.Status) {
	select {
	case c.resultChan <- status:
	default:
		slog.Debug("proposal result channel is full or abandoned (ignored)")
	}
}

func (n *Node) closureFor(id uuid.UUID) replication.Closure {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[id]
	n.proposalsMu.RUnlock()
	if !ok {
		return nil
	}
	return &proposalClosure{resultChan: resultChan}
}

func (n *Node) reportLeadership(ctx context.Context, rd raft.Ready) {
	if rd.SoftState == nil {
		return
	}
	isLeader := rd.SoftState.Lead == n.ID
	if isLeader && !n.wasLeader {
		_ = n.driver.Submit(ctx, driver.Event{Kind: driver.EventLeaderStart, Term: types.Term(n.underlying.Status().Term)})
	} else if !isLeader && n.wasLeader {
		_ = n.driver.Submit(ctx, driver.Event{Kind: driver.EventLeaderStop, Status: replication.OK(nil)})
	}
	n.wasLeader = isLeader
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)
	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)
	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}
		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message", "from", m.From, "to", m.To, "type", m.Type, "error", err)
			}
		}(msg)
	}
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderAddr() string {
	return n.Peers[n.underlying.Status().Lead]
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

// Execute proposes op through raft and blocks until the corresponding
// committed entry has run through the FSM driver, returning its terminal
// status.
func (n *Node) Execute(ctx context.Context, op kvop.Operation) (replication.Status, error) {
	cmd := NewCmd(op)
	data, err := json.Marshal(cmd)
	if err != nil {
		return replication.Status{}, fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan replication.Status, 1)
	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()
	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return replication.Status{}, fmt.Errorf("propose: %w", err)
	}

	select {
	case status := <-resultChan:
		return status, nil
	case <-ctx.Done():
		return replication.Status{}, ctx.Err()
	}
}

// Handle processes an incoming raft message from another node.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	slog.Info("stopping raft node", "id", n.ID)
	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- replication.Fail(1, "node stopped"):
		default:
		}
		close(resultChan)
	}
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}
