package raftadapter

import (
	"context"
	"fmt"
	"sync"

	"kvraft/pkg/replication"
	"kvraft/pkg/types"
)

// entryLog is the replication.Log the driver reads committed entries back
// from. Entries are appended as raft reports them committed, in the same
// Ready callback that submits the matching EventCommitted notification, so
// by the time the driver asks for a range it is always already present.
type entryLog struct {
	mu      sync.RWMutex
	entries []replication.LogEntry
}

func newEntryLog() *entryLog {
	return &entryLog{}
}

func (l *entryLog) appendCommitted(entries ...replication.LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

func (l *entryLog) Append(ctx context.Context, entries []replication.LogEntry) (types.LogIndex, error) {
	l.appendCommitted(entries...)
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Index, nil
}

func (l *entryLog) LastIndex(ctx context.Context) (types.LogIndex, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0, nil
	}
	return l.entries[len(l.entries)-1].Index, nil
}

func (l *entryLog) Term(ctx context.Context, index types.LogIndex) (types.Term, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Index == index {
			return e.Term, nil
		}
	}
	return 0, fmt.Errorf("raftadapter: no entry at index %d", index)
}

func (l *entryLog) Entries(ctx context.Context, from, to types.LogIndex) ([]replication.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from > to {
		return nil, nil
	}
	out := make([]replication.LogEntry, 0, to-from+1)
	for _, e := range l.entries {
		if e.Index >= from && e.Index <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

// compact drops entries at or below index, bounding the in-memory log's
// growth the same way a real Raft log storage would trim after a snapshot.
func (l *entryLog) compact(index types.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Index > index {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}
