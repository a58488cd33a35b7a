package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kvraft/pkg/consensus"
	"kvraft/pkg/replication"
	"kvraft/pkg/types"
)

// memLog is an in-memory replication.Log sufficient for driver tests: entries
// are appended directly via appendEntries rather than through Append, since
// the driver only ever reads entries back.
type memLog struct {
	mu      sync.Mutex
	entries []replication.LogEntry
}

func (l *memLog) appendEntries(entries ...replication.LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

func (l *memLog) Append(ctx context.Context, entries []replication.LogEntry) (types.LogIndex, error) {
	l.appendEntries(entries...)
	return l.entries[len(l.entries)-1].Index, nil
}

func (l *memLog) LastIndex(ctx context.Context) (types.LogIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, nil
	}
	return l.entries[len(l.entries)-1].Index, nil
}

func (l *memLog) Term(ctx context.Context, index types.LogIndex) (types.Term, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Index == index {
			return e.Term, nil
		}
	}
	return 0, fmt.Errorf("no such index %d", index)
}

func (l *memLog) Entries(ctx context.Context, from, to types.LogIndex) ([]replication.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]replication.LogEntry, 0, to-from+1)
	for _, e := range l.entries {
		if e.Index >= from && e.Index <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeFSM records every batch it's asked to apply, and can be configured to
// fail at a specific index to exercise the driver's error-latching path.
type fakeFSM struct {
	mu          sync.Mutex
	applied     []types.LogIndex
	failAtIndex types.LogIndex

	leaderStarts []types.Term
	leaderStops  int
	shutdowns    int
}

func (f *fakeFSM) OnApply(ctx context.Context, it replication.Iterator) error {
	for it.Valid() {
		e := it.Entry()
		if f.failAtIndex != 0 && e.Index == f.failAtIndex {
			return errors.New("fakeFSM: injected failure")
		}
		f.mu.Lock()
		f.applied = append(f.applied, e.Index)
		f.mu.Unlock()
		if e.Closure != nil {
			e.Closure.Done(replication.OK(nil))
		}
		it.Next()
	}
	return nil
}

func (f *fakeFSM) OnSnapshotSave(ctx context.Context, index types.LogIndex, term types.Term, w consensus.SnapshotWriter, done replication.Closure) {
	if done != nil {
		done.Done(replication.OK(nil))
	}
}
func (f *fakeFSM) OnSnapshotLoad(ctx context.Context, r consensus.SnapshotReader) bool { return true }
func (f *fakeFSM) OnConfigurationCommitted(peers []types.NodeID)                       {}
func (f *fakeFSM) OnLeaderStart(term types.Term) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderStarts = append(f.leaderStarts, term)
}
func (f *fakeFSM) OnLeaderStop(status replication.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderStops++
}
func (f *fakeFSM) OnShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeFSM) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

var _ consensus.FSM = (*fakeFSM)(nil)

type countingClosure struct {
	mu        sync.Mutex
	committed bool
	done      bool
	status    replication.Status
}

func (c *countingClosure) OnCommitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = true
}
func (c *countingClosure) Done(status replication.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	c.status = status
}
func (c *countingClosure) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestDriverAppliesSequentialCommits(t *testing.T) {
	log := &memLog{}
	fsm := &fakeFSM{}
	d := New(fsm, log, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	closures := make([]*countingClosure, 5)
	entries := make([]replication.LogEntry, 5)
	for i := 0; i < 5; i++ {
		closures[i] = &countingClosure{}
		entries[i] = replication.LogEntry{Index: types.LogIndex(i + 1), Term: 1, Type: replication.EntryData, Closure: closures[i]}
	}
	log.appendEntries(entries...)

	if err := d.Submit(ctx, Event{Kind: EventCommitted, CommittedIndex: 5}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return fsm.appliedCount() == 5 })
	for i, c := range closures {
		waitUntil(t, time.Second, c.isDone)
		if !c.status.IsOK() {
			t.Fatalf("closure %d failed: %+v", i, c.status)
		}
	}

	index, term := d.LastApplied()
	if index != 5 || term != 1 {
		t.Fatalf("expected LastApplied (5,1), got (%d,%d)", index, term)
	}
}

// A burst of EventCommitted notifications queued back-to-back collapses
// into a single doCommitted call covering the whole range.
func TestDriverCollapsesCommittedBurst(t *testing.T) {
	log := &memLog{}
	fsm := &fakeFSM{}
	d := New(fsm, log, Options{QueueCapacity: 64})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries := make([]replication.LogEntry, 10)
	for i := 0; i < 10; i++ {
		entries[i] = replication.LogEntry{Index: types.LogIndex(i + 1), Term: 1, Type: replication.EntryData}
	}
	log.appendEntries(entries...)

	// Submit every index as its own event before the consumer starts, so
	// the first dispatch call drains the rest in one drain loop.
	for i := 1; i <= 10; i++ {
		if err := d.Submit(ctx, Event{Kind: EventCommitted, CommittedIndex: types.LogIndex(i)}); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}
	}

	go d.Run(ctx)

	waitUntil(t, time.Second, func() bool { return fsm.appliedCount() == 10 })
	index, _ := d.LastApplied()
	if index != 10 {
		t.Fatalf("expected LastApplied index 10, got %d", index)
	}
}

// An OnApply error latches the driver: entries from the failure point
// onward fail, and a subsequent commit notification fails fast without
// calling into the state machine again.
func TestDriverLatchesOnApplyError(t *testing.T) {
	log := &memLog{}
	fsm := &fakeFSM{failAtIndex: 2}
	d := New(fsm, log, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c1 := &countingClosure{}
	c2 := &countingClosure{}
	c3 := &countingClosure{}
	log.appendEntries(
		replication.LogEntry{Index: 1, Term: 1, Type: replication.EntryData, Closure: c1},
		replication.LogEntry{Index: 2, Term: 1, Type: replication.EntryData, Closure: c2},
		replication.LogEntry{Index: 3, Term: 1, Type: replication.EntryData, Closure: c3},
	)

	if err := d.Submit(ctx, Event{Kind: EventCommitted, CommittedIndex: 3}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitUntil(t, time.Second, c1.isDone)
	waitUntil(t, time.Second, c3.isDone)

	if !c1.status.IsOK() {
		t.Fatalf("expected entry 1 to succeed before the failure, got %+v", c1.status)
	}
	if c3.status.IsOK() {
		t.Fatalf("expected entry 3 to be failed as stranded by the latch")
	}

	index, _ := d.LastApplied()
	if index != 1 {
		t.Fatalf("expected LastApplied to stop at 1, got %d", index)
	}

	// A subsequent commit must fail fast without ever reaching OnApply again.
	log.appendEntries(replication.LogEntry{Index: 4, Term: 1, Type: replication.EntryData, Closure: &countingClosure{}})
	if err := d.Submit(ctx, Event{Kind: EventCommitted, CommittedIndex: 4}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return fsm.appliedCount() >= 1 })
	if fsm.appliedCount() != 1 {
		t.Fatalf("expected no further entries applied once latched, applied=%d", fsm.appliedCount())
	}
}

func TestDriverShutdownWaitsForOnShutdown(t *testing.T) {
	log := &memLog{}
	fsm := &fakeFSM{}
	d := New(fsm, log, Options{})

	ctx := context.Background()
	runDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(runDone)
	}()

	d.Shutdown(ctx)

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit after Shutdown")
	}
	if fsm.shutdowns != 1 {
		t.Fatalf("expected exactly one OnShutdown call, got %d", fsm.shutdowns)
	}
}

func TestDriverLeaderStartStopForwarded(t *testing.T) {
	log := &memLog{}
	fsm := &fakeFSM{}
	d := New(fsm, log, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.Submit(ctx, Event{Kind: EventLeaderStart, Term: 9}); err != nil {
		t.Fatalf("Submit leader start: %v", err)
	}
	if err := d.Submit(ctx, Event{Kind: EventLeaderStop}); err != nil {
		t.Fatalf("Submit leader stop: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		fsm.mu.Lock()
		defer fsm.mu.Unlock()
		return len(fsm.leaderStarts) == 1 && fsm.leaderStops == 1
	})
}

// Scenario 6: 10,000 PUTs submitted as individual committed events produce
// exactly 10,000 success closures, firing in log order.
func TestDriverTenThousandPutsAllSucceedInOrder(t *testing.T) {
	const n = 10000
	log := &memLog{}
	fsm := &fakeFSM{}
	d := New(fsm, log, Options{QueueCapacity: 1024})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closures := make([]*countingClosure, n)
	entries := make([]replication.LogEntry, n)
	for i := 0; i < n; i++ {
		closures[i] = &countingClosure{}
		entries[i] = replication.LogEntry{Index: types.LogIndex(i + 1), Term: 1, Type: replication.EntryData, Closure: closures[i]}
	}
	log.appendEntries(entries...)

	go d.Run(ctx)

	go func() {
		for i := 1; i <= n; i++ {
			_ = d.Submit(ctx, Event{Kind: EventCommitted, CommittedIndex: types.LogIndex(i)})
		}
	}()

	waitUntil(t, 10*time.Second, func() bool { return fsm.appliedCount() == n })

	fsm.mu.Lock()
	appliedOrder := append([]types.LogIndex(nil), fsm.applied...)
	fsm.mu.Unlock()
	for i, idx := range appliedOrder {
		if idx != types.LogIndex(i+1) {
			t.Fatalf("applied out of order at position %d: got index %d", i, idx)
		}
	}

	for i, c := range closures {
		waitUntil(t, 5*time.Second, c.isDone)
		if !c.status.IsOK() {
			t.Fatalf("closure %d failed: %+v", i, c.status)
		}
	}
}
