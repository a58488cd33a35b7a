package fsm

import (
	"context"
	"testing"

	"kvraft/pkg/config"
	"kvraft/pkg/engine"
	"kvraft/pkg/kvop"
	"kvraft/pkg/replication"
	"kvraft/pkg/types"
)

func newTestStateMachine(t *testing.T) (*StateMachine, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(t.TempDir(), config.Default())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)
	return New(eng, Options{}), eng
}

// recordingClosure captures the single terminal status it receives and how
// many times OnCommitted/Done fired, so a test can assert exactly-once
// delivery.
type recordingClosure struct {
	onCommittedCalls int
	done             bool
	status           replication.Status
}

func (c *recordingClosure) OnCommitted() { c.onCommittedCalls++ }
func (c *recordingClosure) Done(status replication.Status) {
	if c.done {
		panic("Done called twice")
	}
	c.done = true
	c.status = status
}

func dataEntry(index types.LogIndex, op kvop.Operation, closure replication.Closure) replication.LogEntry {
	return replication.LogEntry{
		Index:   index,
		Term:    1,
		Type:    replication.EntryData,
		Payload: replication.Payload{Decoded: op},
		Closure: closure,
	}
}

func TestOnApplyGroupsSameKindIntoOneBatch(t *testing.T) {
	sm, eng := newTestStateMachine(t)

	c1 := &recordingClosure{}
	c2 := &recordingClosure{}
	c3 := &recordingClosure{}
	entries := []replication.LogEntry{
		dataEntry(1, kvop.Operation{Kind: kvop.Put, Key: []byte("a"), Value: []byte("1")}, c1),
		dataEntry(2, kvop.Operation{Kind: kvop.Put, Key: []byte("b"), Value: []byte("2")}, c2),
		dataEntry(3, kvop.Operation{Kind: kvop.Delete, Key: []byte("a")}, c3),
	}

	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}

	for i, c := range []*recordingClosure{c1, c2, c3} {
		if !c.done {
			t.Fatalf("closure %d never completed", i)
		}
		if !c.status.IsOK() {
			t.Fatalf("closure %d failed: %+v", i, c.status)
		}
	}

	res, err := eng.Apply(kvop.Operation{Kind: kvop.Get, Key: []byte("a")})
	if err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if res.Found {
		t.Fatalf("expected a deleted after batch apply")
	}

	index, term := eng.AppliedIndexTerm()
	if index != 3 || term != 1 {
		t.Fatalf("expected applied (3,1), got (%d,%d)", index, term)
	}
}

// A decode failure on the first entry of what would otherwise be a batch
// fails only that entry and does not stop the iterator from advancing past
// the rest.
func TestOnApplyDecodeFailureFailsOnlyThatEntry(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	bad := &recordingClosure{}
	good := &recordingClosure{}
	entries := []replication.LogEntry{
		{Index: 1, Term: 1, Type: replication.EntryData, Payload: replication.Payload{Raw: []byte("not valid tlv")}, Closure: bad},
		dataEntry(2, kvop.Operation{Kind: kvop.Put, Key: []byte("a"), Value: []byte("1")}, good),
	}

	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}

	if !bad.done || bad.status.IsOK() {
		t.Fatalf("expected the malformed entry to fail, got %+v", bad.status)
	}
	if !good.done || !good.status.IsOK() {
		t.Fatalf("expected the well-formed entry to still succeed, got %+v", good.status)
	}
}

// An entry with an unknown operation kind fails its closure instead of
// being applied.
func TestOnApplyUnknownKindFailsEntry(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	c := &recordingClosure{}
	entries := []replication.LogEntry{
		dataEntry(1, kvop.Operation{Kind: kvop.Kind(250)}, c),
	}

	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}
	if !c.done || c.status.IsOK() {
		t.Fatalf("expected illegal-kind entry to fail, got %+v", c.status)
	}
}

// A burst of Raft-internal entries (no-op/configuration) with no data
// entries still advances the applied index and completes every closure.
func TestOnApplyNonDataBurstAdvancesAppliedIndex(t *testing.T) {
	sm, eng := newTestStateMachine(t)

	c1 := &recordingClosure{}
	c2 := &recordingClosure{}
	entries := []replication.LogEntry{
		{Index: 1, Term: 2, Type: replication.EntryNoOp, Closure: c1},
		{Index: 2, Term: 2, Type: replication.EntryConfiguration, Closure: c2},
	}

	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}
	if !c1.done || !c1.status.IsOK() || !c2.done || !c2.status.IsOK() {
		t.Fatalf("expected both non-data closures to complete OK")
	}

	index, term := eng.AppliedIndexTerm()
	if index != 2 || term != 2 {
		t.Fatalf("expected applied (2,2), got (%d,%d)", index, term)
	}
}

// Consecutive entries of different kinds split into separate batches, each
// dispatched independently; a later batch's engine call must still run even
// though an earlier batch used a different op kind.
func TestOnApplySplitsOnKindChange(t *testing.T) {
	sm, eng := newTestStateMachine(t)

	cPut := &recordingClosure{}
	cLock := &recordingClosure{}
	entries := []replication.LogEntry{
		dataEntry(1, kvop.Operation{Kind: kvop.Put, Key: []byte("x"), Value: []byte("1")}, cPut),
		dataEntry(2, kvop.Operation{Kind: kvop.KeyLock, Key: []byte("lk"), Acquirer: kvop.Acquirer{
			ID: "A", LeaseMillis: 1000, LockingTimestamp: 0,
		}}, cLock),
	}

	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}
	if !cPut.status.IsOK() || !cLock.status.IsOK() {
		t.Fatalf("expected both batches to succeed: put=%+v lock=%+v", cPut.status, cLock.status)
	}

	res, err := eng.Apply(kvop.Operation{Kind: kvop.Get, Key: []byte("x")})
	if err != nil || !res.Found || string(res.Value) != "1" {
		t.Fatalf("expected x=1, got found=%v value=%q err=%v", res.Found, res.Value, err)
	}
}

func TestOnLeaderStartStopUpdateStateSynchronously(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	if sm.IsLeader() {
		t.Fatalf("expected not leader initially")
	}
	sm.OnLeaderStart(types.Term(7))
	if !sm.IsLeader() || sm.LeaderTerm() != 7 {
		t.Fatalf("expected leader at term 7, got leader=%v term=%d", sm.IsLeader(), sm.LeaderTerm())
	}
	sm.OnLeaderStop(replication.OK(nil))
	if sm.IsLeader() {
		t.Fatalf("expected not leader after stop")
	}
}

// NODE_EXECUTE must be refused on a follower and only reach the engine once
// the state machine believes it leads.
func TestNodeExecuteRequiresLeadership(t *testing.T) {
	sm, _ := newTestStateMachine(t)

	c := &recordingClosure{}
	entries := []replication.LogEntry{
		dataEntry(1, kvop.Operation{Kind: kvop.NodeExecute}, c),
	}
	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}
	if !c.done || c.status.IsOK() {
		t.Fatalf("expected NODE_EXECUTE to fail on a follower, got %+v", c.status)
	}

	sm.OnLeaderStart(types.Term(1))

	c2 := &recordingClosure{}
	entries2 := []replication.LogEntry{
		dataEntry(2, kvop.Operation{Kind: kvop.NodeExecute}, c2),
	}
	if err := sm.OnApply(context.Background(), replication.NewSliceIterator(entries2)); err != nil {
		t.Fatalf("OnApply: %v", err)
	}
	if !c2.done || !c2.status.IsOK() {
		t.Fatalf("expected NODE_EXECUTE to succeed once leading, got %+v", c2.status)
	}
}

func TestStatusCodeForLockErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"lock held", &engine.LockHeldError{Owner: "A", RemainingMs: 1}, 5},
		{"keep lease fail", engine.ErrKeepLeaseFail, 6},
		{"not owner", &engine.NotOwnerError{Owner: "A"}, 7},
		{"other", engine.ErrStorage, 3},
	}
	for _, tc := range cases {
		if got := statusCodeForLockErr(tc.err); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}
