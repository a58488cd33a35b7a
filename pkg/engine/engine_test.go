package engine

import (
	"math"
	"testing"

	"kvraft/pkg/config"
	"kvraft/pkg/kvop"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(t.TempDir(), config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// Scenario 1: PUT("a","1"), PUT("b","2"), DELETE("a") leaves a absent, b
// present.
func TestApplyPutDeleteSequence(t *testing.T) {
	e := newTestEngine(t)

	ops := []kvop.Operation{
		{Kind: kvop.Put, Key: []byte("a"), Value: []byte("1")},
		{Kind: kvop.Put, Key: []byte("b"), Value: []byte("2")},
		{Kind: kvop.Delete, Key: []byte("a")},
	}
	for _, op := range ops {
		if _, err := e.Apply(op); err != nil {
			t.Fatalf("Apply(%s): %v", op.Kind, err)
		}
	}

	res, err := e.Apply(kvop.Operation{Kind: kvop.Get, Key: []byte("a")})
	if err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if res.Found {
		t.Fatalf("expected a to be deleted, got %q", res.Value)
	}

	res, err = e.Apply(kvop.Operation{Kind: kvop.Get, Key: []byte("b")})
	if err != nil {
		t.Fatalf("Get(b): %v", err)
	}
	if !res.Found || string(res.Value) != "2" {
		t.Fatalf("expected b=2, got found=%v value=%q", res.Found, res.Value)
	}
}

// Scenario 2: reentrant lock acquisition and release down to deletion.
func TestLockReentrantAndRelease(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("k")

	tok1, err := e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", LeaseMillis: 1000, LockingTimestamp: 100,
	}})
	if err != nil || tok1 != 1 {
		t.Fatalf("first TryLock: token=%d err=%v", tok1, err)
	}

	tok2, err := e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", LeaseMillis: 1000, LockingTimestamp: 500,
	}})
	if err != nil || tok2 != tok1 {
		t.Fatalf("reentrant TryLock: token=%d err=%v", tok2, err)
	}

	if err := e.Release(kvop.Operation{Kind: kvop.KeyLockRelease, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", FencingToken: tok1,
	}}); err != nil {
		t.Fatalf("first Release: %v", err)
	}

	if err := e.Release(kvop.Operation{Kind: kvop.KeyLockRelease, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", FencingToken: tok1,
	}}); err != nil {
		t.Fatalf("second Release should delete the lock record, got: %v", err)
	}

	raw, found, err := e.rawGet(prefixed(cfLock, key))
	if err != nil {
		t.Fatalf("rawGet: %v", err)
	}
	if found {
		t.Fatalf("expected lock record deleted, found=%v raw=%v", found, raw)
	}
}

// Scenario 3: a live lock rejects a different acquirer until it expires,
// after which the new acquirer preempts with a fresh, strictly greater
// fencing token.
func TestLockPreemptionAfterExpiry(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("k")

	tokA, err := e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", LeaseMillis: 1000, LockingTimestamp: 100,
	}})
	if err != nil {
		t.Fatalf("A TryLock: %v", err)
	}

	_, err = e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "B", LeaseMillis: 1000, LockingTimestamp: 500,
	}})
	var held *LockHeldError
	if err == nil {
		t.Fatalf("expected B's TryLock to fail while A's lease is live")
	}
	if ok := asLockHeld(err, &held); !ok {
		t.Fatalf("expected *LockHeldError, got %T: %v", err, err)
	}
	if held.Owner != "A" || held.RemainingMs != 600 {
		t.Fatalf("expected owner=A remaining=600, got owner=%s remaining=%d", held.Owner, held.RemainingMs)
	}

	tokB, err := e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "B", LeaseMillis: 1000, LockingTimestamp: 1500,
	}})
	if err != nil {
		t.Fatalf("B's preempting TryLock: %v", err)
	}
	if tokB <= tokA {
		t.Fatalf("expected preempting fencing token %d > previous %d", tokB, tokA)
	}
}

func asLockHeld(err error, target **LockHeldError) bool {
	if lh, ok := err.(*LockHeldError); ok {
		*target = lh
		return true
	}
	return false
}

// Scenario 4: sequence allocation returns disjoint contiguous ranges and
// resets back to zero.
func TestSequenceAllocationAndReset(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("s")

	start, end, err := e.GetSequence(kvop.Operation{Key: key, Step: 10})
	if err != nil || start != 0 || end != 10 {
		t.Fatalf("first alloc: [%d,%d) err=%v", start, end, err)
	}

	start, end, err = e.GetSequence(kvop.Operation{Key: key, Step: 5})
	if err != nil || start != 10 || end != 15 {
		t.Fatalf("second alloc: [%d,%d) err=%v", start, end, err)
	}

	if err := e.ResetSequence(kvop.Operation{Key: key}); err != nil {
		t.Fatalf("ResetSequence: %v", err)
	}

	start, end, err = e.GetSequence(kvop.Operation{Key: key, Step: 3})
	if err != nil || start != 0 || end != 3 {
		t.Fatalf("post-reset alloc: [%d,%d) err=%v", start, end, err)
	}
}

// Boundary: sequence saturates at math.MaxInt64 instead of wrapping.
func TestSequenceSaturatesAtMaxInt64(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("s")

	if err := e.writeSequence(prefixed(cfSequence, key), math.MaxInt64-3); err != nil {
		t.Fatalf("writeSequence: %v", err)
	}

	start, end, err := e.GetSequence(kvop.Operation{Key: key, Step: 10})
	if err != nil {
		t.Fatalf("GetSequence: %v", err)
	}
	if start != math.MaxInt64-3 {
		t.Fatalf("expected start=%d, got %d", uint64(math.MaxInt64-3), start)
	}
	if end != math.MaxInt64 {
		t.Fatalf("expected saturating end=%d, got %d", uint64(math.MaxInt64), end)
	}
}

// Boundary: keepLease=true against an already-expired lock fails outright
// (it only renews, never revives or grants) and must not clear the stale
// record.
func TestKeepLeaseOnExpiredLockDoesNotClear(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("k")

	tok, err := e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", LeaseMillis: 100, LockingTimestamp: 0,
	}})
	if err != nil {
		t.Fatalf("initial TryLock: %v", err)
	}

	_, err = e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "B", LeaseMillis: 100, LockingTimestamp: 200, KeepLease: true,
	}})
	if err == nil {
		t.Fatalf("expected keepLease=true against an expired lock to fail")
	}

	raw, found, err := e.rawGet(prefixed(cfLock, key))
	if err != nil || !found {
		t.Fatalf("expected A's stale record to survive the failed renewal, found=%v err=%v", found, err)
	}
	rec, err := decodeLockRecord(raw)
	if err != nil {
		t.Fatalf("decodeLockRecord: %v", err)
	}
	if rec.HolderID != "A" || rec.Fencing != tok {
		t.Fatalf("expected untouched record holder=A fencing=%d, got %+v", tok, rec)
	}
}

// Release by a non-owner never modifies state; the current owner can
// still release normally afterward.
func TestReleaseByNonOwnerIsRejected(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("k")

	tok, err := e.TryLock(kvop.Operation{Kind: kvop.KeyLock, Key: key, Acquirer: kvop.Acquirer{
		ID: "A", LeaseMillis: 1000, LockingTimestamp: 0,
	}})
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	err = e.Release(kvop.Operation{Kind: kvop.KeyLockRelease, Key: key, Acquirer: kvop.Acquirer{ID: "B"}})
	if err == nil {
		t.Fatalf("expected release by non-owner B to fail")
	}

	raw, found, getErr := e.rawGet(prefixed(cfLock, key))
	if getErr != nil || !found {
		t.Fatalf("expected lock record to survive rejected release, found=%v err=%v", found, getErr)
	}
	rec, decErr := decodeLockRecord(raw)
	if decErr != nil || rec.Fencing != tok || rec.HolderID != "A" {
		t.Fatalf("expected untouched record holder=A fencing=%d, got %+v err=%v", tok, rec, decErr)
	}

	if err := e.Release(kvop.Operation{Kind: kvop.KeyLockRelease, Key: key, Acquirer: kvop.Acquirer{ID: "A"}}); err != nil {
		t.Fatalf("expected the real owner's release to succeed: %v", err)
	}
}

// Round-trip: GetAndPut returns the value visible immediately before the
// put.
func TestGetAndPutReturnsPriorValue(t *testing.T) {
	e := newTestEngine(t)
	key := []byte("k")

	if _, err := e.Apply(kvop.Operation{Kind: kvop.Put, Key: key, Value: []byte("v1")}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	res, err := e.Apply(kvop.Operation{Kind: kvop.GetAndPut, Key: key, Value: []byte("v2")})
	if err != nil {
		t.Fatalf("GetAndPut: %v", err)
	}
	if !res.Found || string(res.Value) != "v1" {
		t.Fatalf("expected prior value v1, got found=%v value=%q", res.Found, res.Value)
	}

	res, err = e.Apply(kvop.Operation{Kind: kvop.Get, Key: key})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Value) != "v2" {
		t.Fatalf("expected v2 now stored, got %q", res.Value)
	}
}

func TestDeleteRangeRemovesBoundedKeys(t *testing.T) {
	e := newTestEngine(t)
	for _, k := range []string{"a1", "a2", "a3", "b1"} {
		if _, err := e.Apply(kvop.Operation{Kind: kvop.Put, Key: []byte(k), Value: []byte("v")}); err != nil {
			t.Fatalf("seed Put(%s): %v", k, err)
		}
	}

	res, err := e.Apply(kvop.Operation{Kind: kvop.DeleteRange, StartKey: []byte("a"), EndKey: []byte("b")})
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if res.Deleted != 3 {
		t.Fatalf("expected 3 keys deleted, got %d", res.Deleted)
	}

	got, err := e.Apply(kvop.Operation{Kind: kvop.Get, Key: []byte("b1")})
	if err != nil || !got.Found {
		t.Fatalf("expected b1 to survive the range delete, found=%v err=%v", got.Found, err)
	}
}
