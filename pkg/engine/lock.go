package engine

import (
	"encoding/binary"
	"fmt"

	"kvraft/pkg/kvop"
	"kvraft/pkg/types"
)

// lockRecord is the durable representation of a held lock, grounded on the
// original store's lock column family: a holder identity, a lease
// deadline, an opaque caller context, a reentrancy counter, and the
// fencing token that lets downstream writers detect they're acting under a
// since-revoked grant.
type lockRecord struct {
	HolderID   string
	DeadlineMs types.TimestampMs
	Context    []byte
	Fencing    types.FencingToken
	Acquires   int32
}

func encodeLockRecord(r lockRecord) []byte {
	buf := make([]byte, 0, 8+len(r.HolderID)+8+4+len(r.Context)+8+4)
	buf = append(buf, byteLen(len(r.HolderID))...)
	buf = append(buf, r.HolderID...)
	deadline := make([]byte, 8)
	binary.BigEndian.PutUint64(deadline, uint64(r.DeadlineMs))
	buf = append(buf, deadline...)
	buf = append(buf, byteLen(len(r.Context))...)
	buf = append(buf, r.Context...)
	fencing := make([]byte, 8)
	binary.BigEndian.PutUint64(fencing, uint64(r.Fencing))
	buf = append(buf, fencing...)
	buf = append(buf, byteLen(int(r.Acquires))...)
	return buf
}

func byteLen(n int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

func decodeLockRecord(data []byte) (lockRecord, error) {
	var r lockRecord
	if len(data) < 4 {
		return r, ErrDecode
	}
	idLen := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < idLen+8+4 {
		return r, ErrDecode
	}
	r.HolderID = string(data[:idLen])
	data = data[idLen:]
	r.DeadlineMs = types.TimestampMs(binary.BigEndian.Uint64(data))
	data = data[8:]
	ctxLen := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < ctxLen+8+4 {
		return r, ErrDecode
	}
	r.Context = data[:ctxLen]
	data = data[ctxLen:]
	r.Fencing = types.FencingToken(binary.BigEndian.Uint64(data))
	data = data[8:]
	r.Acquires = int32(binary.LittleEndian.Uint32(data))
	return r, nil
}

// LockHeldError reports who holds a live lock and how much of its lease
// remains, so callers can decide whether to retry rather than just seeing
// a bare failure.
type LockHeldError struct {
	Owner       string
	RemainingMs int64
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s: held by %q, %dms remaining", ErrLockHeld, e.Owner, e.RemainingMs)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// NotOwnerError echoes back the actual current holder of a lock a release
// was rejected against.
type NotOwnerError struct {
	Owner string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("%s: currently held by %q", ErrNotOwner, e.Owner)
}

func (e *NotOwnerError) Unwrap() error { return ErrNotOwner }

// TryLock grants, renews, or preempts a lease-bound lock, following
// RocksRawKVStore.tryLockWith's branch table:
//   - no record: grant on keepLease=false, fail without writing on
//     keepLease=true
//   - expired record: same grant/fail split, preempting with a fresh
//     fencing token on grant
//   - live record, same acquirer: keepLease extends the deadline in place;
//     !keepLease is a reentrant acquire that also increments the
//     reentrancy counter, both keeping the existing fencing token
//   - live record, different acquirer: always fails, echoing the current
//     owner and remaining lease
func (e *Engine) TryLock(op kvop.Operation) (types.FencingToken, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	key := prefixed(cfLock, op.Key)
	acq := op.Acquirer

	raw, found, err := e.rawGet(key)
	if err != nil {
		return 0, err
	}

	var existing lockRecord
	if found {
		existing, err = decodeLockRecord(raw)
		if err != nil {
			return 0, err
		}
	}

	if !found {
		if acq.KeepLease {
			return 0, ErrKeepLeaseFail
		}
		return e.grantNewLock(key, acq)
	}

	if existing.DeadlineMs < acq.LockingTimestamp {
		if acq.KeepLease {
			return 0, ErrKeepLeaseFail
		}
		return e.grantNewLock(key, acq)
	}

	if existing.HolderID == acq.ID {
		rec := existing
		rec.DeadlineMs = acq.LockingTimestamp + types.TimestampMs(acq.LeaseMillis)
		if acq.KeepLease {
			if err := e.rawPut(key, encodeLockRecord(rec)); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			return rec.Fencing, nil
		}
		rec.Acquires++
		rec.Context = acq.Context
		if err := e.rawPut(key, encodeLockRecord(rec)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return rec.Fencing, nil
	}

	return 0, &LockHeldError{
		Owner:       existing.HolderID,
		RemainingMs: int64(existing.DeadlineMs - acq.LockingTimestamp),
	}
}

func (e *Engine) grantNewLock(key []byte, acq kvop.Acquirer) (types.FencingToken, error) {
	token, err := e.nextFencingToken()
	if err != nil {
		return 0, err
	}
	rec := lockRecord{
		HolderID:   acq.ID,
		DeadlineMs: acq.LockingTimestamp + types.TimestampMs(acq.LeaseMillis),
		Context:    acq.Context,
		Fencing:    token,
		Acquires:   1,
	}
	if err := e.rawPut(key, encodeLockRecord(rec)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return token, nil
}

// Release decrements the lock's reentrancy counter, deleting the record
// once it reaches zero. Releasing a lock that doesn't exist is a no-op
// success (idempotent release); releasing one held by someone else fails
// without touching the record.
func (e *Engine) Release(op kvop.Operation) error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	key := prefixed(cfLock, op.Key)
	raw, found, err := e.rawGet(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	existing, err := decodeLockRecord(raw)
	if err != nil {
		return err
	}
	if existing.HolderID != op.Acquirer.ID {
		return &NotOwnerError{Owner: existing.HolderID}
	}

	existing.Acquires--
	if existing.Acquires <= 0 {
		if err := e.rawDelete(key); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return nil
	}
	if err := e.rawPut(key, encodeLockRecord(existing)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// nextFencingToken allocates a globally monotonic token from a dedicated
// counter key, shared by every lock in the region so fencing tokens never
// repeat even across different locked keys.
func (e *Engine) nextFencingToken() (types.FencingToken, error) {
	key := prefixed(cfFencing, []byte("global"))
	current, _, err := e.readSequence(key)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := e.writeSequence(key, next); err != nil {
		return 0, err
	}
	return types.FencingToken(next), nil
}
