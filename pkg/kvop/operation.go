// Package kvop defines the tagged union of key-value operations the FSM
// driver decodes from committed log entries and dispatches to the state
// machine, grouped into same-kind batches by their single-byte
// discriminator.
package kvop

import "kvraft/pkg/types"

// Kind is the single-byte discriminator used to group consecutive
// same-kind operations into one batch before handing them to the engine.
type Kind uint8

const (
	Put Kind = iota
	PutIfAbsent
	PutList
	Delete
	DeleteRange
	Get
	MultiGet
	Scan
	GetAndPut
	Merge
	GetSequence
	ResetSequence
	KeyLock
	KeyLockRelease
	NodeExecute
	RangeSplit
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "PUT"
	case PutIfAbsent:
		return "PUT_IF_ABSENT"
	case PutList:
		return "PUT_LIST"
	case Delete:
		return "DELETE"
	case DeleteRange:
		return "DELETE_RANGE"
	case Get:
		return "GET"
	case MultiGet:
		return "MULTI_GET"
	case Scan:
		return "SCAN"
	case GetAndPut:
		return "GET_PUT"
	case Merge:
		return "MERGE"
	case GetSequence:
		return "GET_SEQUENCE"
	case ResetSequence:
		return "RESET_SEQUENCE"
	case KeyLock:
		return "KEY_LOCK"
	case KeyLockRelease:
		return "KEY_LOCK_RELEASE"
	case NodeExecute:
		return "NODE_EXECUTE"
	case RangeSplit:
		return "RANGE_SPLIT"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether k is one of the known operation kinds.
func IsValid(k Kind) bool {
	return k <= RangeSplit
}

// KV is a single key-value pair, used by PUT_LIST.
type KV struct {
	Key   []byte
	Value []byte
}

// Acquirer describes the caller requesting or releasing a distributed lock.
type Acquirer struct {
	ID               string
	LeaseMillis       int64
	LockingTimestamp types.TimestampMs
	KeepLease        bool
	Context          []byte
	// FencingToken is only meaningful on KEY_LOCK_RELEASE, echoing back the
	// token the caller believes it currently holds.
	FencingToken types.FencingToken
}

// Operation is the tagged union over every KV operation kind Raft can
// commit. Only the fields relevant to Kind are populated.
type Operation struct {
	Kind Kind

	Key   []byte
	Value []byte

	// DELETE_RANGE / SCAN
	StartKey []byte
	EndKey   []byte
	Limit    int
	Reverse  bool

	// PUT_LIST
	List []KV

	// MULTI_GET
	Keys [][]byte

	// GET_SEQUENCE
	Step uint64

	// KEY_LOCK / KEY_LOCK_RELEASE
	Acquirer Acquirer

	// NODE_EXECUTE
	ExecutePayload []byte

	// RANGE_SPLIT
	FromRegion types.RegionID
	ToRegion   types.RegionID
	SplitKey   []byte
}

// Discriminator returns the single byte batches are grouped by.
func (op Operation) Discriminator() byte {
	return byte(op.Kind)
}

// New builds a minimal Operation of a given kind; callers fill in the
// fields the kind requires.
func New(kind Kind) Operation {
	return Operation{Kind: kind}
}
