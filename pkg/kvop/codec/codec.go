// Package codec implements the pluggable "decode bytes → Operation"
// contract the FSM driver's log iterator relies on. The wire format is
// opaque to every other package; only this codec assumes a specific
// framing.
package codec

import (
	"encoding/binary"
	"fmt"

	"kvraft/pkg/kvop"
	"kvraft/pkg/types"
)

// Serializer turns an Operation into bytes and back. It is pluggable so the
// persisted/replicated wire format can evolve independently of the state
// machine that consumes it.
type Serializer interface {
	Encode(op kvop.Operation) ([]byte, error)
	Decode(data []byte) (kvop.Operation, error)
}

// TLVSerializer is a length-prefixed binary encoding, the same
// tag/length/value shape as the teacher's pkg/encoding/custom encoder,
// specialized to Operation's fixed field set instead of a generic value
// tree.
type TLVSerializer struct{}

// ErrTruncated indicates the buffer ended before a length-prefixed field
// could be fully read.
var ErrTruncated = fmt.Errorf("kvop/codec: truncated operation payload")

func (TLVSerializer) Encode(op kvop.Operation) ([]byte, error) {
	buf := []byte{op.Discriminator()}
	buf = appendBytes(buf, op.Key)
	buf = appendBytes(buf, op.Value)
	buf = appendBytes(buf, op.StartKey)
	buf = appendBytes(buf, op.EndKey)
	buf = appendUint32(buf, uint32(op.Limit))
	buf = appendBool(buf, op.Reverse)

	buf = appendUint32(buf, uint32(len(op.List)))
	for _, kv := range op.List {
		buf = appendBytes(buf, kv.Key)
		buf = appendBytes(buf, kv.Value)
	}

	buf = appendUint32(buf, uint32(len(op.Keys)))
	for _, k := range op.Keys {
		buf = appendBytes(buf, k)
	}

	buf = appendUint64(buf, op.Step)

	buf = appendBytes(buf, []byte(op.Acquirer.ID))
	buf = appendUint64(buf, uint64(op.Acquirer.LeaseMillis))
	buf = appendUint64(buf, uint64(op.Acquirer.LockingTimestamp))
	buf = appendBool(buf, op.Acquirer.KeepLease)
	buf = appendBytes(buf, op.Acquirer.Context)
	buf = appendUint64(buf, uint64(op.Acquirer.FencingToken))

	buf = appendBytes(buf, op.ExecutePayload)

	buf = appendUint64(buf, uint64(op.FromRegion))
	buf = appendUint64(buf, uint64(op.ToRegion))
	buf = appendBytes(buf, op.SplitKey)

	return buf, nil
}

func (TLVSerializer) Decode(data []byte) (kvop.Operation, error) {
	if len(data) < 1 {
		return kvop.Operation{}, ErrTruncated
	}
	kind := kvop.Kind(data[0])
	if !kvop.IsValid(kind) {
		return kvop.Operation{}, fmt.Errorf("kvop/codec: unknown discriminator %d", data[0])
	}
	op := kvop.New(kind)
	rest := data[1:]

	var err error
	if op.Key, rest, err = readBytes(rest); err != nil {
		return op, err
	}
	if op.Value, rest, err = readBytes(rest); err != nil {
		return op, err
	}
	if op.StartKey, rest, err = readBytes(rest); err != nil {
		return op, err
	}
	if op.EndKey, rest, err = readBytes(rest); err != nil {
		return op, err
	}
	var limit uint32
	if limit, rest, err = readUint32(rest); err != nil {
		return op, err
	}
	op.Limit = int(limit)
	if op.Reverse, rest, err = readBool(rest); err != nil {
		return op, err
	}

	var listLen uint32
	if listLen, rest, err = readUint32(rest); err != nil {
		return op, err
	}
	op.List = make([]kvop.KV, 0, listLen)
	for i := uint32(0); i < listLen; i++ {
		var kv kvop.KV
		if kv.Key, rest, err = readBytes(rest); err != nil {
			return op, err
		}
		if kv.Value, rest, err = readBytes(rest); err != nil {
			return op, err
		}
		op.List = append(op.List, kv)
	}

	var keysLen uint32
	if keysLen, rest, err = readUint32(rest); err != nil {
		return op, err
	}
	op.Keys = make([][]byte, 0, keysLen)
	for i := uint32(0); i < keysLen; i++ {
		var k []byte
		if k, rest, err = readBytes(rest); err != nil {
			return op, err
		}
		op.Keys = append(op.Keys, k)
	}

	if op.Step, rest, err = readUint64(rest); err != nil {
		return op, err
	}

	var idBytes, ctxBytes []byte
	if idBytes, rest, err = readBytes(rest); err != nil {
		return op, err
	}
	op.Acquirer.ID = string(idBytes)
	var leaseMs, lockTs, fencing uint64
	if leaseMs, rest, err = readUint64(rest); err != nil {
		return op, err
	}
	op.Acquirer.LeaseMillis = int64(leaseMs)
	if lockTs, rest, err = readUint64(rest); err != nil {
		return op, err
	}
	op.Acquirer.LockingTimestamp = types.TimestampMs(lockTs)
	if op.Acquirer.KeepLease, rest, err = readBool(rest); err != nil {
		return op, err
	}
	if ctxBytes, rest, err = readBytes(rest); err != nil {
		return op, err
	}
	op.Acquirer.Context = ctxBytes
	if fencing, rest, err = readUint64(rest); err != nil {
		return op, err
	}
	op.Acquirer.FencingToken = types.FencingToken(fencing)

	if op.ExecutePayload, rest, err = readBytes(rest); err != nil {
		return op, err
	}

	var fromRegion, toRegion uint64
	if fromRegion, rest, err = readUint64(rest); err != nil {
		return op, err
	}
	op.FromRegion = types.RegionID(fromRegion)
	if toRegion, rest, err = readUint64(rest); err != nil {
		return op, err
	}
	op.ToRegion = types.RegionID(toRegion)
	if op.SplitKey, _, err = readBytes(rest); err != nil {
		return op, err
	}

	return op, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return append(buf, b...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func readUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.LittleEndian.Uint32(data), data[4:], nil
}

func readUint64(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.LittleEndian.Uint64(data), data[8:], nil
}

func readBool(data []byte) (bool, []byte, error) {
	if len(data) < 1 {
		return false, nil, ErrTruncated
	}
	return data[0] != 0, data[1:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	if n == 0 {
		return nil, rest, nil
	}
	return rest[:n], rest[n:], nil
}
