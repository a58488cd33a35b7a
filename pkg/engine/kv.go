package engine

import (
	"fmt"

	"kvraft/pkg/kvop"
)

// Result carries the outcome of a single dispatched operation back to the
// caller, independent of how many physical entries it touched.
type Result struct {
	Value   []byte
	Values  [][]byte
	Found   bool
	Deleted int64
}

// Apply dispatches a single decoded operation against the data column
// family. It is the engine's half of the state machine facade's per-kind
// routing table: everything Raft-wide (batching, metrics, closures) lives
// in pkg/fsm, everything storage-specific lives here.
func (e *Engine) Apply(op kvop.Operation) (Result, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	switch op.Kind {
	case kvop.Put:
		return e.put(op.Key, op.Value)
	case kvop.PutIfAbsent:
		return e.putIfAbsent(op.Key, op.Value)
	case kvop.PutList:
		return e.putList(op.List)
	case kvop.Delete:
		return e.delete(op.Key)
	case kvop.DeleteRange:
		return e.deleteRange(op.StartKey, op.EndKey)
	case kvop.Get:
		return e.get(op.Key)
	case kvop.MultiGet:
		return e.multiGet(op.Keys)
	case kvop.Scan:
		return e.scan(op.StartKey, op.EndKey, op.Limit, op.Reverse)
	case kvop.GetAndPut:
		return e.getAndPut(op.Key, op.Value)
	case kvop.Merge:
		return e.merge(op.Key, op.Value)
	case kvop.NodeExecute:
		return e.nodeExecute(op.ExecutePayload)
	default:
		return Result{}, fmt.Errorf("%w: kind %s has no engine-level handler", ErrIllegalOperation, op.Kind)
	}
}

func (e *Engine) put(key, value []byte) (Result, error) {
	if err := e.rawPut(prefixed(cfData, key), value); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return Result{}, nil
}

func (e *Engine) putIfAbsent(key, value []byte) (Result, error) {
	_, found, err := e.rawGet(prefixed(cfData, key))
	if err != nil {
		return Result{}, err
	}
	if found {
		existing, _, _ := e.rawGet(prefixed(cfData, key))
		return Result{Value: existing, Found: true}, nil
	}
	if err := e.rawPut(prefixed(cfData, key), value); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return Result{Found: false}, nil
}

func (e *Engine) putList(list []kvop.KV) (Result, error) {
	for start := 0; start < len(list); start += MaxBatchWriteSize {
		end := min(start+MaxBatchWriteSize, len(list))
		for _, kv := range list[start:end] {
			if err := e.rawPut(prefixed(cfData, kv.Key), kv.Value); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
	}
	return Result{}, nil
}

func (e *Engine) delete(key []byte) (Result, error) {
	if err := e.rawDelete(prefixed(cfData, key)); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return Result{}, nil
}

func (e *Engine) deleteRange(start, end []byte) (Result, error) {
	kvs, err := e.rawScanPrefix(cfData, start, end, 0, false)
	if err != nil {
		return Result{}, err
	}
	var count int64
	for i := 0; i < len(kvs); i += MaxBatchWriteSize {
		batchEnd := min(i+MaxBatchWriteSize, len(kvs))
		for _, kv := range kvs[i:batchEnd] {
			if err := e.rawDelete(prefixed(cfData, kv.Key)); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			count++
		}
	}
	return Result{Deleted: count}, nil
}

func (e *Engine) get(key []byte) (Result, error) {
	value, found, err := e.rawGet(prefixed(cfData, key))
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value, Found: found}, nil
}

func (e *Engine) multiGet(keys [][]byte) (Result, error) {
	values := make([][]byte, len(keys))
	for i, key := range keys {
		value, found, err := e.rawGet(prefixed(cfData, key))
		if err != nil {
			return Result{}, err
		}
		if found {
			values[i] = value
		}
	}
	return Result{Values: values}, nil
}

func (e *Engine) scan(start, end []byte, limit int, reverse bool) (Result, error) {
	kvs, err := e.rawScanPrefix(cfData, start, end, limit, reverse)
	if err != nil {
		return Result{}, err
	}
	values := make([][]byte, len(kvs))
	for i, kv := range kvs {
		values[i] = kv.Value
	}
	return Result{Values: values}, nil
}

// getAndPut atomically returns the prior value (if any) for key while
// replacing it with value, mirroring RocksDB's GetAndPut column-family op.
func (e *Engine) getAndPut(key, value []byte) (Result, error) {
	prior, found, err := e.rawGet(prefixed(cfData, key))
	if err != nil {
		return Result{}, err
	}
	if err := e.rawPut(prefixed(cfData, key), value); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return Result{Value: prior, Found: found}, nil
}

// merge appends value to whatever is already stored at key, separated by
// no delimiter — callers that need structured merges encode their own
// framing into value, the same "opaque merge operand" contract RocksDB's
// Merge exposes.
func (e *Engine) merge(key, value []byte) (Result, error) {
	prior, found, err := e.rawGet(prefixed(cfData, key))
	if err != nil {
		return Result{}, err
	}
	merged := value
	if found {
		merged = make([]byte, 0, len(prior)+len(value))
		merged = append(merged, prior...)
		merged = append(merged, value...)
	}
	if err := e.rawPut(prefixed(cfData, key), merged); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return Result{Value: merged}, nil
}

// nodeExecute reports shard-level counters; it is the hook administrative
// tooling uses to ask a node for its approximate data-CF key count without
// adding a dedicated RPC.
func (e *Engine) nodeExecute(payload []byte) (Result, error) {
	count, err := e.approximateCount(cfData)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: []byte(fmt.Sprintf("keys=%d", count))}, nil
}
