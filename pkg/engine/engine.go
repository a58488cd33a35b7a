// Package engine adapts the memtable/WAL/LSM-tree storage stack into the
// column-family-shaped KV engine the state machine facade dispatches
// operations against. Each logical column family (user data, sequence
// counters, lock metadata) is a distinct single-byte key prefix over one
// shared memtable/SSTable pipeline, the same way the teacher's store
// package lays a single keyspace over one LevelManager.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"kvraft/pkg/clock"
	"kvraft/pkg/config"
	"kvraft/pkg/memtable"
	"kvraft/pkg/persistance"
	"kvraft/pkg/types"
	"kvraft/pkg/wal"
)

type cf byte

const (
	cfData     cf = 0x00
	cfSequence cf = 0x01
	cfLock     cf = 0x02
	cfFencing  cf = 0x03
)

// MaxBatchWriteSize is the chunk size PUT_LIST and DELETE_RANGE walk their
// entries in. A call still writes every entry before it returns, one WAL
// append per entry; a chunk is not written atomically, and a failure part
// way through leaves the entries before it written.
const MaxBatchWriteSize = 4096

// md is the per-entry metadata word: low byte is the operation (insert or
// tombstone), matching the teacher's insertOp/deleteOp split.
type md uint8

const (
	mdPut md = iota
	mdTombstone
)

// Engine is the durable KV store the state machine facade dispatches
// every committed operation against.
type Engine struct {
	dataDir string
	cfg     config.Config

	journal      *wal.WAL
	mt           *memtable.Memtable
	levelManager *persistance.LevelManager
	manifest     *persistance.Manifest
	seqN         *clock.AtomicClock

	// stateMu is held for reading by every mutating/reading operation and
	// for writing only while a snapshot load swaps out the on-disk state,
	// so a long scan can't observe a torn load.
	stateMu sync.RWMutex

	// dbVersion increments every time a snapshot load replaces the
	// on-disk state, letting long-lived iterators detect they've crossed
	// a load boundary.
	dbVersion uint64

	appliedIndex atomic.Uint64
	appliedTerm  atomic.Uint64

	closeOnce sync.Once
	onClose   func()
}

// New opens or creates an Engine rooted at dataDir.
func New(dataDir string, cfg config.Config) (*Engine, error) {
	e := &Engine{dataDir: dataDir, cfg: cfg}
	if err := e.open(); err != nil {
		return nil, err
	}
	return e, nil
}

// open wires up the WAL/memtable/level-manager/manifest quartet and starts
// their background goroutines. It is the body New calls on first startup
// and Reopen calls after a snapshot load has replaced the on-disk state.
func (e *Engine) open() error {
	journal, err := wal.New(e.dataDir)
	if err != nil {
		return fmt.Errorf("%w: open WAL: %v", ErrStorage, err)
	}

	mt := memtable.New(e.cfg.DB.Memtable)
	levelManager := persistance.NewLevelManager(e.dataDir)
	manifest := persistance.NewManifest(e.dataDir)
	if err := manifest.Load(); err != nil {
		return fmt.Errorf("%w: load manifest: %v", ErrStorage, err)
	}

	e.journal = journal
	e.mt = mt
	e.levelManager = levelManager
	e.manifest = manifest
	e.seqN = clock.NewAtomic(uint64(manifest.PersistentID()))

	if err := e.restoreFromJournal(); err != nil {
		return fmt.Errorf("%w: replay WAL: %v", ErrStorage, err)
	}

	ctx := context.Background()
	flusher := NewFlushDriver(mt.FlushChan(), e.dataDir, levelManager, manifest)
	flusher.Start(ctx)
	journal.Start(ctx)

	e.closeOnce = sync.Once{}
	e.onClose = func() {
		flusher.Stop()
		journal.Stop()
		mt.Close()
	}
	return nil
}

// Reopen tears down the current WAL/memtable/level-manager/manifest and
// rebuilds them from whatever now sits on disk under dataDir. Snapshot load
// calls this after swapping in checkpoint data so the in-memory state
// stops pointing at files that were just renamed out from under it; the
// caller must already hold the engine's write lock (see Lock/Unlock).
func (e *Engine) Reopen() error {
	if e.onClose != nil {
		e.onClose()
	}
	return e.open()
}

func (e *Engine) restoreFromJournal() error {
	return e.journal.Replay(types.SeqN(e.seqN.Val()+1), func(entry wal.Entry) error {
		if entry.SeqNum > e.seqN.Val() {
			e.seqN.Set(entry.SeqNum)
		}
		return e.mt.Upsert(entry.Key, entry.Value, entry.SeqNum, entry.Meta)
	})
}

// Close stops the background flusher and WAL writer and releases the
// memtable's flush channel.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.onClose != nil {
			e.onClose()
		}
	})
}

// DataDir returns the root directory this engine persists to.
func (e *Engine) DataDir() string { return e.dataDir }

// RecordApplied records the highest committed (index, term) this engine
// has observed, independent of whether the operation at that index
// succeeded. Snapshot load uses this to reject a snapshot older than the
// engine's own state.
func (e *Engine) RecordApplied(index types.LogIndex, term types.Term) {
	e.appliedIndex.Store(uint64(index))
	e.appliedTerm.Store(uint64(term))
}

// AppliedIndexTerm returns the last (index, term) recorded via
// RecordApplied.
func (e *Engine) AppliedIndexTerm() (types.LogIndex, types.Term) {
	return types.LogIndex(e.appliedIndex.Load()), types.Term(e.appliedTerm.Load())
}

// DBVersion returns the monotonically incrementing counter bumped each
// time a snapshot load replaces this engine's on-disk state.
func (e *Engine) DBVersion() uint64 { return e.dbVersion }

// Lock acquires the engine's lifecycle write lock, held only during
// reopen/snapshot-load, excluding every other operation for the duration.
func (e *Engine) Lock() { e.stateMu.Lock() }

// Unlock releases the lifecycle write lock.
func (e *Engine) Unlock() { e.stateMu.Unlock() }

// BumpDBVersion increments the database-version counter. Called by the
// snapshot loader after it has finished swapping in new on-disk state.
func (e *Engine) BumpDBVersion() { e.dbVersion++ }

func prefixed(c cf, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(c)
	copy(out[1:], key)
	return out
}

// rawPut writes key (already CF-prefixed) through the WAL and into the
// memtable, blocking until the WAL has durably acknowledged the write.
func (e *Engine) rawPut(key, value []byte) error {
	entryID := e.seqN.Next()
	e.journal.Append(wal.Entry{SeqNum: entryID, Key: key, Value: value, Meta: uint64(mdPut)})
	e.awaitWAL(entryID)
	return e.mt.Upsert(key, value, entryID, uint64(mdPut))
}

func (e *Engine) rawDelete(key []byte) error {
	entryID := e.seqN.Next()
	e.journal.Append(wal.Entry{SeqNum: entryID, Key: key, Value: nil, Meta: uint64(mdTombstone)})
	e.awaitWAL(entryID)
	return e.mt.Upsert(key, nil, entryID, uint64(mdTombstone))
}

func (e *Engine) awaitWAL(entryID uint64) {
	for id := range e.journal.Done() {
		if id == entryID {
			return
		}
	}
}

// rawGet returns the live value for a CF-prefixed key, or ok=false if the
// key is absent or tombstoned.
func (e *Engine) rawGet(key []byte) (value []byte, ok bool, err error) {
	if item, found := e.mt.Get(key); found {
		if md(item.Meta) == mdTombstone {
			return nil, false, nil
		}
		return item.Value, true, nil
	}

	sstItem, err := e.levelManager.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if sstItem == nil {
		return nil, false, nil
	}
	if md(sstItem.Meta) == mdTombstone {
		return nil, false, nil
	}
	return sstItem.Value, true, nil
}

// rawScanPrefix returns every live key/value pair whose physical key has
// the given CF prefix and whose remainder lies within [startKey, endKey).
// It is a correctness-first merge over the memtable and on-disk levels,
// adequate for the bounded administrative/range-split scans this engine
// serves; it is not optimized for huge ranges.
func (e *Engine) rawScanPrefix(c cf, startKey, endKey []byte, limit int, reverse bool) ([]persistance.KeyValue, error) {
	lo := prefixed(c, startKey)
	var hi []byte
	if endKey != nil {
		hi = prefixed(c, endKey)
	}

	seen := make(map[string][]byte)
	order := make([]string, 0)
	tombstoned := make(map[string]bool)

	visit := func(key, value []byte, meta uint64) {
		if len(key) == 0 || key[0] != byte(c) {
			return
		}
		if bytes.Compare(key, lo) < 0 {
			return
		}
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			return
		}
		sk := string(key)
		if _, known := seen[sk]; known {
			// Sources are visited newest first; the first version wins.
			return
		}
		order = append(order, sk)
		if md(meta) == mdTombstone {
			tombstoned[sk] = true
			seen[sk] = nil
			return
		}
		tombstoned[sk] = false
		seen[sk] = value
	}

	e.mt.Range(visit)
	levelItems, err := e.levelManager.ScanPrefix([]byte{byte(c)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, item := range levelItems {
		visit(item.Key, item.Value, item.Meta)
	}

	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	out := make([]persistance.KeyValue, 0, len(order))
	for _, sk := range order {
		if tombstoned[sk] {
			continue
		}
		key := []byte(sk)
		out = append(out, persistance.KeyValue{Key: key[1:], Value: seen[sk]})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// approximateCount returns the number of live keys found while walking the
// CF; used by NODE_EXECUTE administrative payloads that report shard size.
func (e *Engine) approximateCount(c cf) (int, error) {
	kvs, err := e.rawScanPrefix(c, nil, nil, 0, false)
	if err != nil {
		return 0, err
	}
	return len(kvs), nil
}
