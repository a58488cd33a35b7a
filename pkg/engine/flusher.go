package engine

import (
	"context"
	"fmt"
	"log/slog"

	"kvraft/pkg/memtable"
	"kvraft/pkg/persistance"
)

// FlushDriver drains sealed memtables into L0 SSTables in the background,
// adapted from the teacher's store.Flusher to run its loop in its own
// goroutine rather than blocking its caller.
type FlushDriver struct {
	lvlManager *persistance.LevelManager
	manifest   *persistance.Manifest
	in         <-chan memtable.SortedSet
	dataDir    string

	cancel func()
	done   chan struct{}
}

func NewFlushDriver(in <-chan memtable.SortedSet, dataDir string, manager *persistance.LevelManager, manifest *persistance.Manifest) *FlushDriver {
	return &FlushDriver{
		lvlManager: manager,
		manifest:   manifest,
		dataDir:    dataDir,
		in:         in,
		cancel:     func() {},
		done:       make(chan struct{}),
	}
}

// Start launches the flush loop in its own goroutine and returns
// immediately.
func (f *FlushDriver) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.loop(ctx)
}

func (f *FlushDriver) loop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case ss, ok := <-f.in:
			if !ok {
				return
			}
			if err := f.flush(ss); err != nil {
				slog.Error("flush driver: failed to flush sealed memtable", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *FlushDriver) flush(ss memtable.SortedSet) error {
	snapshot := ss.Sorted()
	if len(snapshot) == 0 {
		return nil
	}

	tableID := f.manifest.GetNextTableID()
	filePath := fmt.Sprintf("%s/L0_%d.sst", f.dataDir, tableID)

	bloom := persistance.NewBloomFilter(uint32(len(snapshot)), 0.01)
	cache := persistance.NewBlockCache(100)
	sstable := persistance.NewSSTable(filePath, bloom, cache)

	items := make([]persistance.SSTableItem, len(snapshot))
	for i, item := range snapshot {
		items[i] = persistance.SSTableItem{Key: item.Key, Value: item.Value, Meta: item.Meta}
	}

	if err := f.lvlManager.WriteSSTableData(sstable, items); err != nil {
		return fmt.Errorf("write SSTable data: %w", err)
	}
	if err := sstable.Open(); err != nil {
		return fmt.Errorf("open SSTable: %w", err)
	}
	if err := f.lvlManager.AddSSTable(sstable, 0); err != nil {
		return fmt.Errorf("add SSTable to level manager: %w", err)
	}
	if err := f.manifest.AddTable(tableID, filePath, 0, sstable.ApproximateSize()); err != nil {
		return fmt.Errorf("add table to manifest: %w", err)
	}
	return nil
}

// Stop cancels the flush loop and waits for it to exit.
func (f *FlushDriver) Stop() {
	f.cancel()
	<-f.done
}
