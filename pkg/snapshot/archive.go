// Package snapshot additionally provides the Raft-facing snapshot
// archiver: it packages an engine's on-disk state into a single zip file
// on save, and restores it on load.
//
// Resolved open question: the original store zips its checkpoint
// directory into kv.zip even in fast-snapshot mode, but fast-snapshot-load
// never unzips first. Here the zip step always composes with both modes:
// save always produces kv.zip, load always unzips it, regardless of
// fast/backup mode. See DESIGN.md for the original-source evidence this
// was resolved against.
package snapshot

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"kvraft/pkg/consensus"
	"kvraft/pkg/engine"
	"kvraft/pkg/types"
)

// Mode selects how the on-disk state is captured.
type Mode uint8

const (
	// ModeFast performs an LSM checkpoint: existing SST files are
	// hard-linked (falling back to a copy across filesystems) into the
	// snapshot's kv/ directory, with no additional metadata blob.
	ModeFast Mode = iota
	// ModeBackup defers to a pluggable BackupEngine that produces an
	// incrementable backup set and a metadata blob naming the backup id.
	ModeBackup
)

const (
	metaFileName = "meta.bin"
	kvDirName    = "kv"
	kvZipName    = "kv.zip"
)

// BackupEngine is the pluggable backup/restore implementation ModeBackup
// delegates to; concrete backends (filesystem, object storage) implement
// it outside this package.
type BackupEngine interface {
	// Backup captures the engine's current state under dataDir into a new
	// backup set and returns an opaque id naming it.
	Backup(ctx context.Context, dataDir string) (backupID []byte, err error)
	// Restore replaces dataDir's contents with the backup set named by id.
	Restore(ctx context.Context, dataDir string, id []byte) error
}

// Archiver saves and loads engine snapshots for the consensus layer.
type Archiver struct {
	Mode   Mode
	Backup BackupEngine
}

// Save captures eng's state into w, always producing a zipped kv.zip
// containing either the hard-linked checkpoint (fast mode) or the backup
// engine's metadata blob (backup mode), plus a meta.bin recording the
// (index, term) the snapshot was taken at.
func (a *Archiver) Save(ctx context.Context, eng *engine.Engine, index types.LogIndex, term types.Term, w consensus.SnapshotWriter) error {
	kvDir := filepath.Join(w.Path(), kvDirName)
	if err := os.MkdirAll(kvDir, 0o750); err != nil {
		return fmt.Errorf("%w: create checkpoint dir: %v", engine.ErrSnapshotIO, err)
	}

	switch a.Mode {
	case ModeFast:
		if err := checkpointHardlink(eng.DataDir(), kvDir); err != nil {
			return fmt.Errorf("%w: checkpoint: %v", engine.ErrSnapshotIO, err)
		}
	case ModeBackup:
		if a.Backup == nil {
			return fmt.Errorf("%w: backup mode configured without a BackupEngine", engine.ErrSnapshotIO)
		}
		backupID, err := a.Backup.Backup(ctx, eng.DataDir())
		if err != nil {
			return fmt.Errorf("%w: backup: %v", engine.ErrSnapshotIO, err)
		}
		if err := os.WriteFile(filepath.Join(kvDir, "backup.id"), backupID, 0o640); err != nil {
			return fmt.Errorf("%w: write backup id: %v", engine.ErrSnapshotIO, err)
		}
	default:
		return fmt.Errorf("%w: unknown snapshot mode %d", engine.ErrSnapshotIO, a.Mode)
	}

	zipPath := filepath.Join(w.Path(), kvZipName)
	if err := zipDir(kvDir, zipPath); err != nil {
		return fmt.Errorf("%w: zip checkpoint: %v", engine.ErrSnapshotIO, err)
	}
	if err := os.RemoveAll(kvDir); err != nil {
		return fmt.Errorf("%w: clean checkpoint dir: %v", engine.ErrSnapshotIO, err)
	}

	if err := w.AddFile(kvZipName, nil); err != nil {
		return fmt.Errorf("%w: register kv.zip: %v", engine.ErrSnapshotIO, err)
	}
	if err := w.AddFile(metaFileName, encodeMeta(index, term)); err != nil {
		return fmt.Errorf("%w: register meta: %v", engine.ErrSnapshotIO, err)
	}
	return nil
}

// Load rejects a snapshot whose recorded (index, term) is behind the
// engine's own, then unzips kv.zip and swaps it in for the engine's
// current on-disk state, bumping the database-version counter.
func (a *Archiver) Load(ctx context.Context, eng *engine.Engine, r consensus.SnapshotReader) error {
	metaBytes, ok := r.FileMeta(metaFileName)
	if !ok {
		return fmt.Errorf("%w: missing %s", engine.ErrSnapshotIO, metaFileName)
	}
	snapIndex, snapTerm, err := decodeMeta(metaBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrDecode, err)
	}

	eng.Lock()
	defer eng.Unlock()

	curIndex, curTerm := eng.AppliedIndexTerm()
	if curIndex > snapIndex || (curIndex == snapIndex && curTerm > snapTerm) {
		return fmt.Errorf("%w: current (%d,%d) is ahead of snapshot (%d,%d)",
			engine.ErrStaleSnapshot, curIndex, curTerm, snapIndex, snapTerm)
	}

	zipPath := filepath.Join(r.Path(), kvZipName)
	kvDir := filepath.Join(r.Path(), kvDirName)
	if err := unzipDir(zipPath, kvDir); err != nil {
		return fmt.Errorf("%w: unzip checkpoint: %v", engine.ErrSnapshotIO, err)
	}

	switch a.Mode {
	case ModeFast:
		if err := swapInCheckpoint(kvDir, eng.DataDir()); err != nil {
			return fmt.Errorf("%w: swap in checkpoint: %v", engine.ErrSnapshotIO, err)
		}
	case ModeBackup:
		if a.Backup == nil {
			return fmt.Errorf("%w: backup mode configured without a BackupEngine", engine.ErrSnapshotIO)
		}
		backupID, err := os.ReadFile(filepath.Join(kvDir, "backup.id"))
		if err != nil {
			return fmt.Errorf("%w: read backup id: %v", engine.ErrSnapshotIO, err)
		}
		if err := a.Backup.Restore(ctx, eng.DataDir(), backupID); err != nil {
			return fmt.Errorf("%w: restore: %v", engine.ErrSnapshotIO, err)
		}
	}

	// The swap/restore above replaced dataDir's contents out from under the
	// engine's open WAL handle and in-memory memtable/level state; reopen
	// against the new files before anything reads through this engine again.
	if err := eng.Reopen(); err != nil {
		return fmt.Errorf("%w: reopen after load: %v", engine.ErrSnapshotIO, err)
	}

	eng.RecordApplied(snapIndex, snapTerm)
	eng.BumpDBVersion()
	return nil
}

func encodeMeta(index types.LogIndex, term types.Term) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(index))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(term))
	return buf
}

func decodeMeta(data []byte) (types.LogIndex, types.Term, error) {
	if len(data) < 16 {
		return 0, 0, fmt.Errorf("snapshot meta too short: %d bytes", len(data))
	}
	index := types.LogIndex(binary.LittleEndian.Uint64(data[0:8]))
	term := types.Term(binary.LittleEndian.Uint64(data[8:16]))
	return index, term, nil
}

// checkpointHardlink links every regular file under srcDir into dstDir,
// falling back to a byte copy when hard-linking fails (e.g. across
// filesystems), mirroring the original store's checkpoint step.
func checkpointHardlink(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		if err := os.Link(src, dst); err != nil {
			if err := copyFile(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// swapInCheckpoint atomically replaces dataDir's contents with kvDir's,
// mirroring "close engine, move snapshot directory atomically into DB
// path, reopen" from the fast-mode load protocol.
func swapInCheckpoint(kvDir, dataDir string) error {
	backup := dataDir + ".pre-snapshot"
	_ = os.RemoveAll(backup)
	if err := os.Rename(dataDir, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(kvDir, dataDir); err != nil {
		if err := os.Rename(backup, dataDir); err != nil {
			return fmt.Errorf("swap-in failed and rollback failed: %w", err)
		}
		return err
	}
	return os.RemoveAll(backup)
}

func zipDir(srcDir, destZip string) error {
	out, err := os.Create(destZip)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

func unzipDir(srcZip, destDir string) error {
	r, err := zip.OpenReader(srcZip)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return err
	}

	for _, f := range r.File {
		path := filepath.Join(destDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(path)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}
