// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsoverlay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/driftfs/driftfs/lib/codec"
	"github.com/driftfs/driftfs/overlay"
)

// Directory names within the overlay root.
const (
	dirsDir     = "dirs"
	filesDir    = "files"
	metadataDir = "metadata"
	tmpDir      = "tmp"
	corruptDir  = "corrupt"
	infoFile    = "info"
)

// Backend stores overlay data as one file per inode under a root
// directory, sharded by the low byte of the inode number:
//
//	root/info           clean-shutdown marker and next-inode value
//	root/dirs/4e/1102   directory record for inode 1102
//	root/files/4e/1102  materialized content for inode 1102
//	root/metadata/...   mode-bits records
//	root/tmp/           staging for atomic renames
//
// Every record is written to tmp and renamed into place, so readers
// never observe a partial record. Crash safety comes from the info
// file: the next-inode value is cleared while the store is open and
// only rewritten on clean shutdown, so a crash leaves an unmistakable
// marker and the consistency checker recomputes the allocator state
// by scanning.
type Backend struct {
	root        string
	compression CompressionTag
}

var _ overlay.Backend = (*Backend)(nil)

// infoRecord is the persisted content of the info file.
type infoRecord struct {
	Version uint32 `cbor:"version"`

	// NextInode is the persisted allocator state. Zero while the
	// store is open; a crash therefore leaves zero behind.
	NextInode uint64 `cbor:"next_inode,omitempty"`
}

const infoVersion = 1

// metadataRecord is the persisted content of one metadata entry.
type metadataRecord struct {
	Mode uint32 `cbor:"mode"`
}

// Open creates a Backend rooted at the given directory, creating the
// layout if it does not exist. A brand-new store is initialized
// clean with an empty allocator.
func Open(root string, compression CompressionTag) (*Backend, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, dirsDir),
		filepath.Join(root, filesDir),
		filepath.Join(root, metadataDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating overlay directory %s: %w", dir, err)
		}
	}

	b := &Backend{root: root, compression: compression}

	// A store without an info file and without any records is fresh;
	// stamp it clean so first startup skips the consistency scan. A
	// missing info file alongside existing records means a crash ate
	// it, and Init must treat the store as unclean.
	if _, err := os.Stat(b.infoPath()); errors.Is(err, fs.ErrNotExist) {
		empty, err := b.hasNoRecords()
		if err != nil {
			return nil, err
		}
		if empty {
			if err := b.writeInfo(uint64(overlay.RootInode) + 1); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// Init reads the clean-shutdown marker and immediately clears it, so
// that a crash during this session is detected on the next open.
func (b *Backend) Init() (overlay.InodeNumber, bool, error) {
	data, err := os.ReadFile(b.infoPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading overlay info file: %w", err)
	}

	payload, err := openRecord(data)
	if err != nil {
		// A corrupt info file is recoverable: the consistency scan
		// rebuilds the allocator state.
		return 0, false, nil
	}
	var info infoRecord
	if err := codec.Unmarshal(payload, &info); err != nil {
		return 0, false, nil
	}
	if info.Version != infoVersion {
		return 0, false, fmt.Errorf("overlay info version %d, want %d", info.Version, infoVersion)
	}

	if err := b.writeInfo(0); err != nil {
		return 0, false, fmt.Errorf("clearing clean-shutdown marker: %w", err)
	}

	if info.NextInode == 0 {
		return 0, false, nil
	}
	return overlay.InodeNumber(info.NextInode), true, nil
}

// ReadInfo reads the clean-shutdown marker without clearing it, for
// offline inspection tools. A zero next-inode value means the store
// is open or crashed.
func (b *Backend) ReadInfo() (nextInode uint64, err error) {
	data, err := os.ReadFile(b.infoPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading overlay info file: %w", err)
	}
	payload, err := openRecord(data)
	if err != nil {
		return 0, fmt.Errorf("overlay info file: %w", err)
	}
	var info infoRecord
	if err := codec.Unmarshal(payload, &info); err != nil {
		return 0, fmt.Errorf("decoding overlay info: %w", err)
	}
	return info.NextInode, nil
}

func (b *Backend) LoadDir(ino overlay.InodeNumber) (*overlay.DirRecord, error) {
	data, err := os.ReadFile(b.dirPath(ino))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading directory record %d: %w", ino, err)
	}
	payload, err := openRecord(data)
	if err != nil {
		return nil, fmt.Errorf("directory record %d: %w", ino, err)
	}
	var record overlay.DirRecord
	if err := codec.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decoding directory record %d: %w", ino, err)
	}
	return &record, nil
}

func (b *Backend) SaveDir(ino overlay.InodeNumber, record *overlay.DirRecord) error {
	payload, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding directory record %d: %w", ino, err)
	}
	sealed, err := sealRecord(payload, b.compression)
	if err != nil {
		return fmt.Errorf("sealing directory record %d: %w", ino, err)
	}
	return b.writeAtomic(b.dirPath(ino), sealed)
}

func (b *Backend) CreateFile(ino overlay.InodeNumber, content []byte) error {
	sealed, err := sealRecord(content, b.compression)
	if err != nil {
		return fmt.Errorf("sealing file content %d: %w", ino, err)
	}
	return b.writeAtomic(b.filePath(ino), sealed)
}

func (b *Backend) ReadFile(ino overlay.InodeNumber) ([]byte, error) {
	data, err := os.ReadFile(b.filePath(ino))
	if err != nil {
		return nil, fmt.Errorf("reading file content %d: %w", ino, err)
	}
	payload, err := openRecord(data)
	if err != nil {
		return nil, fmt.Errorf("file content %d: %w", ino, err)
	}
	return payload, nil
}

func (b *Backend) HasData(ino overlay.InodeNumber) bool {
	if _, err := os.Stat(b.dirPath(ino)); err == nil {
		return true
	}
	_, err := os.Stat(b.filePath(ino))
	return err == nil
}

func (b *Backend) RemoveData(ino overlay.InodeNumber) error {
	for _, path := range []string{b.dirPath(ino), b.filePath(ino), b.metadataPath(ino)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	return nil
}

func (b *Backend) SaveMetadata(ino overlay.InodeNumber, mode uint32) error {
	payload, err := codec.Marshal(&metadataRecord{Mode: mode})
	if err != nil {
		return fmt.Errorf("encoding metadata record %d: %w", ino, err)
	}
	// Metadata records are a handful of bytes; never worth
	// compressing.
	sealed, err := sealRecord(payload, CompressionNone)
	if err != nil {
		return fmt.Errorf("sealing metadata record %d: %w", ino, err)
	}
	return b.writeAtomic(b.metadataPath(ino), sealed)
}

func (b *Backend) LoadMetadata(ino overlay.InodeNumber) (uint32, bool, error) {
	data, err := os.ReadFile(b.metadataPath(ino))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading metadata record %d: %w", ino, err)
	}
	payload, err := openRecord(data)
	if err != nil {
		return 0, false, fmt.Errorf("metadata record %d: %w", ino, err)
	}
	var record metadataRecord
	if err := codec.Unmarshal(payload, &record); err != nil {
		return 0, false, fmt.Errorf("decoding metadata record %d: %w", ino, err)
	}
	return record.Mode, true, nil
}

// ReserveInodes is a no-op: the allocator state is recovered by
// scanning after a crash, and persisted only on clean shutdown.
func (b *Backend) ReserveInodes(next overlay.InodeNumber) error {
	return nil
}

func (b *Backend) Checker() (overlay.Checker, error) {
	return newChecker(b), nil
}

func (b *Backend) Close(nextInode overlay.InodeNumber) error {
	if nextInode == 0 {
		// Initialization never completed; the marker Init cleared
		// stays cleared and the next open runs the consistency scan.
		return nil
	}
	if err := b.writeInfo(uint64(nextInode)); err != nil {
		return fmt.Errorf("persisting clean-shutdown marker: %w", err)
	}
	return nil
}

// StatFS reports filesystem capacity for the overlay root: total and
// available bytes on the containing filesystem.
func (b *Backend) StatFS() (total, available uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(b.root, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", b.root, err)
	}
	blockSize := uint64(stat.Bsize)
	return stat.Blocks * blockSize, stat.Bavail * blockSize, nil
}

// Root returns the overlay root directory.
func (b *Backend) Root() string {
	return b.root
}

func (b *Backend) infoPath() string {
	return filepath.Join(b.root, infoFile)
}

// shard returns the two-hex-digit shard directory for an inode,
// keyed on the low byte so consecutive inodes spread evenly.
func shard(ino overlay.InodeNumber) string {
	return fmt.Sprintf("%02x", byte(ino))
}

func (b *Backend) dirPath(ino overlay.InodeNumber) string {
	return filepath.Join(b.root, dirsDir, shard(ino), fmt.Sprintf("%d", ino))
}

func (b *Backend) filePath(ino overlay.InodeNumber) string {
	return filepath.Join(b.root, filesDir, shard(ino), fmt.Sprintf("%d", ino))
}

func (b *Backend) metadataPath(ino overlay.InodeNumber) string {
	return filepath.Join(b.root, metadataDir, shard(ino), fmt.Sprintf("%d", ino))
}

func (b *Backend) writeInfo(nextInode uint64) error {
	payload, err := codec.Marshal(&infoRecord{Version: infoVersion, NextInode: nextInode})
	if err != nil {
		return fmt.Errorf("encoding overlay info: %w", err)
	}
	sealed, err := sealRecord(payload, CompressionNone)
	if err != nil {
		return fmt.Errorf("sealing overlay info: %w", err)
	}
	return b.writeAtomic(b.infoPath(), sealed)
}

// writeAtomic writes data to a temp file in the staging directory
// and renames it into place, creating the shard directory if needed.
func (b *Backend) writeAtomic(finalPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Join(b.root, tmpDir), "record-*")
	if err != nil {
		return fmt.Errorf("creating temp record file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing record data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp record file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming record to %s: %w", finalPath, err)
	}
	success = true
	return nil
}

// hasNoRecords reports whether the dirs and files trees contain no
// records at all.
func (b *Backend) hasNoRecords() (bool, error) {
	for _, dir := range []string{dirsDir, filesDir} {
		shards, err := os.ReadDir(filepath.Join(b.root, dir))
		if err != nil {
			return false, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, entry := range shards {
			records, err := os.ReadDir(filepath.Join(b.root, dir, entry.Name()))
			if err != nil {
				return false, fmt.Errorf("listing shard %s: %w", entry.Name(), err)
			}
			if len(records) > 0 {
				return false, nil
			}
		}
	}
	return true, nil
}
