// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package sqliteoverlay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftfs/driftfs/lib/testutil"
	"github.com/driftfs/driftfs/overlay"
	"github.com/driftfs/driftfs/scm"
)

const testTimeout = 5 * time.Second

func openBackend(t *testing.T, path string) *Backend {
	t.Helper()
	backend, err := Open(path, 2, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return backend
}

func TestFreshDatabase(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	defer backend.Close(2)

	next, clean, err := backend.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !clean {
		t.Error("sqlite backend reported unclean")
	}
	if next != overlay.RootInode+1 {
		t.Errorf("fresh database next inode = %d, want %d", next, overlay.RootInode+1)
	}
}

func TestDirRecordRoundtrip(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	defer backend.Close(2)
	if _, _, err := backend.Init(); err != nil {
		t.Fatal(err)
	}

	hash := scm.HashBlob([]byte("content"))
	record := &overlay.DirRecord{Entries: map[string]overlay.RecordEntry{
		"materialized.txt": {Mode: 0o100644, Ino: 7},
		"tracked.txt":      {Mode: 0o100755, Ino: 8, Hash: hash[:]},
	}}
	if err := backend.SaveDir(5, record); err != nil {
		t.Fatalf("SaveDir: %v", err)
	}

	loaded, err := backend.LoadDir(5)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(loaded.Entries))
	}
	tracked := loaded.Entries["tracked.txt"]
	if tracked.Ino != 8 || string(tracked.Hash) != string(hash[:]) {
		t.Errorf("tracked entry = %+v", tracked)
	}

	// Replacement overwrites in place.
	record.Entries["added.txt"] = overlay.RecordEntry{Mode: 0o100644, Ino: 9}
	if err := backend.SaveDir(5, record); err != nil {
		t.Fatal(err)
	}
	loaded, err = backend.LoadDir(5)
	if err != nil || len(loaded.Entries) != 3 {
		t.Errorf("after overwrite: %d entries, err %v", len(loaded.Entries), err)
	}

	if absent, err := backend.LoadDir(99); err != nil || absent != nil {
		t.Errorf("absent inode = (%+v, %v), want (nil, nil)", absent, err)
	}
}

func TestFileContentRoundtrip(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	defer backend.Close(2)

	if err := backend.CreateFile(10, []byte("hello")); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	content, err := backend.ReadFile(10)
	if err != nil || string(content) != "hello" {
		t.Fatalf("ReadFile = (%q, %v)", content, err)
	}

	// Overwrite, including with empty content.
	if err := backend.CreateFile(10, nil); err != nil {
		t.Fatal(err)
	}
	content, err = backend.ReadFile(10)
	if err != nil || len(content) != 0 {
		t.Errorf("after truncating overwrite: (%q, %v)", content, err)
	}

	if _, err := backend.ReadFile(11); err == nil {
		t.Error("ReadFile on absent inode succeeded")
	}
}

func TestRemoveDataRemovesEverything(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	defer backend.Close(2)

	if err := backend.SaveDir(6, &overlay.DirRecord{Entries: map[string]overlay.RecordEntry{}}); err != nil {
		t.Fatal(err)
	}
	if err := backend.CreateFile(6, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := backend.SaveMetadata(6, 0o100600); err != nil {
		t.Fatal(err)
	}
	if !backend.HasData(6) {
		t.Fatal("HasData = false after writes")
	}

	if err := backend.RemoveData(6); err != nil {
		t.Fatalf("RemoveData: %v", err)
	}
	if backend.HasData(6) {
		t.Error("HasData = true after RemoveData")
	}
	if _, ok, _ := backend.LoadMetadata(6); ok {
		t.Error("metadata survived RemoveData")
	}
	if err := backend.RemoveData(6); err != nil {
		t.Errorf("second RemoveData: %v", err)
	}
}

func TestMetadataRoundtrip(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	defer backend.Close(2)

	if _, ok, err := backend.LoadMetadata(4); err != nil || ok {
		t.Fatalf("LoadMetadata before save = ok=%v err=%v", ok, err)
	}
	if err := backend.SaveMetadata(4, 0o100755); err != nil {
		t.Fatal(err)
	}
	mode, ok, err := backend.LoadMetadata(4)
	if err != nil || !ok || mode != 0o100755 {
		t.Errorf("LoadMetadata = %o ok=%v err=%v", mode, ok, err)
	}
}

func TestReservationsSurviveCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.db")

	backend := openBackend(t, path)
	if _, _, err := backend.Init(); err != nil {
		t.Fatal(err)
	}
	// Reservations round up to the batch boundary.
	if err := backend.ReserveInodes(300); err != nil {
		t.Fatalf("ReserveInodes: %v", err)
	}
	// A reservation below the ceiling must not lower it.
	if err := backend.ReserveInodes(10); err != nil {
		t.Fatal(err)
	}
	// Simulated crash: release the pool without persisting a final
	// next-inode value through the normal shutdown path.
	if err := backend.pool.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openBackend(t, path)
	defer reopened.Close(512)
	next, clean, err := reopened.Init()
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("sqlite backend reported unclean after crash")
	}
	if next < 300 || next > 512 {
		t.Errorf("next inode after crash = %d, want within (300, 512]", next)
	}
}

func TestReservationPersistOrderCannotRegress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.db")

	backend := openBackend(t, path)
	if _, _, err := backend.Init(); err != nil {
		t.Fatal(err)
	}
	if err := backend.ReserveInodes(300); err != nil {
		t.Fatalf("ReserveInodes: %v", err)
	}

	// Two racing reservations can reach the database out of order: a
	// write for a lower ceiling may land after the higher one. Replay
	// that stale write directly; it must not lower the stored value.
	conn, err := backend.pool.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	err = raiseNextInode(conn, 256)
	backend.pool.Put(conn)
	if err != nil {
		t.Fatalf("raiseNextInode: %v", err)
	}

	// Simulated crash, then verify the ceiling survived intact.
	if err := backend.pool.Close(); err != nil {
		t.Fatal(err)
	}
	reopened := openBackend(t, path)
	defer reopened.Close(512)
	next, _, err := reopened.Init()
	if err != nil {
		t.Fatal(err)
	}
	if next != 512 {
		t.Errorf("next inode after stale reservation write = %d, want 512", next)
	}
}

func TestCloseWithoutAllocatorStateKeepsStoredValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.db")

	backend := openBackend(t, path)
	if _, _, err := backend.Init(); err != nil {
		t.Fatal(err)
	}
	if err := backend.ReserveInodes(300); err != nil {
		t.Fatal(err)
	}
	// A zero next-inode value releases the pool without persisting
	// anything, leaving the reservation ceiling in place.
	if err := backend.Close(0); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openBackend(t, path)
	defer reopened.Close(512)
	next, _, err := reopened.Init()
	if err != nil {
		t.Fatal(err)
	}
	if next != 512 {
		t.Errorf("next inode after release-only close = %d, want 512", next)
	}
}

func TestCleanClosePersistsExactValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.db")

	backend := openBackend(t, path)
	if _, _, err := backend.Init(); err != nil {
		t.Fatal(err)
	}
	if err := backend.Close(41); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openBackend(t, path)
	defer reopened.Close(41)
	next, _, err := reopened.Init()
	if err != nil {
		t.Fatal(err)
	}
	if next != 41 {
		t.Errorf("next inode after clean close = %d, want 41", next)
	}
}

func TestCheckerUnavailable(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	defer backend.Close(2)
	if _, err := backend.Checker(); err == nil {
		t.Error("Checker succeeded; the sqlite backend never starts unclean")
	}
}

// TestOverlayOverSQLiteBackend runs the overlay core end to end on
// the real backend.
func TestOverlayOverSQLiteBackend(t *testing.T) {
	backend := openBackend(t, filepath.Join(t.TempDir(), "overlay.db"))
	o := overlay.Open(backend, nil)
	if err := testutil.RequireReceive(t, o.Initialize(nil), testTimeout, "overlay init"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	file := o.AllocateInodeNumber()
	dir := o.AllocateInodeNumber()
	if err := o.CreateFile(file, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := o.SaveDir(dir, overlay.DirContents{
		{Name: "hello.txt", Mode: 0o100644, Ino: file},
	}); err != nil {
		t.Fatal(err)
	}

	loaded, err := o.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if entry, ok := loaded.Lookup("hello.txt"); !ok || entry.Ino != file {
		t.Errorf("loaded entry = (%+v, %v)", entry, ok)
	}

	if err := o.RecursivelyRemoveData(dir); err != nil {
		t.Fatal(err)
	}
	testutil.RequireClosed(t, o.FlushPendingAsync(), testTimeout, "gc flush")
	if o.HasData(file) || o.HasData(dir) {
		t.Error("data survived recursive removal")
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
