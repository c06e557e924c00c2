// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package sqliteoverlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/driftfs/driftfs/lib/codec"
	"github.com/driftfs/driftfs/lib/sqlitepool"
	"github.com/driftfs/driftfs/overlay"
)

// schema creates the overlay tables. One row per inode in each
// table; the info table holds the persisted allocator high-water
// mark.
const schema = `
CREATE TABLE IF NOT EXISTS info (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dirs (
	ino    INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	ino     INTEGER PRIMARY KEY,
	content BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS metadata (
	ino  INTEGER PRIMARY KEY,
	mode INTEGER NOT NULL
);
`

const nextInodeKey = "next_inode"

// reserveBatch is the granularity of persisted inode reservations.
// Persisting every allocation would put a write on the allocator hot
// path; reserving in batches wastes at most reserveBatch-1 numbers
// per crash, which a 64-bit space absorbs forever.
const reserveBatch = 256

// Backend stores overlay data in a single SQLite database. Unlike
// the filesystem backend it never starts unclean: inode reservations
// are persisted eagerly in batches, so a crash can only lose numbers
// that were reserved but never handed out.
type Backend struct {
	pool *sqlitepool.Pool

	// reserved is the persisted reservation ceiling. Allocations
	// below it need no write.
	reserved atomic.Uint64
}

var _ overlay.Backend = (*Backend)(nil)

// Open creates a Backend over the SQLite database at path, creating
// the file and schema as needed. poolSize <= 0 selects the
// sqlitepool default.
func Open(path string, poolSize int, logger *slog.Logger) (*Backend, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening overlay database: %w", err)
	}
	return &Backend{pool: pool}, nil
}

// Init loads the persisted reservation ceiling. The result is always
// clean: the ceiling is an upper bound on every number ever handed
// out, which is exactly what the allocator needs after a crash.
func (b *Backend) Init() (overlay.InodeNumber, bool, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return 0, false, err
	}
	defer b.pool.Put(conn)

	var stored uint64
	var found bool
	err = sqlitex.Execute(conn, "SELECT value FROM info WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{nextInodeKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stored = uint64(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("reading allocator state: %w", err)
	}

	if !found {
		stored = uint64(overlay.RootInode) + 1
		if err := setNextInode(conn, stored); err != nil {
			return 0, false, err
		}
	}
	b.reserved.Store(stored)
	return overlay.InodeNumber(stored), true, nil
}

func (b *Backend) LoadDir(ino overlay.InodeNumber) (*overlay.DirRecord, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn, "SELECT record FROM dirs WHERE ino = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading directory record %d: %w", ino, err)
	}
	if blob == nil {
		return nil, nil
	}

	var record overlay.DirRecord
	if err := codec.Unmarshal(blob, &record); err != nil {
		return nil, fmt.Errorf("decoding directory record %d: %w", ino, err)
	}
	return &record, nil
}

func (b *Backend) SaveDir(ino overlay.InodeNumber, record *overlay.DirRecord) error {
	blob, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding directory record %d: %w", ino, err)
	}

	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO dirs (ino, record) VALUES (?, ?) ON CONFLICT (ino) DO UPDATE SET record = excluded.record",
		&sqlitex.ExecOptions{Args: []any{int64(ino), blob}})
	if err != nil {
		return fmt.Errorf("saving directory record %d: %w", ino, err)
	}
	return nil
}

func (b *Backend) CreateFile(ino overlay.InodeNumber, content []byte) error {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO files (ino, content) VALUES (?, ?) ON CONFLICT (ino) DO UPDATE SET content = excluded.content",
		&sqlitex.ExecOptions{Args: []any{int64(ino), content}})
	if err != nil {
		return fmt.Errorf("saving file content %d: %w", ino, err)
	}
	return nil
}

func (b *Backend) ReadFile(ino overlay.InodeNumber) ([]byte, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var content []byte
	err = sqlitex.Execute(conn, "SELECT content FROM files WHERE ino = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			content = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, content)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading file content %d: %w", ino, err)
	}
	if content == nil {
		return nil, fmt.Errorf("no file content for inode %d", ino)
	}
	return content, nil
}

func (b *Backend) HasData(ino overlay.InodeNumber) bool {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return false
	}
	defer b.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM dirs WHERE ino = ?1 UNION ALL SELECT 1 FROM files WHERE ino = ?1 LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{int64(ino)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	return err == nil && found
}

func (b *Backend) RemoveData(ino overlay.InodeNumber) error {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("removing inode %d: begin transaction: %w", ino, err)
	}
	defer endTransaction(&err)

	for _, table := range []string{"dirs", "files", "metadata"} {
		err = sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE ino = ?",
			&sqlitex.ExecOptions{Args: []any{int64(ino)}})
		if err != nil {
			return fmt.Errorf("removing inode %d from %s: %w", ino, table, err)
		}
	}
	return nil
}

func (b *Backend) SaveMetadata(ino overlay.InodeNumber, mode uint32) error {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO metadata (ino, mode) VALUES (?, ?) ON CONFLICT (ino) DO UPDATE SET mode = excluded.mode",
		&sqlitex.ExecOptions{Args: []any{int64(ino), int64(mode)}})
	if err != nil {
		return fmt.Errorf("saving metadata for inode %d: %w", ino, err)
	}
	return nil
}

func (b *Backend) LoadMetadata(ino overlay.InodeNumber) (uint32, bool, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return 0, false, err
	}
	defer b.pool.Put(conn)

	var mode uint32
	var found bool
	err = sqlitex.Execute(conn, "SELECT mode FROM metadata WHERE ino = ?", &sqlitex.ExecOptions{
		Args: []any{int64(ino)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = uint32(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("loading metadata for inode %d: %w", ino, err)
	}
	return mode, found, nil
}

// ReserveInodes raises the persisted reservation ceiling when next
// crosses it. Most calls return without touching the database.
func (b *Backend) ReserveInodes(next overlay.InodeNumber) error {
	for {
		current := b.reserved.Load()
		if uint64(next) <= current {
			return nil
		}
		target := (uint64(next)/reserveBatch + 1) * reserveBatch
		if !b.reserved.CompareAndSwap(current, target) {
			continue
		}

		conn, err := b.pool.Take(context.Background())
		if err != nil {
			return err
		}
		defer b.pool.Put(conn)
		// Racing reservations may persist out of order; the MAX upsert
		// keeps the stored ceiling from regressing below a higher
		// reservation that already landed.
		if err := raiseNextInode(conn, target); err != nil {
			return fmt.Errorf("persisting inode reservation: %w", err)
		}
		return nil
	}
}

// Checker is unavailable: Init never reports unclean, so needing a
// checker indicates a wiring bug.
func (b *Backend) Checker() (overlay.Checker, error) {
	return nil, errors.New("sqlite overlay backend cannot start unclean")
}

func (b *Backend) Close(nextInode overlay.InodeNumber) error {
	var closeErr error
	if nextInode != 0 {
		closeErr = func() error {
			conn, err := b.pool.Take(context.Background())
			if err != nil {
				return err
			}
			defer b.pool.Put(conn)
			return setNextInode(conn, uint64(nextInode))
		}()
	}

	if err := b.pool.Close(); err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("persisting allocator state: %w", closeErr)
	}
	return nil
}

// setNextInode stores value unconditionally. Used at Init and at
// clean close, where the exact allocator value is wanted even when it
// is below the last reservation ceiling.
func setNextInode(conn *sqlite.Conn, value uint64) error {
	return sqlitex.Execute(conn,
		"INSERT INTO info (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{nextInodeKey, int64(value)}})
}

// raiseNextInode stores value only if it exceeds the stored one.
func raiseNextInode(conn *sqlite.Conn, value uint64) error {
	return sqlitex.Execute(conn,
		"INSERT INTO info (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = MAX(value, excluded.value)",
		&sqlitex.ExecOptions{Args: []any{nextInodeKey, int64(value)}})
}
