// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package scm

import (
	"context"
	"fmt"
	"sync"
)

// ObjectStore is the slice of the content-addressed retrieval layer
// the checkout engine consumes. Implementations may block on network
// or disk; both methods must honor ctx cancellation. Returned objects
// are immutable and may be cached and shared.
type ObjectStore interface {
	// GetTree fetches the Tree addressed by hash.
	GetTree(ctx context.Context, hash Hash) (*Tree, error)

	// GetBlob fetches the Blob addressed by hash.
	GetBlob(ctx context.Context, hash Hash) (*Blob, error)
}

// MemoryStore is a hash-addressed in-memory ObjectStore. It is safe
// for concurrent use. Tests and tooling populate it with PutBlob and
// PutTree; production object retrieval lives outside this repository.
type MemoryStore struct {
	mu    sync.RWMutex
	trees map[Hash]*Tree
	blobs map[Hash]*Blob
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trees: make(map[Hash]*Tree),
		blobs: make(map[Hash]*Blob),
	}
}

// PutBlob stores file content and returns the blob's hash.
func (s *MemoryStore) PutBlob(content []byte) Hash {
	blob := NewBlob(content)
	s.mu.Lock()
	s.blobs[blob.Hash()] = blob
	s.mu.Unlock()
	return blob.Hash()
}

// PutTree stores a tree built from the given entries and returns its
// hash.
func (s *MemoryStore) PutTree(entries []TreeEntry) (Hash, error) {
	tree, err := NewTree(entries)
	if err != nil {
		return Hash{}, err
	}
	s.mu.Lock()
	s.trees[tree.Hash()] = tree
	s.mu.Unlock()
	return tree.Hash(), nil
}

// GetTree implements ObjectStore.
func (s *MemoryStore) GetTree(ctx context.Context, hash Hash) (*Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	tree, ok := s.trees[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tree %s not found", FormatHash(hash))
	}
	return tree, nil
}

// GetBlob implements ObjectStore.
func (s *MemoryStore) GetBlob(ctx context.Context, hash Hash) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s not found", FormatHash(hash))
	}
	return blob, nil
}
