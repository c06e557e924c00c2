// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package scm defines the source-control object model the checkout
// engine operates on: content hashes, tree entries, and the immutable
// Tree and Blob snapshots fetched from an object store.
//
// Hashes are 32-byte keyed BLAKE3 digests with domain separation
// between the tree and blob domains, so a tree and a blob with
// identical serialized bytes can never collide. [ObjectStore] is the
// slice of the content-addressed retrieval layer this core consumes;
// its production implementation (remote fetch, caching) lives outside
// this repository. [MemoryStore] is a complete in-process
// implementation used by tests and tooling.
package scm
