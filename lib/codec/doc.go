// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides driftfs's standard CBOR encoding configuration.
//
// Everything driftfs persists — overlay directory records, the overlay
// info file, the inode metadata table, and canonical tree
// serializations — goes through this package so that every component
// encodes identically without duplicating configuration. The encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Same logical
// data always produces identical bytes, which keeps content hashes of
// serialized trees stable and makes on-disk records byte-comparable.
//
// For buffer-oriented operations (the common case):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// [Diagnose] renders a persisted record in CBOR diagnostic notation
// (RFC 8949 §8); the driftfs-overlay dump command uses it so that
// on-disk state can be inspected without a custom pretty-printer.
//
// Persisted types use `cbor` struct tags exclusively: nothing in this
// repository serializes the same type as both JSON and CBOR.
package codec
