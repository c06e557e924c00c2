// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package scm

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. All object hashes (tree, blob) are
// this size.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// hashes in different contexts, preventing cross-domain collisions.
type domainKey [32]byte

// Domain separation keys. These are fixed constants — changing them
// invalidates every existing object hash in that domain. The byte
// values are the ASCII encoding of the domain name, zero-padded to 32
// bytes, so the keys stay inspectable in hex dumps and debuggers.
var (
	treeDomainKey = domainKey{
		'd', 'r', 'i', 'f', 't', 'f', 's', '.', 's', 'c', 'm', '.',
		't', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	blobDomainKey = domainKey{
		'd', 'r', 'i', 'f', 't', 'f', 's', '.', 's', 'c', 'm', '.',
		'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashBlob computes the blob-domain BLAKE3 keyed hash of file content.
func HashBlob(content []byte) Hash {
	return keyedHash(blobDomainKey, content)
}

// HashTree computes the tree-domain BLAKE3 keyed hash of a canonical
// tree serialization. Callers should obtain the serialization from
// [Tree.Canonical] rather than building it by hand.
func HashTree(canonical []byte) Hash {
	return keyedHash(treeDomainKey, canonical)
}

// IsZero reports whether the hash is the all-zero value. The zero
// hash is never a valid object hash; it marks "no hash recorded".
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return FormatHash(h)
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format used in logs and CLI output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing object hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("object hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// keyedHash computes the BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	// The error is only returned for wrong key length, so this cannot
	// fail with our fixed-size type.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("scm: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
