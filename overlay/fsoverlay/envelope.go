// Copyright 2026 The Driftfs Authors
// SPDX-License-Identifier: Apache-2.0

package fsoverlay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Every on-disk record (directory, file content, metadata) carries a
// fixed header so that corruption and format drift are detected
// before any payload parsing:
//
//	offset 0: magic "DOVL" (4 bytes)
//	offset 4: format version (1 byte)
//	offset 5: compression tag (1 byte)
//	offset 6: uncompressed payload length, little-endian uint64
//	offset 14: payload
//
// The explicit length is required for LZ4 block decompression and
// doubles as a truncation check for uncompressed records.

var recordMagic = [4]byte{'D', 'O', 'V', 'L'}

const (
	recordVersion    = 1
	recordHeaderSize = 14
)

// sealRecord wraps payload in the record envelope, compressing with
// the requested algorithm. Incompressible payloads fall back to
// CompressionNone; the header records the tag actually used.
func sealRecord(payload []byte, tag CompressionTag) ([]byte, error) {
	stored, err := compress(payload, tag)
	if err != nil {
		if err == errIncompressible {
			stored, tag = payload, CompressionNone
		} else {
			return nil, err
		}
	}

	record := make([]byte, recordHeaderSize+len(stored))
	copy(record[0:4], recordMagic[:])
	record[4] = recordVersion
	record[5] = byte(tag)
	binary.LittleEndian.PutUint64(record[6:14], uint64(len(payload)))
	copy(record[recordHeaderSize:], stored)
	return record, nil
}

// openRecord validates the envelope and returns the decompressed
// payload.
func openRecord(record []byte) ([]byte, error) {
	if len(record) < recordHeaderSize {
		return nil, fmt.Errorf("record is %d bytes, shorter than the %d-byte header",
			len(record), recordHeaderSize)
	}
	if !bytes.Equal(record[0:4], recordMagic[:]) {
		return nil, fmt.Errorf("bad record magic %q", record[0:4])
	}
	if record[4] != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", record[4])
	}
	tag := CompressionTag(record[5])
	size := binary.LittleEndian.Uint64(record[6:14])
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("record claims implausible payload size %d", size)
	}
	return decompress(record[recordHeaderSize:], tag, int(size))
}
