// Package ringbuffer implements a crash-safe, file-backed FIFO used by
// the bridge (C9) to hold publications between a local delivery and a
// confirmed upstream forward. Entries are written as fixed-preamble,
// variable-length blocks inside a single memory-mapped file laid out as
// a ring: once the write cursor reaches the end of the file it wraps to
// the beginning, so the file's size bounds the buffer's total backlog
// rather than growing unboundedly while the upstream link is down.
//
// A block's trailing hash doubles as its liveness flag, following the
// teacher's persistence layer's own cheap-invalidate pattern: Remove
// zeroes only the 8-byte hash rather than rewriting the block, so an
// already-delivered entry simply stops hashing valid on the next scan.
package ringbuffer

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// blockHint marks the start of a live block header so a recovery scan
// can tell real data from an unwritten (zero) region of the file.
const blockHint uint64 = 0x4d51544c42524742 // "MQTLBRGB"

// headerSize is hint(8) + order(8) + dataLen(4).
const headerSize = 8 + 8 + 4

// trailerSize is the trailing integrity hash that also marks liveness.
const trailerSize = 8

var (
	// ErrCorruptBlock is returned when a block's header hint does not
	// match, or its trailing hash does not cover its declared contents:
	// either a torn write or an already-removed block.
	ErrCorruptBlock = errors.New("ringbuffer: corrupt or removed block")
	// ErrBlockTooLarge is returned by Insert when data cannot fit in the
	// ring even when empty.
	ErrBlockTooLarge = errors.New("ringbuffer: block larger than ring capacity")
)

// block is one ring entry: a monotonically increasing insertion order
// (used to find the wraparound point during crash recovery) and a
// payload.
type block struct {
	order uint64
	data  []byte
}

// marshal renders b as its on-disk byte form, hash included.
func (b block) marshal() []byte {
	buf := make([]byte, headerSize+len(b.data)+trailerSize)
	binary.BigEndian.PutUint64(buf[0:8], blockHint)
	binary.BigEndian.PutUint64(buf[8:16], b.order)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(b.data)))
	copy(buf[headerSize:], b.data)
	h := xxhash.Sum64(buf[:headerSize+len(b.data)])
	binary.BigEndian.PutUint64(buf[headerSize+len(b.data):], h)
	return buf
}

// isEmpty reports whether raw's header bytes are all zero, i.e. this
// slot was never written (a fresh file, or unused tail after the last
// lap shrank).
func isEmpty(raw []byte) bool {
	if len(raw) < headerSize {
		return true
	}
	for _, c := range raw[:headerSize] {
		if c != 0 {
			return false
		}
	}
	return true
}

// peekDataLen reads a block's declared payload length without
// validating its hash, so the caller can size a second read for the
// full block. Returns ok=false if raw does not start with a valid hint.
func peekDataLen(raw []byte) (dataLen uint32, ok bool) {
	if len(raw) < headerSize {
		return 0, false
	}
	if binary.BigEndian.Uint64(raw[0:8]) != blockHint {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw[16:20]), true
}

// unmarshalBlock parses and validates a complete, still-live block from
// raw, which must be at least its declared total size.
func unmarshalBlock(raw []byte) (block, uint64, error) {
	dataLen, ok := peekDataLen(raw)
	if !ok {
		return block{}, 0, ErrCorruptBlock
	}
	total := headerSize + int(dataLen) + trailerSize
	if len(raw) < total {
		return block{}, 0, ErrCorruptBlock
	}
	got := binary.BigEndian.Uint64(raw[headerSize+int(dataLen) : total])
	want := xxhash.Sum64(raw[:headerSize+int(dataLen)])
	if got != want {
		return block{}, 0, ErrCorruptBlock
	}
	order := binary.BigEndian.Uint64(raw[8:16])
	data := append([]byte(nil), raw[headerSize:headerSize+int(dataLen)]...)
	return block{order: order, data: data}, uint64(total), nil
}

// blockTotalSize returns the full on-disk size of the block starting at
// raw, trusting its declared data length without validating the hash
// (used to skip past a block whose liveness we don't care about, e.g.
// one already removed).
func blockTotalSize(raw []byte) (uint64, bool) {
	dataLen, ok := peekDataLen(raw)
	if !ok {
		return 0, false
	}
	return uint64(headerSize + int(dataLen) + trailerSize), true
}

// invalidateHash zeroes a block's trailing hash in place: the cheapest
// possible delete, touching only 8 bytes regardless of block size.
func invalidateHash(raw []byte, dataLen uint32) {
	start := headerSize + int(dataLen)
	for i := start; i < start+trailerSize && i < len(raw); i++ {
		raw[i] = 0
	}
}

// wrapHint marks the point a writer gave up on the remaining space at
// the end of the file and wrapped back to offset 0, so a forward scan
// knows to follow rather than treating the gap as the end of the data.
const wrapHint uint64 = 0x4d51544c57524150 // "MQTLWRAP"

// writeWrapMarker stamps raw[0:8] with wrapHint. raw must be at least 8
// bytes; callers only place a marker where that much room is free.
func writeWrapMarker(raw []byte) {
	binary.BigEndian.PutUint64(raw[0:8], wrapHint)
}

// isWrapMarker reports whether raw begins with a wrap marker.
func isWrapMarker(raw []byte) bool {
	return len(raw) >= 8 && binary.BigEndian.Uint64(raw[0:8]) == wrapHint
}

// orderAt reads a block's order field directly, used during recovery
// when a block's hash no longer validates (it was removed) but its
// header is still intact enough to account for in the order sequence.
func orderAt(raw []byte) uint64 {
	if len(raw) < headerSize {
		return 0
	}
	return binary.BigEndian.Uint64(raw[8:16])
}
