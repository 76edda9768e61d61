package ringbuffer

import (
	"errors"
	"sync"
)

var (
	// ErrRingFull is returned by Insert/Batch when the ring has no room
	// for a new block without overwriting one still pending removal.
	ErrRingFull = errors.New("ringbuffer: full")
	// ErrOutOfOrder is returned by Remove when key does not identify the
	// oldest still-pending block. The pump removes strictly in the order
	// it read entries out, so this signals a caller bug, not corruption.
	ErrOutOfOrder = errors.New("ringbuffer: remove out of order")
)

// FilePointers is the ring's cursor state: Write is where the next
// Insert lands, ReadBegin is the oldest block not yet Removed, ReadEnd
// is how far Read has handed entries to the caller. ReadBegin advances
// only on Remove; ReadEnd advances only on Read. The gap between them
// is data already handed to the bridge pump but not yet acked upstream.
type FilePointers struct {
	Write     uint64
	ReadBegin uint64
	ReadEnd   uint64
}

// Key identifies one block's position in the ring, handed back by
// Insert and Read and consumed by Remove.
type Key struct {
	offset uint64
}

// Entry is one block read out of the ring, paired with the Key needed
// to Remove it once the caller no longer needs it retained.
type Entry struct {
	Key  Key
	Data []byte
}

// RingBuffer is a crash-safe, file-backed FIFO of variable-length
// blocks. It is safe for concurrent use; every operation holds an
// internal mutex for its duration. A RingBuffer does not interpret the
// bytes it stores: the bridge pump is responsible for encoding and
// decoding its own queued publications.
//
// Fullness and read progress are tracked as byte counts rather than by
// comparing the Write/ReadBegin/ReadEnd offsets directly: once the ring
// has wrapped, those offsets can legitimately coincide whether the ring
// is empty or completely full, the classic circular-buffer ambiguity.
// unread and pendingRemoval resolve it without a wasted sentinel slot.
type RingBuffer struct {
	mu sync.Mutex

	store    storage
	capacity uint64
	ptrs     FilePointers

	unread         uint64 // bytes inserted but not yet handed out by Read
	pendingRemoval uint64 // bytes handed out by Read but not yet Removed
	nextOrder      uint64
}

// Open maps or creates the ring file at path, sized to hold capacity
// bytes of blocks (including their overhead), and recovers its cursor
// state by scanning the file's contents. Safe to call again after an
// unclean shutdown: the scan tolerates a torn write at the point the
// file last stopped being consistent and treats everything before it
// as durable. Every block still live after recovery is reported as
// unread again, favoring redelivery over loss.
func Open(path string, capacity uint64) (*RingBuffer, error) {
	st, err := openStorage(path, int64(capacity))
	if err != nil {
		return nil, err
	}
	rb := &RingBuffer{store: st, capacity: capacity}
	rb.recover()
	return rb, nil
}

// Close flushes and releases the ring's backing file.
func (rb *RingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.store.Close()
}

// Len returns the number of bytes currently occupied by blocks not yet
// Removed, header and trailer overhead included.
func (rb *RingBuffer) Len() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.unread + rb.pendingRemoval
}

// Pointers returns a snapshot of the ring's current cursor state, for
// diagnostics.
func (rb *RingBuffer) Pointers() FilePointers {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.ptrs
}

// Insert appends data as a new block, wrapping to the front of the file
// if it does not fit before the physical end. Returns ErrRingFull if
// the ring has no free capacity, and ErrBlockTooLarge if data could
// never fit even in an empty ring.
func (rb *RingBuffer) Insert(data []byte) (Key, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.insertLocked(data)
}

// Batch inserts each of datas in order, stopping at the first error.
// Keys already assigned to earlier items remain valid even if a later
// item fails to fit.
func (rb *RingBuffer) Batch(datas [][]byte) ([]Key, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	keys := make([]Key, 0, len(datas))
	for _, d := range datas {
		k, err := rb.insertLocked(d)
		if err != nil {
			return keys, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (rb *RingBuffer) insertLocked(data []byte) (Key, error) {
	b := block{order: rb.nextOrder, data: data}
	raw := b.marshal()
	need := uint64(len(raw))
	if need+8 > rb.capacity {
		return Key{}, ErrBlockTooLarge
	}
	if rb.unread+rb.pendingRemoval+need > rb.capacity {
		return Key{}, ErrRingFull
	}

	write := rb.ptrs.Write
	remaining := rb.capacity - write
	wrap := need > remaining
	// The byte counts above ignore a tail skipped by an earlier wrap, so
	// the new block's physical span is also checked against the oldest
	// block not yet removed.
	if rb.unread+rb.pendingRemoval > 0 {
		begin := rb.ptrs.ReadBegin
		if (write > begin && wrap && need > begin) || (write <= begin && (wrap || write+need > begin)) {
			return Key{}, ErrRingFull
		}
	}
	if wrap {
		if remaining >= 8 {
			writeWrapMarker(rb.store.Bytes()[write : write+8])
		}
		write = 0
	}

	buf := rb.store.Bytes()
	copy(buf[write:write+need], raw)
	rb.ptrs.Write = write + need
	rb.nextOrder++
	rb.unread += need
	if err := rb.store.Sync(); err != nil {
		return Key{}, err
	}
	return Key{offset: write}, nil
}

// atWrapPoint reports whether the scan cursor at pos has reached the
// physical end of usable space (atEnd), and if so whether a block was
// actually wrapped to offset 0 from here (isWrap) rather than this
// simply being the true end of written data. A gap smaller than 8 bytes
// can never hold a wrap marker, so Insert always wraps unconditionally
// in that case; a gap of 8 up to a full header's worth wraps only if
// the marker is actually present.
func atWrapPoint(buf []byte, pos, capacity uint64) (atEnd, isWrap bool) {
	gap := capacity - pos
	if gap < 8 {
		return true, true
	}
	if gap < headerSize {
		return true, isWrapMarker(buf[pos : pos+8])
	}
	if isWrapMarker(buf[pos : pos+8]) {
		return true, true
	}
	return false, false
}

// Read returns up to max entries starting from the last position Read
// left off at, without removing them. Call Remove once each entry's
// delivery has been confirmed so its space can be reused.
func (rb *RingBuffer) Read(max int) ([]Entry, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var entries []Entry
	buf := rb.store.Bytes()
	pos := rb.ptrs.ReadEnd
	wrapped := false

	for len(entries) < max && rb.unread > 0 {
		if atEnd, isWrap := atWrapPoint(buf, pos, rb.capacity); atEnd {
			if !isWrap || wrapped {
				break
			}
			wrapped = true
			pos = 0
			continue
		}
		total, ok := blockTotalSize(buf[pos:])
		if !ok {
			break
		}
		blk, _, err := unmarshalBlock(buf[pos : pos+total])
		if err != nil {
			return entries, ErrCorruptBlock
		}
		entries = append(entries, Entry{Key: Key{offset: pos}, Data: blk.data})
		pos += total
		rb.unread -= total
		rb.pendingRemoval += total
	}

	rb.ptrs.ReadEnd = pos
	return entries, nil
}

// Remove marks the block identified by key as delivered, reclaiming its
// space. key must be the oldest still-pending block, i.e. the earliest
// entry returned by Read that has not been removed yet; removal is strictly
// FIFO since the bridge pump forwards in order.
func (rb *RingBuffer) Remove(key Key) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if key.offset != rb.ptrs.ReadBegin {
		return ErrOutOfOrder
	}
	buf := rb.store.Bytes()
	dataLen, ok := peekDataLen(buf[key.offset:])
	if !ok {
		return ErrCorruptBlock
	}
	total := uint64(headerSize) + uint64(dataLen) + uint64(trailerSize)
	invalidateHash(buf[key.offset:key.offset+total], dataLen)
	rb.pendingRemoval -= total

	next := key.offset + total
	if next >= rb.capacity {
		next = 0
	} else if atEnd, isWrap := atWrapPoint(buf, next, rb.capacity); atEnd && isWrap {
		next = 0
	}
	rb.ptrs.ReadBegin = next
	return rb.store.Sync()
}

// recover reconstructs FilePointers and the live-byte counters by
// scanning the file from its start, trusting each block's own hash to
// tell live data from removed or torn blocks. The first position that
// is neither a valid block header nor a wrap marker ends the scan and
// becomes the new write cursor: anything after it is assumed to be an
// incomplete write from the moment the process last stopped.
func (rb *RingBuffer) recover() {
	buf := rb.store.Bytes()
	var pos uint64
	wrapped := false
	foundLive := false
	var firstLive uint64
	var liveBytes uint64
	haveOrder := false
	var lastOrder uint64

	for pos < rb.capacity {
		if atEnd, isWrap := atWrapPoint(buf, pos, rb.capacity); atEnd {
			if !isWrap || wrapped {
				break
			}
			wrapped = true
			pos = 0
			continue
		}
		if isEmpty(buf[pos : pos+headerSize]) {
			break
		}
		total, ok := blockTotalSize(buf[pos:])
		if !ok || pos+total > rb.capacity {
			break
		}
		blk, _, err := unmarshalBlock(buf[pos : pos+total])
		if err == nil {
			if !foundLive {
				firstLive = pos
				foundLive = true
			}
			liveBytes += total
			lastOrder = blk.order
			haveOrder = true
		} else {
			// Header intact (already confirmed non-empty above) but the
			// hash no longer validates: a removed block. Still account
			// for its order so nextOrder resumes past it.
			lastOrder = orderAt(buf[pos:])
			haveOrder = true
		}
		pos += total
	}

	rb.ptrs.Write = pos
	if foundLive {
		rb.ptrs.ReadBegin = firstLive
		rb.ptrs.ReadEnd = firstLive
		rb.unread = liveBytes
	} else {
		rb.ptrs.ReadBegin = pos
		rb.ptrs.ReadEnd = pos
		rb.unread = 0
	}
	rb.pendingRemoval = 0
	if haveOrder {
		rb.nextOrder = lastOrder + 1
	}
}
