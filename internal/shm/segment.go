package shm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// HeaderSize is the fixed size, in bytes, of a SessionSegment's header.
const HeaderSize = 256

// wireHeaderSize is the size of the per-frame wire header that precedes
// every frame's raw payload inside the data region (version, flags,
// reserved, timestamp, raw_len — record_len itself is a separate u32
// length prefix, not part of this header).
const wireHeaderSize = 16

// wireVersion is the only wire format version this implementation writes
// or accepts.
const wireVersion uint16 = 1

const (
	offSessionID   = 0
	lenSessionID   = 128
	offWritePos    = 128
	offReadPos     = 136
	offFrameSeq    = 144
	offSegmentSize = 152
)

// Frame is a decoded record read back out of a segment's data region.
type Frame struct {
	TimestampUTC time.Time
	Raw          []byte
}

// SessionSegment is a single-producer/single-consumer ring buffer
// carved out of a shared mapping. Exactly one process writes frames
// (TryWriteFrame) and exactly one process reads them back
// (TryReadFrame); the header itself, living in the shared bytes, is
// the synchronization surface between the two.
type SessionSegment struct {
	sessionID string
	buf       []byte // header + data region, HeaderSize + dataSize bytes
	dataSize  int64
	closed    atomic.Bool
}

// newSessionSegment initializes a freshly bump-allocated region: writes
// the session id and total size into the header and zeroes the
// position counters. buf must be longer than HeaderSize bytes and its
// length is the segment's total size (header included).
func newSessionSegment(sessionID string, buf []byte) (*SessionSegment, error) {
	if len(buf) <= HeaderSize {
		return nil, fmt.Errorf("shm: segment size %d does not exceed header size %d", len(buf), HeaderSize)
	}
	if len(sessionID) >= lenSessionID {
		return nil, fmt.Errorf("shm: session id %q exceeds %d bytes", sessionID, lenSessionID-1)
	}

	copy(buf[offSessionID:offSessionID+lenSessionID], make([]byte, lenSessionID))
	copy(buf[offSessionID:], sessionID)
	binary.LittleEndian.PutUint32(buf[offSegmentSize:], uint32(len(buf)))
	atomicStoreU64(buf, offWritePos, 0)
	atomicStoreU64(buf, offReadPos, 0)
	atomicStoreU64(buf, offFrameSeq, 0)

	return &SessionSegment{
		sessionID: sessionID,
		buf:       buf,
		dataSize:  int64(len(buf)) - HeaderSize,
	}, nil
}

// openSessionSegment attaches to an already-initialized region (e.g.
// one a plugin process opened via a SegmentDescriptor) without
// resetting any header field.
func openSessionSegment(buf []byte) (*SessionSegment, error) {
	if len(buf) <= HeaderSize {
		return nil, fmt.Errorf("shm: segment size %d does not exceed header size %d", len(buf), HeaderSize)
	}
	raw := buf[offSessionID : offSessionID+lenSessionID]
	nul := lenSessionID
	for i, b := range raw {
		if b == 0 {
			nul = i
			break
		}
	}
	return &SessionSegment{
		sessionID: string(raw[:nul]),
		buf:       buf,
		dataSize:  int64(len(buf)) - HeaderSize,
	}, nil
}

// SessionID returns the segment's owning session identifier.
func (s *SessionSegment) SessionID() string { return s.sessionID }

// DataRegionSize returns the usable ring capacity (segment size minus
// the fixed header).
func (s *SessionSegment) DataRegionSize() int64 { return s.dataSize }

func (s *SessionSegment) writePos() int64 { return int64(atomicLoadU64(s.buf, offWritePos)) }
func (s *SessionSegment) readPos() int64  { return int64(atomicLoadU64(s.buf, offReadPos)) }

// UsedBytes returns the number of bytes currently occupied in the ring.
func (s *SessionSegment) UsedBytes() int64 { return s.writePos() - s.readPos() }

// FreeBytes returns the number of bytes currently available to a writer.
func (s *SessionSegment) FreeBytes() int64 { return s.dataSize - s.UsedBytes() }

// UsageRatio returns UsedBytes / DataRegionSize, used by the watchdog
// to derive a backpressure level.
func (s *SessionSegment) UsageRatio() float64 {
	if s.dataSize == 0 {
		return 0
	}
	return float64(s.UsedBytes()) / float64(s.dataSize)
}

// TryWriteFrame attempts to append raw as a new frame. It reports
// false, without mutating the header, when the frame (even once the
// ring is fully drained) could never fit, or when there is not
// currently enough free space. On success it returns the assigned
// frame sequence number.
//
// The payload is written before write_pos is advanced: a concurrent
// reader polling write_pos never observes a frame whose bytes are not
// yet in place.
func (s *SessionSegment) TryWriteFrame(raw []byte) (written bool, frameID int64, err error) {
	if s.closed.Load() {
		return false, 0, errSegmentClosed
	}

	recordLen := int64(wireHeaderSize + len(raw))
	if recordLen+4 > s.dataSize {
		return false, -1, nil
	}

	writePos := s.writePos()
	readPos := s.readPos()
	if writePos-readPos+recordLen+4 > s.dataSize {
		return false, -1, nil
	}

	frameID = int64(atomicLoadU64(s.buf, offFrameSeq)) + 1

	cursor := writePos
	cursor = s.writeAt(cursor, encodeU32(uint32(recordLen)))

	wireHeader := make([]byte, wireHeaderSize)
	binary.LittleEndian.PutUint16(wireHeader[0:2], wireVersion)
	wireHeader[2] = 0 // flags
	wireHeader[3] = 0 // reserved
	binary.LittleEndian.PutUint64(wireHeader[4:12], uint64(time.Now().UTC().UnixNano()))
	binary.LittleEndian.PutUint32(wireHeader[12:16], uint32(len(raw)))
	cursor = s.writeAt(cursor, wireHeader)
	s.writeAt(cursor, raw)

	atomicStoreU64(s.buf, offFrameSeq, uint64(frameID))
	atomicStoreU64(s.buf, offWritePos, uint64(writePos+4+recordLen))

	return true, frameID, nil
}

// TryReadFrame attempts to drain the oldest undelivered frame. It
// returns ok == false when the ring is empty. A malformed header
// (bad version, or a length disagreement) is reported as an error;
// the caller should stop draining the segment, since the producer has
// violated the wire contract and the ring's framing can no longer be
// trusted.
func (s *SessionSegment) TryReadFrame() (frame Frame, ok bool, err error) {
	if s.closed.Load() {
		return Frame{}, false, errSegmentClosed
	}

	readPos := s.readPos()
	writePos := s.writePos()
	if readPos == writePos {
		return Frame{}, false, nil
	}

	cursor := readPos
	lenBuf, cursor2 := s.readAt(cursor, 4)
	recordLen := int64(decodeU32(lenBuf))
	if recordLen < wireHeaderSize || recordLen > s.dataSize {
		return Frame{}, false, fmt.Errorf("%w: record_len %d out of range [%d, %d]", errMalformedFrame, recordLen, wireHeaderSize, s.dataSize)
	}

	headerBuf, cursor3 := s.readAt(cursor2, wireHeaderSize)
	version := binary.LittleEndian.Uint16(headerBuf[0:2])
	if version != wireVersion {
		return Frame{}, false, fmt.Errorf("%w: version %d != %d", errMalformedFrame, version, wireVersion)
	}
	tsTicks := int64(binary.LittleEndian.Uint64(headerBuf[4:12]))
	rawLen := int64(int32(binary.LittleEndian.Uint32(headerBuf[12:16])))
	if recordLen != wireHeaderSize+rawLen {
		return Frame{}, false, fmt.Errorf("%w: record_len %d != %d + raw_len %d", errMalformedFrame, recordLen, wireHeaderSize, rawLen)
	}

	rawBuf, _ := s.readAt(cursor3, int(rawLen))
	raw := make([]byte, rawLen)
	copy(raw, rawBuf)

	atomicStoreU64(s.buf, offReadPos, uint64(readPos+4+recordLen))

	return Frame{TimestampUTC: time.Unix(0, tsTicks).UTC(), Raw: raw}, true, nil
}

// Close marks the segment unusable for further I/O. It does not zero
// or reclaim the underlying bytes; SegmentedSharedMemory's bump
// allocator never reuses a released offset.
func (s *SessionSegment) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *SessionSegment) dataOffset(logicalPos int64) int64 {
	return HeaderSize + (logicalPos % s.dataSize)
}

// writeAt writes p starting at logical position pos, wrapping at the
// data-region boundary, and returns the logical position immediately
// after p.
func (s *SessionSegment) writeAt(pos int64, p []byte) int64 {
	start := s.dataOffset(pos)
	n := copy(s.buf[start:], p)
	if n < len(p) {
		copy(s.buf[HeaderSize:], p[n:])
	}
	return pos + int64(len(p))
}

// readAt reads n bytes starting at logical position pos, wrapping at
// the data-region boundary, and returns the bytes plus the logical
// position immediately after them.
func (s *SessionSegment) readAt(pos int64, n int) ([]byte, int64) {
	start := s.dataOffset(pos)
	avail := int(s.dataSize - (start - HeaderSize))
	if avail >= n {
		return s.buf[start : start+int64(n)], pos + int64(n)
	}
	out := make([]byte, n)
	copy(out, s.buf[start:start+int64(avail)])
	copy(out[avail:], s.buf[HeaderSize:HeaderSize+int64(n-avail)])
	return out, pos + int64(n)
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func decodeU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// atomicLoadU64 and atomicStoreU64 access an 8-byte-aligned field
// inside a shared, possibly cross-process memory-mapped region using
// the same atomic primitives a single process would use for a plain
// *uint64 — the shared header is the synchronization surface, and
// monotonic counters must never be observed torn.
func atomicLoadU64(buf []byte, offset int) uint64 {
	ptr := (*uint64)(unsafe.Pointer(&buf[offset]))
	return atomic.LoadUint64(ptr)
}

func atomicStoreU64(buf []byte, offset int, v uint64) {
	ptr := (*uint64)(unsafe.Pointer(&buf[offset]))
	atomic.StoreUint64(ptr, v)
}
