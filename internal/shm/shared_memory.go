package shm

import (
	"fmt"
	"sync"

	"github.com/altairalabs/sessionhost/internal/hosterrors"
)

const component = "shm"

// segmentInfo records a live segment's placement inside the mapping,
// alongside the segment itself.
type segmentInfo struct {
	offset  int64
	size    int64
	segment *SessionSegment
}

// SegmentedSharedMemory carves per-session ring buffers out of a
// single shared mapping using a bump allocator. Released offsets are
// never reused: per the spec this process's mapping lifetime is
// bounded by the host process lifetime, so the slow leak proportional
// to reconnect churn is an accepted tradeoff rather than a bug.
type SegmentedSharedMemory struct {
	mu       sync.Mutex
	handle   MapHandle
	capacity int64
	nextFree int64 // next bump-allocator offset, relative to the mapping start
	segments map[string]*segmentInfo
}

// NewSegmentedSharedMemory wraps an already-open mapping. nextFree
// starts immediately after the reserved global header.
func NewSegmentedSharedMemory(handle MapHandle) *SegmentedSharedMemory {
	return &SegmentedSharedMemory{
		handle:   handle,
		capacity: int64(len(handle.Bytes())),
		nextFree: GlobalHeaderSize,
		segments: make(map[string]*segmentInfo),
	}
}

// AllocateSegment bump-allocates a new segment of exactly size bytes
// for sessionID. It fails if sessionID already has a segment, or if
// the mapping has insufficient remaining capacity.
func (m *SegmentedSharedMemory) AllocateSegment(sessionID string, size int64) (*SessionSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.segments[sessionID]; exists {
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, component, "AllocateSegment", errDuplicateSession)
	}

	offset := alignUp8(m.nextFree)
	if offset+size > m.capacity {
		return nil, hosterrors.New(hosterrors.KindOutOfCapacity, component, "AllocateSegment",
			fmt.Errorf("%w: need %d bytes at offset %d, capacity %d", errOutOfCapacity, size, offset, m.capacity))
	}

	segBuf := m.handle.Bytes()[offset : offset+size]
	segment, err := newSessionSegment(sessionID, segBuf)
	if err != nil {
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, component, "AllocateSegment", err)
	}

	m.segments[sessionID] = &segmentInfo{offset: offset, size: size, segment: segment}
	m.nextFree = offset + size

	return segment, nil
}

// ReleaseSegment closes and forgets sessionID's segment. It does not
// reclaim the bump-allocated offset. A release of an unknown session
// is a no-op, so callers may release defensively without first
// checking whether a segment exists.
func (m *SegmentedSharedMemory) ReleaseSegment(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.segments[sessionID]
	if !exists {
		return
	}
	info.segment.Close()
	delete(m.segments, sessionID)
}

// Segment returns sessionID's segment, if any.
func (m *SegmentedSharedMemory) Segment(sessionID string) (*SessionSegment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.segments[sessionID]
	if !exists {
		return nil, false
	}
	return info.segment, true
}

// SegmentInfo returns the offset and size of sessionID's segment, for
// building a SegmentDescriptor to hand to a plugin.
func (m *SegmentedSharedMemory) SegmentInfo(sessionID string) (offset, size int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.segments[sessionID]
	if !exists {
		return 0, 0, false
	}
	return info.offset, info.size, true
}

// UsageStats summarizes mapping-wide bump-allocator occupancy.
type UsageStats struct {
	Capacity      int64
	Allocated     int64
	RemainingFree int64
	SegmentCount  int
}

// UsageStats reports aggregate allocation state across all live
// segments.
func (m *SegmentedSharedMemory) UsageStats() UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return UsageStats{
		Capacity:      m.capacity,
		Allocated:     m.nextFree - GlobalHeaderSize,
		RemainingFree: m.capacity - m.nextFree,
		SegmentCount:  len(m.segments),
	}
}

// SessionIDs returns the identifiers of every currently live segment,
// for watchdog iteration.
func (m *SegmentedSharedMemory) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.segments))
	for id := range m.segments {
		ids = append(ids, id)
	}
	return ids
}

func alignUp8(offset int64) int64 {
	const alignment = 8
	if rem := offset % alignment; rem != 0 {
		return offset + (alignment - rem)
	}
	return offset
}
