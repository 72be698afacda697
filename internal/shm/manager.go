package shm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/altairalabs/sessionhost/internal/events"
	"github.com/altairalabs/sessionhost/internal/hosterrors"
	"github.com/altairalabs/sessionhost/internal/logger"
)

// ManagerConfig holds the tunables the spec names with defaults.
type ManagerConfig struct {
	MaxTotalBytes       int64
	DefaultSegmentBytes int64
	MinSegmentBytes     int64
	WarningThreshold    float64
	CriticalThreshold   float64
	WatchdogInterval    time.Duration
}

// DefaultManagerConfig returns the spec's named defaults: 100 MiB
// total, 2 MiB default segment, 512 KiB minimum segment, warning at
// 80% usage, critical at 95%, watchdog ticking every second.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxTotalBytes:       100 * 1024 * 1024,
		DefaultSegmentBytes: 2 * 1024 * 1024,
		MinSegmentBytes:     512 * 1024,
		WarningThreshold:    0.80,
		CriticalThreshold:   0.95,
		WatchdogInterval:    time.Second,
	}
}

// SegmentDescriptor is handed to a plugin so it can reopen the host's
// mapping and locate its own segment inside it.
type SegmentDescriptor struct {
	MapName         string `json:"map_name"`
	MapCapacity     int64  `json:"map_capacity_bytes"`
	UnixFilePath    string `json:"unix_file_path,omitempty"`
	SegmentOffset   int64  `json:"segment_offset"`
	SegmentSizeByte int64  `json:"segment_size"`
}

// SharedMemoryManager owns the shared mapping and the bump allocator
// carved out of it, and runs the watchdog loop that turns segment
// usage ratio into BackpressureDetected events.
type SharedMemoryManager struct {
	cfg     ManagerConfig
	factory *MapFactory
	bus     *events.Bus
	log     *logger.Logger

	mu     sync.Mutex
	mem    *SegmentedSharedMemory
	handle MapHandle
	levels map[string]events.BackpressureLevel

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSharedMemoryManager wires cfg, the event bus events are
// published on, and the MapFactory used to create the mapping.
func NewSharedMemoryManager(cfg ManagerConfig, bus *events.Bus, factory *MapFactory) *SharedMemoryManager {
	if factory == nil {
		factory = NewMapFactory()
	}
	return &SharedMemoryManager{
		cfg:     cfg,
		factory: factory,
		bus:     bus,
		log:     logger.New("shm.manager"),
		levels:  make(map[string]events.BackpressureLevel),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Initialize creates the mapping (per mapOpts.CapacityBytes, which the
// caller should set to cfg.MaxTotalBytes) and starts the watchdog
// loop. ctx cancellation stops the watchdog cooperatively, without
// waiting for the next tick.
func (m *SharedMemoryManager) Initialize(ctx context.Context, mapOpts MapOptions) error {
	handle, err := m.factory.Create(mapOpts)
	if err != nil {
		return hosterrors.New(hosterrors.KindIOError, component, "Initialize", err)
	}

	m.mu.Lock()
	m.handle = handle
	m.mem = NewSegmentedSharedMemory(handle)
	m.mu.Unlock()

	go m.watchdogLoop(ctx)
	return nil
}

// AllocateSegmentAsync allocates requestedBytes for sessionID,
// downgrading to the largest size between cfg.MinSegmentBytes and
// remaining capacity when requestedBytes does not fit. It fails only
// when even the minimum does not fit.
func (m *SharedMemoryManager) AllocateSegmentAsync(sessionID string, requestedBytes int64) (*SessionSegment, error) {
	mem := m.currentMem()
	if mem == nil {
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, component, "AllocateSegmentAsync", errNotInitialized)
	}

	stats := mem.UsageStats()
	size := requestedBytes
	if stats.RemainingFree < requestedBytes {
		// Downgrade to whatever remains, but never below the configured
		// minimum — a request that size would also not fit, so
		// AllocateSegment below reports OutOfCapacity instead of
		// creating a segment too small to be useful.
		size = max64(m.cfg.MinSegmentBytes, stats.RemainingFree)
		m.log.Warn("downgrading segment request",
			"session_id", sessionID, "requested_bytes", requestedBytes, "downgraded_bytes", size, "remaining_free", stats.RemainingFree)
	}

	segment, err := mem.AllocateSegment(sessionID, size)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.levels[sessionID] = events.BackpressureNone
	m.mu.Unlock()

	return segment, nil
}

// ReleaseSegment releases sessionID's segment and forgets its tracked
// backpressure level.
func (m *SharedMemoryManager) ReleaseSegment(sessionID string) {
	if mem := m.currentMem(); mem != nil {
		mem.ReleaseSegment(sessionID)
	}
	m.mu.Lock()
	delete(m.levels, sessionID)
	m.mu.Unlock()
}

// TryGetSegmentDescriptor combines the mapping's identity with
// sessionID's segment placement for transmission to a plugin.
func (m *SharedMemoryManager) TryGetSegmentDescriptor(sessionID string) (SegmentDescriptor, error) {
	mem := m.currentMem()
	if mem == nil {
		return SegmentDescriptor{}, hosterrors.New(hosterrors.KindInvalidArgument, component, "TryGetSegmentDescriptor", errNotInitialized)
	}

	offset, size, ok := mem.SegmentInfo(sessionID)
	if !ok {
		return SegmentDescriptor{}, hosterrors.New(hosterrors.KindNotFound, component, "TryGetSegmentDescriptor",
			fmt.Errorf("%w: %s", errUnknownSession, sessionID))
	}

	desc := m.handle.Descriptor()
	return SegmentDescriptor{
		MapName:         desc.Name,
		MapCapacity:     desc.Capacity,
		UnixFilePath:    desc.UnixFilePath,
		SegmentOffset:   offset,
		SegmentSizeByte: size,
	}, nil
}

// UsageStats reports mapping-wide bump-allocator occupancy.
func (m *SharedMemoryManager) UsageStats() UsageStats {
	if mem := m.currentMem(); mem != nil {
		return mem.UsageStats()
	}
	return UsageStats{}
}

// Shutdown stops the watchdog loop and closes the mapping. Safe to
// call more than once.
func (m *SharedMemoryManager) Shutdown() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()
	if handle != nil {
		return handle.Close()
	}
	return nil
}

func (m *SharedMemoryManager) currentMem() *SegmentedSharedMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem
}

// watchdogLoop ticks at cfg.WatchdogInterval, computing each live
// session's usage ratio and emitting a BackpressureDetected event on
// every level transition. The sleep between ticks is the loop's sole
// yield point, matching the rest of the host's cooperative scheduling
// model.
func (m *SharedMemoryManager) watchdogLoop(ctx context.Context) {
	defer close(m.done)

	interval := m.cfg.WatchdogInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *SharedMemoryManager) tick() {
	mem := m.currentMem()
	if mem == nil {
		return
	}

	for _, sessionID := range mem.SessionIDs() {
		segment, ok := mem.Segment(sessionID)
		if !ok {
			continue
		}
		ratio := segment.UsageRatio()
		level := m.levelFor(ratio)

		m.mu.Lock()
		prior, seen := m.levels[sessionID]
		m.levels[sessionID] = level
		m.mu.Unlock()

		if !seen {
			prior = events.BackpressureNone
		}
		if level == prior {
			continue
		}

		switch level {
		case events.BackpressureHigh:
			if ratio > m.cfg.CriticalThreshold {
				m.log.Error("segment usage above critical threshold", "session_id", sessionID, "usage_ratio", ratio)
			} else {
				m.log.Warn("segment usage above warning threshold", "session_id", sessionID, "usage_ratio", ratio)
			}
		case events.BackpressureMedium:
			m.log.Warn("segment usage elevated", "session_id", sessionID, "usage_ratio", ratio)
		}

		if m.bus != nil {
			m.bus.Publish(&events.Event{
				Type:      events.TypeBackpressureDetected,
				SessionID: sessionID,
				At:        time.Now().UTC(),
				Data: events.BackpressureDetectedData{
					Level:      level,
					PriorLevel: prior,
					UsageRatio: ratio,
				},
			})
		}
	}
}

func (m *SharedMemoryManager) levelFor(ratio float64) events.BackpressureLevel {
	switch {
	case ratio > m.cfg.CriticalThreshold:
		return events.BackpressureHigh
	case ratio > m.cfg.WarningThreshold:
		return events.BackpressureHigh
	case ratio > 0.60:
		return events.BackpressureMedium
	default:
		return events.BackpressureNone
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
