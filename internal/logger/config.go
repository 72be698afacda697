package logger

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ModuleConfig manages per-module logging levels. It supports
// hierarchical module names where a more specific module overrides a
// less specific one (e.g. "shm.segment" overrides "shm").
type ModuleConfig struct {
	defaultLevel slog.Level
	modules      map[string]slog.Level
	sortedKeys   []string
	mu           sync.RWMutex
}

// NewModuleConfig creates a ModuleConfig with the given default level.
func NewModuleConfig(defaultLevel slog.Level) *ModuleConfig {
	return &ModuleConfig{
		defaultLevel: defaultLevel,
		modules:      make(map[string]slog.Level),
	}
}

// SetModuleLevel sets the level for a module, using dot notation for
// hierarchy (e.g. "supervisor.spawn").
func (m *ModuleConfig) SetModuleLevel(module string, level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[module] = level
	m.updateSortedKeys()
}

// SetDefaultLevel sets the fallback level used when no module entry,
// nor any of its ancestors, has an override.
func (m *ModuleConfig) SetDefaultLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultLevel = level
}

// LevelFor returns the effective level for module: an exact match,
// else the nearest configured ancestor, else the default level.
func (m *ModuleConfig) LevelFor(module string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if level, ok := m.modules[module]; ok {
		return level
	}

	for {
		lastDot := strings.LastIndex(module, ".")
		if lastDot == -1 {
			break
		}
		module = module[:lastDot]
		if level, ok := m.modules[module]; ok {
			return level
		}
	}

	return m.defaultLevel
}

// updateSortedKeys refreshes the specificity-ordered key list. Callers
// must hold m.mu.
func (m *ModuleConfig) updateSortedKeys() {
	m.sortedKeys = make([]string, 0, len(m.modules))
	for k := range m.modules {
		m.sortedKeys = append(m.sortedKeys, k)
	}
	sort.Slice(m.sortedKeys, func(i, j int) bool {
		return strings.Count(m.sortedKeys[i], ".") > strings.Count(m.sortedKeys[j], ".")
	})
}
