package hostproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/altairalabs/sessionhost/internal/hosterrors"
	"github.com/altairalabs/sessionhost/internal/ipc"
	"github.com/altairalabs/sessionhost/internal/logger"
	"golang.org/x/sync/semaphore"
)

// PluginSpec is what the supervisor needs to know about the plugin it
// is about to host, independent of any particular session.
type PluginSpec struct {
	PluginID           string
	HostExecutablePath string
	PluginPath         string
	EntrySymbol        string
}

type group struct {
	runtime  *Runtime
	sessions map[string]struct{}
}

// Supervisor owns the mapping from sessions to host processes and
// enforces one-session-per-process unless a capability declares
// supports_multi_session, in which case every session sharing
// (plugin_id, capability_id) is routed to one shared process.
//
// Concurrent spawns are bounded by a weighted semaphore so a burst of
// connect calls cannot fork an unbounded number of child processes at
// once.
type Supervisor struct {
	mu               sync.Mutex
	groupsByKey      map[string]*group
	sessionToGroup   map[string]string
	spawnConcurrency *semaphore.Weighted
	log              *logger.Logger
}

// NewSupervisor returns a Supervisor that allows at most
// maxConcurrentSpawns child processes to be starting at once.
func NewSupervisor(maxConcurrentSpawns int64) *Supervisor {
	if maxConcurrentSpawns <= 0 {
		maxConcurrentSpawns = 4
	}
	return &Supervisor{
		groupsByKey:      make(map[string]*group),
		sessionToGroup:   make(map[string]string),
		spawnConcurrency: semaphore.NewWeighted(maxConcurrentSpawns),
		log:              logger.New("supervisor"),
	}
}

// EnsureStarted returns a live Runtime serving sessionID, spawning a
// new child process only if no live group already covers the derived
// key. Readiness is confirmed with a ping before returning.
func (s *Supervisor) EnsureStarted(ctx context.Context, plugin PluginSpec, sessionID, capabilityID string, multiSession bool) (*Runtime, error) {
	key := GroupKey(sessionID, plugin.PluginID, capabilityID, multiSession)

	if rt, ok := s.joinExistingGroup(key, sessionID); ok {
		return rt, nil
	}

	if err := s.spawnConcurrency.Acquire(ctx, 1); err != nil {
		return nil, hosterrors.New(hosterrors.KindCancelled, "supervisor", "EnsureStarted", err)
	}
	defer s.spawnConcurrency.Release(1)

	// Double-check after acquiring the spawn slot: another caller may
	// have finished starting the group while we waited.
	if rt, ok := s.joinExistingGroup(key, sessionID); ok {
		return rt, nil
	}

	pipeName := DerivePipeName(plugin.PluginID, key)
	spec := ProcessSpec{
		HostExecutablePath: plugin.HostExecutablePath,
		PluginPath:         plugin.PluginPath,
		EntrySymbol:        plugin.EntrySymbol,
		HostToken:          pipeName,
		ParentStartUTC:     time.Now().UTC(),
	}
	if !multiSession {
		spec.SessionID = sessionID
	}

	rt, err := StartRuntime(ctx, pipeName, spec)
	if err != nil {
		return nil, err
	}

	resp, err := rt.Client().Send(&ipc.Request{Type: ipc.TypePing}, 3*time.Second)
	if err != nil || !resp.OK {
		rt.Dispose()
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, "supervisor", "EnsureStarted", fmt.Errorf("readiness ping failed: %w", firstNonNil(err, fmt.Errorf("ping returned ok=false"))))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have inserted the same key first; prefer
	// the incumbent and dispose the loser, per §4.7.
	if existing, ok := s.groupsByKey[key]; ok && existing.runtime.IsAlive() {
		rt.Dispose()
		existing.sessions[sessionID] = struct{}{}
		s.sessionToGroup[sessionID] = key
		return existing.runtime, nil
	}

	g := &group{runtime: rt, sessions: map[string]struct{}{sessionID: {}}}
	s.groupsByKey[key] = g
	s.sessionToGroup[sessionID] = key

	return rt, nil
}

func (s *Supervisor) joinExistingGroup(key, sessionID string) (*Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, exists := s.groupsByKey[key]
	if !exists {
		return nil, false
	}
	if !g.runtime.IsAlive() {
		delete(s.groupsByKey, key)
		for sid := range g.sessions {
			delete(s.sessionToGroup, sid)
		}
		g.runtime.Dispose()
		return nil, false
	}

	g.sessions[sessionID] = struct{}{}
	s.sessionToGroup[sessionID] = key
	return g.runtime, true
}

// Stop removes sessionID from its group; once a group's last session
// leaves, the group is removed and its runtime is shut down.
func (s *Supervisor) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	s.mu.Lock()
	key, exists := s.sessionToGroup[sessionID]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessionToGroup, sessionID)

	g, exists := s.groupsByKey[key]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(g.sessions, sessionID)

	var rt *Runtime
	if len(g.sessions) == 0 {
		delete(s.groupsByKey, key)
		rt = g.runtime
	}
	s.mu.Unlock()

	if rt != nil {
		return rt.Shutdown(ctx, timeout)
	}
	return nil
}

// RuntimeFor returns the live runtime serving sessionID, if any.
func (s *Supervisor) RuntimeFor(sessionID string) (*Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.sessionToGroup[sessionID]
	if !exists {
		return nil, false
	}
	g, exists := s.groupsByKey[key]
	if !exists {
		return nil, false
	}
	return g.runtime, true
}

// AliveGroupCount returns the number of live host-process groups, i.e.
// distinct child processes currently running (one process may serve
// several sessions when multi-session sharing applies). Feeds the
// host_processes_alive metric.
func (s *Supervisor) AliveGroupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	alive := 0
	for _, g := range s.groupsByKey {
		if g.runtime.IsAlive() {
			alive++
		}
	}
	return alive
}

// ShutdownAll shuts down every live host-process group and forgets
// all session/group bookkeeping. Used by process-level shutdown,
// where every session is going away together rather than one at a
// time through Stop.
func (s *Supervisor) ShutdownAll(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	groups := make([]*group, 0, len(s.groupsByKey))
	for _, g := range s.groupsByKey {
		groups = append(groups, g)
	}
	s.groupsByKey = make(map[string]*group)
	s.sessionToGroup = make(map[string]string)
	s.mu.Unlock()

	var firstErr error
	for _, g := range groups {
		if err := g.runtime.Shutdown(ctx, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
