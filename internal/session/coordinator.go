package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/altairalabs/sessionhost/internal/events"
	"github.com/altairalabs/sessionhost/internal/hosterrors"
	"github.com/altairalabs/sessionhost/internal/hostproc"
	"github.com/altairalabs/sessionhost/internal/ipc"
	"github.com/altairalabs/sessionhost/internal/logger"
	"github.com/altairalabs/sessionhost/internal/plugin"
	"github.com/altairalabs/sessionhost/internal/shm"
)

const defaultPreferredSegmentBytes = 256 * 1024

const (
	applySegmentTimeout = 2 * time.Second
	connectTimeout      = 10 * time.Second
	disconnectTimeout   = 5 * time.Second
	stopProcessTimeout  = 5 * time.Second
)

// FramePumpStarter starts a session's drain loop. Implemented by
// *framepump.Pump; declared here as an interface so this package does
// not depend on internal/framepump.
type FramePumpStarter interface {
	StartSession(sessionID string, segment *shm.SessionSegment)
	StopSession(sessionID string)
}

// ConnectRequest is the coordinator's connect input.
type ConnectRequest struct {
	PluginID     string
	CapabilityID string
	SessionID    string
	Name         string
	Parameters   json.RawMessage
}

// Coordinator is the DeviceSessionCoordinator: the binding layer
// between the supervisor, the shared-memory manager, and the plugin
// wire protocol.
type Coordinator struct {
	supervisor *hostproc.Supervisor
	shm        *shm.SharedMemoryManager
	bus        *events.Bus
	log        *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	names    map[string]int64 // capability id -> next "#N" counter

	pump FramePumpStarter
}

// NewCoordinator wires the supervisor, shared-memory manager, and
// event bus a Coordinator needs. pump may be nil until the frame pump
// is constructed; SetFramePump wires it in afterward to break the
// session<->framepump initialization cycle.
func NewCoordinator(supervisor *hostproc.Supervisor, mem *shm.SharedMemoryManager, bus *events.Bus) *Coordinator {
	c := &Coordinator{
		supervisor: supervisor,
		shm:        mem,
		bus:        bus,
		log:        logger.New("coordinator"),
		sessions:   make(map[string]*Session),
		names:      make(map[string]int64),
	}
	if bus != nil {
		bus.Subscribe(events.TypeDataReceived, c.onDataReceived)
		bus.Subscribe(events.TypeDataSent, c.onDataSent)
	}
	return c
}

// SetFramePump wires the frame pump the coordinator starts/stops a
// session's drain loop through.
func (c *Coordinator) SetFramePump(pump FramePumpStarter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pump = pump
}

// Connect allocates a segment, runs the apply-shared-memory-segment
// and connect handshake against the plugin process, and registers the
// resulting Session. Per §4.9, a failure at any handshake step
// releases the segment and surfaces the error; no step is retried.
func (c *Coordinator) Connect(ctx context.Context, pluginDesc plugin.Descriptor, req ConnectRequest) (*Session, error) {
	capabilityID := req.CapabilityID
	if capabilityID == "" {
		capabilityID = pluginDesc.ID
	}

	capDesc, hasCapability := pluginDesc.Capability(capabilityID)

	name := req.Name
	if name == "" {
		name = c.nextName(capabilityID)
	}

	sess := &Session{
		ID:           req.SessionID,
		Name:         name,
		PluginID:     pluginDesc.ID,
		CapabilityID: capabilityID,
		Parameters:   req.Parameters,
		StartUTC:     time.Now().UTC(),
	}
	sess.setStatus(StatusConnecting)

	preferred := int64(defaultPreferredSegmentBytes)
	if hasCapability && capDesc.SharedMemoryRequest.Preferred > 0 {
		preferred = capDesc.SharedMemoryRequest.Preferred
	}

	segment, err := c.shm.AllocateSegmentAsync(req.SessionID, preferred)
	if err != nil {
		sess.setStatus(StatusFailed)
		return nil, err
	}

	rt, err := c.supervisor.EnsureStarted(ctx, hostproc.PluginSpec{
		PluginID:           pluginDesc.ID,
		HostExecutablePath: pluginDesc.HostExecutablePath,
		PluginPath:         pluginDesc.PluginPath,
		EntrySymbol:        pluginDesc.EntrySymbol,
	}, req.SessionID, capabilityID, hasCapability && capDesc.SupportsMultiSession)
	if err != nil {
		c.shm.ReleaseSegment(req.SessionID)
		sess.setStatus(StatusFailed)
		return nil, err
	}

	descriptor, err := c.shm.TryGetSegmentDescriptor(req.SessionID)
	if err != nil {
		c.shm.ReleaseSegment(req.SessionID)
		sess.setStatus(StatusFailed)
		return nil, err
	}

	applyPayload, err := json.Marshal(ipc.ApplySharedMemorySegmentPayload{
		SessionID: req.SessionID,
		Descriptor: ipc.SegmentOnWirePld{
			MapName:         descriptor.MapName,
			MapCapacity:     descriptor.MapCapacity,
			UnixFilePath:    descriptor.UnixFilePath,
			SegmentOffset:   descriptor.SegmentOffset,
			SegmentSizeByte: descriptor.SegmentSizeByte,
		},
	})
	if err != nil {
		c.shm.ReleaseSegment(req.SessionID)
		sess.setStatus(StatusFailed)
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, "coordinator", "Connect", err)
	}

	resp, err := rt.Client().Send(&ipc.Request{
		Type:      ipc.TypeApplySharedMemorySegment,
		SessionID: req.SessionID,
		Payload:   applyPayload,
	}, applySegmentTimeout)
	if err := checkResponse(resp, err); err != nil {
		c.shm.ReleaseSegment(req.SessionID)
		sess.setStatus(StatusFailed)
		return nil, hosterrors.New(hosterrors.KindPluginError, "coordinator", "Connect.applySegment", err)
	}

	connectPayload, err := json.Marshal(ipc.ConnectPayload{
		CapabilityID: capabilityID,
		Parameters:   req.Parameters,
		SessionID:    req.SessionID,
	})
	if err != nil {
		c.shm.ReleaseSegment(req.SessionID)
		sess.setStatus(StatusFailed)
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, "coordinator", "Connect", err)
	}

	resp, err = rt.Client().Send(&ipc.Request{
		Type:      ipc.TypeConnect,
		SessionID: req.SessionID,
		Payload:   connectPayload,
	}, connectTimeout)
	if err := checkResponse(resp, err); err != nil {
		c.shm.ReleaseSegment(req.SessionID)
		sess.setStatus(StatusFailed)
		return nil, hosterrors.New(hosterrors.KindPluginError, "coordinator", "Connect.connect", err)
	}

	sess.setStatus(StatusConnected)

	c.mu.Lock()
	c.sessions[req.SessionID] = sess
	pump := c.pump
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(&events.Event{
			Type:      events.TypeSessionCreated,
			SessionID: req.SessionID,
			At:        time.Now().UTC(),
			Data:      events.SessionCreatedData{PluginID: pluginDesc.ID, CapabilityID: capabilityID},
		})
	}

	if pump != nil {
		pump.StartSession(req.SessionID, segment)
	}

	c.log.Info("session connected", "session_id", req.SessionID, "plugin_id", pluginDesc.ID, "capability_id", capabilityID)
	return sess, nil
}

// Disconnect removes the session record, best-effort notifies the
// plugin, releases the segment, and emits SessionClosedEvent.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID, reason string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	pump := c.pump
	c.mu.Unlock()

	if !ok {
		return hosterrors.New(hosterrors.KindNotFound, "coordinator", "Disconnect", fmt.Errorf("unknown session %q", sessionID))
	}

	if pump != nil {
		pump.StopSession(sessionID)
	}

	if rt, found := c.supervisor.RuntimeFor(sessionID); found {
		payload, _ := json.Marshal(ipc.DisconnectPayload{SessionID: sessionID, Reason: reason})
		if _, err := rt.Client().Send(&ipc.Request{
			Type:      ipc.TypeDisconnect,
			SessionID: sessionID,
			Payload:   payload,
		}, disconnectTimeout); err != nil {
			c.log.Warn("best-effort disconnect notification failed", "session_id", sessionID, "error", err)
		}
	}

	c.shm.ReleaseSegment(sessionID)

	// Per §4.9's terminated state, the host process is stopped once its
	// group has no sessions left; Stop is a no-op for a session whose
	// group is still shared with others.
	if err := c.supervisor.Stop(ctx, sessionID, stopProcessTimeout); err != nil {
		c.log.Warn("failed to stop host process group", "session_id", sessionID, "error", err)
	}

	sess.setStatus(StatusDisconnected)

	if c.bus != nil {
		c.bus.Publish(&events.Event{
			Type:      events.TypeSessionClosed,
			SessionID: sessionID,
			At:        time.Now().UTC(),
			Data:      events.SessionClosedData{Reason: reason},
		})
	}

	c.log.Info("session disconnected", "session_id", sessionID, "reason", reason)
	return nil
}

// SessionByID returns the live session record for id, if any.
func (c *Coordinator) SessionByID(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	return sess, ok
}

// PluginIDFor resolves the plugin id bound to a known session, used by
// the dispatcher when only a session id is given.
func (c *Coordinator) PluginIDFor(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.PluginID, true
}

func (c *Coordinator) nextName(capabilityID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[capabilityID]++
	return fmt.Sprintf("%s #%d", capabilityID, c.names[capabilityID])
}

func (c *Coordinator) onDataReceived(ev *events.Event) {
	data, ok := ev.Data.(events.DataReceivedData)
	if !ok {
		return
	}
	if sess, found := c.SessionByID(ev.SessionID); found {
		sess.AddRXBytes(int64(len(data.Raw)))
	}
}

func (c *Coordinator) onDataSent(ev *events.Event) {
	data, ok := ev.Data.(events.DataSentData)
	if !ok {
		return
	}
	if sess, found := c.SessionByID(ev.SessionID); found {
		sess.AddTXBytes(int64(data.ByteCount))
	}
}

func checkResponse(resp *ipc.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error != "" {
			return fmt.Errorf("%s", resp.Error)
		}
		return fmt.Errorf("plugin returned ok=false")
	}
	return nil
}
