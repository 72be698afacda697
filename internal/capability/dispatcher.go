package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/altairalabs/sessionhost/internal/hosterrors"
	"github.com/altairalabs/sessionhost/internal/hostproc"
	"github.com/altairalabs/sessionhost/internal/ipc"
	"github.com/altairalabs/sessionhost/internal/plugin"
	"github.com/altairalabs/sessionhost/internal/session"
)

const passthroughTimeout = 10 * time.Second

const (
	actionConnect    = "connect"
	actionDisconnect = "disconnect"
)

// Registry resolves a known plugin id to its descriptor.
type Registry interface {
	Descriptor(pluginID string) (plugin.Descriptor, bool)
}

// mapRegistry is the simplest Registry: a static map, as produced by
// plugin.DiscoverManifests.
type mapRegistry map[string]plugin.Descriptor

func (m mapRegistry) Descriptor(pluginID string) (plugin.Descriptor, bool) {
	d, ok := m[pluginID]
	return d, ok
}

// NewRegistry adapts a discovered manifest map into a Registry.
func NewRegistry(descriptors map[string]plugin.Descriptor) Registry {
	return mapRegistry(descriptors)
}

// DispatchRequest is a high-level action coming from a UI/controller
// layer, before it has been resolved to a specific plugin or session.
type DispatchRequest struct {
	PluginID  string
	SessionID string
	Action    string
	Payload   json.RawMessage
}

// connectActionPayload accepts either the flat form
// ({"capability_id":"x","port":"..."}) or the wrapped form
// ({"capability_id":"x","parameters":{"port":"..."}}).
type connectActionPayload struct {
	CapabilityID string          `json:"capability_id"`
	Name         string          `json:"name"`
	Parameters   json.RawMessage `json:"parameters"`
}

type disconnectActionPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Dispatcher is the CapabilityDispatcher: a thin router from
// high-level dispatch calls onto the device-session coordinator, with
// a generic passthrough path for everything it does not recognize.
type Dispatcher struct {
	coordinator *session.Coordinator
	supervisor  *hostproc.Supervisor
	registry    Registry
}

// NewDispatcher wires the coordinator, supervisor, and plugin registry
// a Dispatcher routes against.
func NewDispatcher(coordinator *session.Coordinator, supervisor *hostproc.Supervisor, registry Registry) *Dispatcher {
	return &Dispatcher{coordinator: coordinator, supervisor: supervisor, registry: registry}
}

// Dispatch resolves req.PluginID (from req.SessionID if not given
// directly) and routes req.Action, returning a JSON-encodable result.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (any, error) {
	pluginID := req.PluginID
	if pluginID == "" && req.SessionID != "" {
		if id, ok := d.coordinator.PluginIDFor(req.SessionID); ok {
			pluginID = id
		}
	}
	if pluginID == "" {
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, "dispatcher", "Dispatch",
			fmt.Errorf("neither plugin_id nor a resolvable session_id was given"))
	}

	switch req.Action {
	case actionConnect:
		return d.dispatchConnect(ctx, pluginID, req)
	case actionDisconnect:
		return d.dispatchDisconnect(ctx, req)
	default:
		return d.dispatchPassthrough(pluginID, req)
	}
}

func (d *Dispatcher) dispatchConnect(ctx context.Context, pluginID string, req DispatchRequest) (*session.Session, error) {
	desc, ok := d.registry.Descriptor(pluginID)
	if !ok {
		return nil, hosterrors.New(hosterrors.KindNotFound, "dispatcher", "Dispatch.connect", fmt.Errorf("unknown plugin %q", pluginID))
	}

	var action connectActionPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &action); err != nil {
			return nil, hosterrors.New(hosterrors.KindInvalidArgument, "dispatcher", "Dispatch.connect", err)
		}
	}

	capabilityID := action.CapabilityID
	if capabilityID == "" {
		capabilityID = pluginID
	}

	parameters := action.Parameters
	if len(parameters) == 0 {
		parameters = flattenConnectParameters(req.Payload)
	}

	if schema := capabilitySchema(desc, capabilityID); schema != nil {
		if ok, err := ValidateRaw(schema, parameters); !ok {
			return nil, hosterrors.New(hosterrors.KindInvalidArgument, "dispatcher", "Dispatch.connect", err)
		}
	}

	return d.coordinator.Connect(ctx, desc, session.ConnectRequest{
		PluginID:     pluginID,
		CapabilityID: capabilityID,
		SessionID:    req.SessionID,
		Name:         action.Name,
		Parameters:   parameters,
	})
}

// flattenConnectParameters supports the flat dispatch form, where
// parameters are given alongside capability_id/name at the top level
// instead of nested under a "parameters" key.
func flattenConnectParameters(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	delete(fields, "capability_id")
	delete(fields, "name")
	delete(fields, "parameters")

	flattened, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return flattened
}

func capabilitySchema(desc plugin.Descriptor, capabilityID string) json.RawMessage {
	capDesc, ok := desc.Capability(capabilityID)
	if !ok || len(capDesc.JSONSchema) == 0 {
		return nil
	}
	return capDesc.JSONSchema
}

func (d *Dispatcher) dispatchDisconnect(ctx context.Context, req DispatchRequest) (any, error) {
	if req.SessionID == "" {
		return nil, hosterrors.New(hosterrors.KindInvalidArgument, "dispatcher", "Dispatch.disconnect", fmt.Errorf("session_id is required"))
	}

	var action disconnectActionPayload
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &action)
	}

	if err := d.coordinator.Disconnect(ctx, req.SessionID, action.Reason); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *Dispatcher) dispatchPassthrough(pluginID string, req DispatchRequest) (json.RawMessage, error) {
	rt, ok := d.supervisor.RuntimeFor(req.SessionID)
	if !ok {
		return nil, hosterrors.New(hosterrors.KindNotFound, "dispatcher", "Dispatch.passthrough",
			fmt.Errorf("no running process for session %q", req.SessionID))
	}

	resp, err := rt.Client().Send(&ipc.Request{
		Type:      req.Action,
		SessionID: req.SessionID,
		Payload:   req.Payload,
	}, passthroughTimeout)
	if err != nil {
		return nil, hosterrors.New(hosterrors.KindTimeout, "dispatcher", "Dispatch.passthrough", err)
	}
	if !resp.OK {
		return nil, hosterrors.New(hosterrors.KindPluginError, "dispatcher", "Dispatch.passthrough",
			fmt.Errorf("plugin %q rejected action %q: %s", pluginID, req.Action, resp.Error))
	}
	return resp.Snapshot, nil
}
