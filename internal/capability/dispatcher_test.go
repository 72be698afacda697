package capability

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/altairalabs/sessionhost/internal/events"
	"github.com/altairalabs/sessionhost/internal/hostproc"
	"github.com/altairalabs/sessionhost/internal/plugin"
	"github.com/altairalabs/sessionhost/internal/session"
	"github.com/altairalabs/sessionhost/internal/shm"
)

// TestMain lets this test binary double as the fake plugin process
// Dispatch spawns, mirroring the hostproc package's own re-exec helper
// pattern: it replies {ok:true} to every request, echoing the payload
// back as the snapshot, lifecycle messages included.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_FAKE_PLUGIN_HELPER") == "1" {
		runFakeAckingPlugin()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeAckingPlugin() {
	var pipePath string
	args := os.Args
	for i, a := range args {
		if a == "--pipe" && i+1 < len(args) {
			pipePath = args[i+1]
		}
	}
	if pipePath == "" {
		os.Exit(1)
	}

	conn, err := net.Dial("unix", pipePath)
	if err != nil {
		os.Exit(1)
	}
	defer conn.Close()

	type wireRequest struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		SessionID string          `json:"session_id,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
	type wireResponse struct {
		ID       string          `json:"id"`
		OK       bool            `json:"ok"`
		Snapshot json.RawMessage `json:"snapshot,omitempty"`
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 4*1024*1024)
	for scanner.Scan() {
		var req wireRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		resp := wireResponse{ID: req.ID, OK: true, Snapshot: req.Payload}
		data, _ := json.Marshal(resp)
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func testDescriptor(t *testing.T) plugin.Descriptor {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return plugin.Descriptor{
		ID:                 "plugin.serial",
		HostExecutablePath: exe,
		PluginPath:         "fake-plugin.so",
		EntrySymbol:        "Main",
		Capabilities: []plugin.Capability{
			{
				ID:         "serial",
				Name:       "Serial Port",
				JSONSchema: json.RawMessage(`{"type":"object","required":["port"]}`),
			},
		},
	}
}

type testHarness struct {
	dispatcher  *Dispatcher
	coordinator *session.Coordinator
	shmManager  *shm.SharedMemoryManager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	t.Setenv("GO_WANT_FAKE_PLUGIN_HELPER", "1")

	bus := events.NewBus()
	mem := shm.NewSharedMemoryManager(shm.DefaultManagerConfig(), bus, shm.NewMapFactory())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := mem.Initialize(ctx, shm.MapOptions{Name: t.Name(), CapacityBytes: 8 * 1024 * 1024}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { mem.Shutdown() })

	supervisor := hostproc.NewSupervisor(4)
	coordinator := session.NewCoordinator(supervisor, mem, bus)
	registry := NewRegistry(map[string]plugin.Descriptor{"plugin.serial": testDescriptor(t)})
	dispatcher := NewDispatcher(coordinator, supervisor, registry)

	return &testHarness{dispatcher: dispatcher, coordinator: coordinator, shmManager: mem}
}

func TestDispatchConnectEstablishesConnectedSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	result, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		PluginID:  "plugin.serial",
		SessionID: "s1",
		Action:    actionConnect,
		Payload:   json.RawMessage(`{"capability_id":"serial","parameters":{"port":"/dev/ttyUSB0","baud_rate":115200}}`),
	})
	if err != nil {
		t.Fatalf("Dispatch connect: %v", err)
	}

	sess, ok := result.(*session.Session)
	if !ok {
		t.Fatalf("expected *session.Session result, got %T", result)
	}
	if sess.Status() != session.StatusConnected {
		t.Fatalf("expected connected status, got %v", sess.Status())
	}

	if _, err := h.shmManager.TryGetSegmentDescriptor("s1"); err != nil {
		t.Fatalf("expected an allocated segment for s1: %v", err)
	}
}

func TestDispatchConnectRejectsPayloadFailingLocalSchemaValidation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		PluginID:  "plugin.serial",
		SessionID: "s1",
		Action:    actionConnect,
		Payload:   json.RawMessage(`{"capability_id":"serial","parameters":{"baud_rate":115200}}`),
	})
	if err == nil {
		t.Fatal("expected validation failure for missing required 'port'")
	}
}

func TestDispatchDisconnectRemovesSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		PluginID:  "plugin.serial",
		SessionID: "s1",
		Action:    actionConnect,
		Payload:   json.RawMessage(`{"capability_id":"serial","parameters":{"port":"/dev/ttyUSB0"}}`),
	})
	if err != nil {
		t.Fatalf("Dispatch connect: %v", err)
	}

	if _, err := h.dispatcher.Dispatch(ctx, DispatchRequest{SessionID: "s1", Action: actionDisconnect}); err != nil {
		t.Fatalf("Dispatch disconnect: %v", err)
	}

	if _, ok := h.coordinator.SessionByID("s1"); ok {
		t.Fatal("expected session to be forgotten after disconnect")
	}
}

func TestDispatchResolvesPluginIDFromKnownSession(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		PluginID:  "plugin.serial",
		SessionID: "s1",
		Action:    actionConnect,
		Payload:   json.RawMessage(`{"capability_id":"serial","parameters":{"port":"/dev/ttyUSB0"}}`),
	}); err != nil {
		t.Fatalf("Dispatch connect: %v", err)
	}

	result, err := h.dispatcher.Dispatch(ctx, DispatchRequest{
		SessionID: "s1",
		Action:    "custom-action",
		Payload:   json.RawMessage(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("Dispatch passthrough: %v", err)
	}
	raw, ok := result.(json.RawMessage)
	if !ok {
		t.Fatalf("expected json.RawMessage passthrough result, got %T", result)
	}
	if string(raw) != `{"hello":"world"}` {
		t.Fatalf("expected echoed payload, got %s", raw)
	}
}

func TestDispatchFailsWhenNeitherPluginNorSessionResolvable(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.dispatcher.Dispatch(context.Background(), DispatchRequest{Action: "custom-action"})
	if err == nil {
		t.Fatal("expected error when neither plugin_id nor session_id resolve")
	}
}
