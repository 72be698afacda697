package session

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
	"github.com/altairalabs/sessionhost/internal/shm"
)

// TestMain re-executes this test binary as the fake plugin process
// EnsureStarted spawns, the same pattern internal/hostproc's own tests
// use: every request is acknowledged with {ok:true}.
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
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	type wireResponse struct {
		ID string `json:"id"`
		OK bool   `json:"ok"`
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req wireRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		data, _ := json.Marshal(wireResponse{ID: req.ID, OK: true})
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func testPluginDescriptor(t *testing.T) plugin.Descriptor {
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
			{ID: "serial", SharedMemoryRequest: plugin.SharedMemoryRequest{Preferred: 64 * 1024}},
		},
	}
}

type fakePump struct {
	started map[string]*shm.SessionSegment
	stopped map[string]bool
}

func newFakePump() *fakePump {
	return &fakePump{started: make(map[string]*shm.SessionSegment), stopped: make(map[string]bool)}
}

func (p *fakePump) StartSession(sessionID string, segment *shm.SessionSegment) {
	p.started[sessionID] = segment
}

func (p *fakePump) StopSession(sessionID string) {
	p.stopped[sessionID] = true
}

func newTestCoordinator(t *testing.T) (*Coordinator, *hostproc.Supervisor, *shm.SharedMemoryManager, *events.Bus, *fakePump) {
	t.Helper()
	t.Setenv("GO_WANT_FAKE_PLUGIN_HELPER", "1")

	bus := events.NewBus()
	mem := shm.NewSharedMemoryManager(shm.DefaultManagerConfig(), bus, shm.NewMapFactory())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := mem.Initialize(ctx, shm.MapOptions{Name: t.Name(), CapacityBytes: 4 * 1024 * 1024}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { mem.Shutdown() })

	supervisor := hostproc.NewSupervisor(4)
	coordinator := NewCoordinator(supervisor, mem, bus)
	pump := newFakePump()
	coordinator.SetFramePump(pump)

	return coordinator, supervisor, mem, bus, pump
}

func TestConnectEstablishesSessionAndAllocatesSegment(t *testing.T) {
	coordinator, _, mem, bus, pump := newTestCoordinator(t)

	var created *events.Event
	bus.Subscribe(events.TypeSessionCreated, func(e *events.Event) { created = e })

	sess, err := coordinator.Connect(context.Background(), testPluginDescriptor(t), ConnectRequest{
		PluginID:     "plugin.serial",
		CapabilityID: "serial",
		SessionID:    "s1",
		Parameters:   json.RawMessage(`{"port":"/dev/ttyUSB0"}`),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.Status() != StatusConnected {
		t.Fatalf("expected connected status, got %v", sess.Status())
	}
	if sess.Name == "" {
		t.Fatal("expected a generated session name")
	}

	if _, err := mem.TryGetSegmentDescriptor("s1"); err != nil {
		t.Fatalf("expected an allocated segment: %v", err)
	}
	if pump.started["s1"] == nil {
		t.Fatal("expected frame pump to be started for s1")
	}
	if created == nil || created.SessionID != "s1" {
		t.Fatal("expected SessionCreatedEvent for s1")
	}
}

func TestConnectGeneratesSequentialNamesPerCapability(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(t)
	desc := testPluginDescriptor(t)

	sess1, err := coordinator.Connect(context.Background(), desc, ConnectRequest{PluginID: "plugin.serial", CapabilityID: "serial", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Connect s1: %v", err)
	}
	sess2, err := coordinator.Connect(context.Background(), desc, ConnectRequest{PluginID: "plugin.serial", CapabilityID: "serial", SessionID: "s2"})
	if err != nil {
		t.Fatalf("Connect s2: %v", err)
	}

	if sess1.Name == sess2.Name {
		t.Fatalf("expected distinct generated names, got %q twice", sess1.Name)
	}
}

func TestDisconnectReleasesSegmentAndEmitsEvent(t *testing.T) {
	coordinator, _, mem, bus, pump := newTestCoordinator(t)
	desc := testPluginDescriptor(t)

	if _, err := coordinator.Connect(context.Background(), desc, ConnectRequest{PluginID: "plugin.serial", CapabilityID: "serial", SessionID: "s1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var closed *events.Event
	bus.Subscribe(events.TypeSessionClosed, func(e *events.Event) { closed = e })

	if err := coordinator.Disconnect(context.Background(), "s1", "test teardown"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if _, ok := coordinator.SessionByID("s1"); ok {
		t.Fatal("expected session to be forgotten after disconnect")
	}
	if _, err := mem.TryGetSegmentDescriptor("s1"); err == nil {
		t.Fatal("expected segment to be released after disconnect")
	}
	if !pump.stopped["s1"] {
		t.Fatal("expected frame pump to be stopped for s1")
	}
	if closed == nil || closed.SessionID != "s1" {
		t.Fatal("expected SessionClosedEvent for s1")
	}
}

func TestDisconnectOfUnknownSessionFails(t *testing.T) {
	coordinator, _, _, _, _ := newTestCoordinator(t)
	if err := coordinator.Disconnect(context.Background(), "ghost", ""); err == nil {
		t.Fatal("expected error disconnecting unknown session")
	}
}

func TestByteCountersUpdateOnlyFromBusEvents(t *testing.T) {
	coordinator, _, _, bus, _ := newTestCoordinator(t)
	desc := testPluginDescriptor(t)

	sess, err := coordinator.Connect(context.Background(), desc, ConnectRequest{PluginID: "plugin.serial", CapabilityID: "serial", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bus.Publish(&events.Event{Type: events.TypeDataReceived, SessionID: "s1", Data: events.DataReceivedData{Raw: make([]byte, 10)}})
	bus.Publish(&events.Event{Type: events.TypeDataSent, SessionID: "s1", Data: events.DataSentData{ByteCount: 5}})

	if got := sess.RXBytes.Load(); got != 10 {
		t.Fatalf("expected rx_bytes=10, got %d", got)
	}
	if got := sess.TXBytes.Load(); got != 5 {
		t.Fatalf("expected tx_bytes=5, got %d", got)
	}
}
