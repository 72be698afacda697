package hostapp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/altairalabs/sessionhost/internal/capability"
	"github.com/altairalabs/sessionhost/internal/config"
)

// TestMain re-executes this test binary as the fake plugin process
// EnsureStarted spawns, the same pattern internal/session and
// internal/hostproc's own tests use: every request is acknowledged
// with {ok:true}.
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

// writeTestManifest drops a single plugin manifest into dir, pointing
// HostExecutablePath at this test binary so EnsureStarted spawns the
// fake acking plugin above.
func writeTestManifest(t *testing.T, dir string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	manifest := fmt.Sprintf(`{
		"id": "plugin.serial",
		"display_name": "Serial",
		"host_executable_path": %q,
		"plugin_path": "fake-plugin.so",
		"entry_symbol": "Main",
		"capabilities": [{"id": "serial", "supports_multi_session": false}]
	}`, exe)

	if err := os.WriteFile(filepath.Join(dir, "plugin.serial.plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func testConfig(t *testing.T, manifestDir string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.PluginManifestDir = manifestDir
	cfg.SharedMemory.MaxTotalBytes = 4 * 1024 * 1024
	cfg.SharedMemory.WatchdogInterval = 20 * time.Millisecond
	cfg.Pipe.ShutdownTimeout = 500 * time.Millisecond
	return cfg
}

func TestNewWiresEveryComponentAndRunDispatchesConnect(t *testing.T) {
	t.Setenv("GO_WANT_FAKE_PLUGIN_HELPER", "1")

	dir := t.TempDir()
	writeTestManifest(t, dir)

	app, err := New(testConfig(t, dir))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	// Give Run a moment to initialize the shared mapping before
	// dispatching; Initialize is synchronous within Run but Run itself
	// starts asynchronously above.
	waitForInitialized(t, app)

	payload, _ := json.Marshal(map[string]any{"capability_id": "serial", "port": "/dev/ttyUSB0"})
	result, err := app.Dispatch(context.Background(), capability.DispatchRequest{
		PluginID:  "plugin.serial",
		SessionID: "s1",
		Action:    "connect",
		Payload:   payload,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 1, app.supervisor.AliveGroupCount())

	_, err = app.Dispatch(context.Background(), capability.DispatchRequest{
		SessionID: "s1",
		Action:    "disconnect",
	})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func waitForInitialized(t *testing.T, app *App) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if app.mem.UsageStats().Capacity > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("shared memory was not initialized before timeout")
}

func TestMetricsMessagesAndEventsAccessorsAreWired(t *testing.T) {
	dir := t.TempDir()
	app, err := New(testConfig(t, dir))
	require.NoError(t, err)

	require.NotNil(t, app.Metrics())
	require.NotNil(t, app.Messages())
	require.NotNil(t, app.Events())
}
