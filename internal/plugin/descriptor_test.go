package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/altairalabs/sessionhost/internal/hosterrors"
)

func writeManifest(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestDiscoverManifestsReturnsOneDescriptorPerFile(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "plugin.serial.plugin.json", `{
		"id": "plugin.serial",
		"display_name": "Serial",
		"host_executable_path": "/bin/true",
		"plugin_path": "fake-plugin.so",
		"entry_symbol": "Main",
		"capabilities": [{"id": "serial", "supports_multi_session": false}]
	}`)
	writeManifest(t, dir, "ignored.txt", "not a manifest")

	descriptors, err := DiscoverManifests(dir)
	if err != nil {
		t.Fatalf("DiscoverManifests: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(descriptors))
	}
	desc, ok := descriptors["plugin.serial"]
	if !ok {
		t.Fatal("expected descriptor keyed by manifest id")
	}
	if _, ok := desc.Capability("serial"); !ok {
		t.Fatal("expected serial capability to be present")
	}
}

func TestDiscoverManifestsRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "plugin.broken.plugin.json", `{not json`)

	_, err := DiscoverManifests(dir)
	if err == nil {
		t.Fatal("expected an error for malformed manifest JSON")
	}
	hostErr, ok := err.(*hosterrors.HostError)
	if !ok {
		t.Fatalf("expected *hosterrors.HostError, got %T", err)
	}
	if hostErr.Kind != hosterrors.KindProtocolError {
		t.Fatalf("expected KindProtocolError, got %v", hostErr.Kind)
	}
}

func TestDiscoverManifestsRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "plugin.noid.plugin.json", `{
		"display_name": "No ID",
		"host_executable_path": "/bin/true"
	}`)

	_, err := DiscoverManifests(dir)
	if err == nil {
		t.Fatal("expected an error for a manifest missing id")
	}
	hostErr, ok := err.(*hosterrors.HostError)
	if !ok {
		t.Fatalf("expected *hosterrors.HostError, got %T", err)
	}
	if hostErr.Kind != hosterrors.KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument, got %v", hostErr.Kind)
	}
}

func TestDiscoverManifestsRejectsUnreadableDir(t *testing.T) {
	_, err := DiscoverManifests(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected an error for an unreadable manifest directory")
	}
	hostErr, ok := err.(*hosterrors.HostError)
	if !ok {
		t.Fatalf("expected *hosterrors.HostError, got %T", err)
	}
	if hostErr.Kind != hosterrors.KindIOError {
		t.Fatalf("expected KindIOError, got %v", hostErr.Kind)
	}
}
