// Package plugin discovers and holds plugin descriptors: the
// information the host needs about a plugin before it can spawn its
// process, independent of any particular session.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/altairalabs/sessionhost/internal/hosterrors"
)

// SharedMemoryRequest is a capability's declared ring-buffer sizing
// preference.
type SharedMemoryRequest struct {
	Min                 int64 `json:"min"`
	Preferred           int64 `json:"preferred"`
	Max                 int64 `json:"max"`
	SupportsWriterSwitch bool  `json:"supports_writer_switch"`
	GrowthStep          int64 `json:"growth_step"`
}

// Capability is a plugin-declared endpoint kind.
type Capability struct {
	ID                    string               `json:"id"`
	Name                  string               `json:"name"`
	Description           string               `json:"description,omitempty"`
	JSONSchema            json.RawMessage      `json:"json_schema,omitempty"`
	UISchema              json.RawMessage      `json:"ui_schema,omitempty"`
	DefaultParametersText string               `json:"default_parameters_text,omitempty"`
	SupportsMultiSession  bool                 `json:"supports_multi_session"`
	SharedMemoryRequest   SharedMemoryRequest  `json:"shared_memory_request,omitempty"`
}

// Descriptor is the host's record of a discovered plugin: identity,
// the executable the supervisor spawns, and its declared capabilities.
type Descriptor struct {
	ID                 string       `json:"id"`
	DisplayName        string       `json:"display_name"`
	HostExecutablePath string       `json:"host_executable_path"`
	PluginPath         string       `json:"plugin_path"`
	EntrySymbol        string       `json:"entry_symbol"`
	Capabilities       []Capability `json:"capabilities"`
}

// Capability returns the descriptor's capability with the given id.
func (d Descriptor) Capability(capabilityID string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.ID == capabilityID {
			return c, true
		}
	}
	return Capability{}, false
}

// manifestSuffix is the fixed suffix every plugin manifest file name
// must carry: "<plugin-id>.plugin.json".
const manifestSuffix = ".plugin.json"

// DiscoverManifests reads every "<plugin-id>.plugin.json" file in dir
// and returns one Descriptor per file, keyed by the id field inside
// the manifest (which need not match the file's basename, though it
// conventionally does).
func DiscoverManifests(dir string) (map[string]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, hosterrors.New(hosterrors.KindIOError, "plugin", "DiscoverManifests", err)
	}

	descriptors := make(map[string]Descriptor)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), manifestSuffix) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, hosterrors.New(hosterrors.KindIOError, "plugin", "DiscoverManifests", fmt.Errorf("read %s: %w", path, err))
		}

		var descriptor Descriptor
		if err := json.Unmarshal(data, &descriptor); err != nil {
			return nil, hosterrors.New(hosterrors.KindProtocolError, "plugin", "DiscoverManifests", fmt.Errorf("parse %s: %w", path, err))
		}
		if descriptor.ID == "" {
			return nil, hosterrors.New(hosterrors.KindInvalidArgument, "plugin", "DiscoverManifests", fmt.Errorf("%s: manifest missing id", path))
		}

		descriptors[descriptor.ID] = descriptor
	}

	return descriptors, nil
}
