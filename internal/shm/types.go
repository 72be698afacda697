// Package shm implements the segmented shared-memory data plane: a
// single OS-level mapping (Unix file-backed, anonymous on request)
// partitioned by a bump allocator into per-session SPSC ring buffers.
package shm

import (
	"github.com/altairalabs/sessionhost/internal/hosterrors"
)

// GlobalHeaderSize is the reserved region at the start of every
// mapping, set aside for future coordination metadata. Consumers must
// treat its contents as opaque and must not write into it.
const GlobalHeaderSize = 4096

// MapOptions configures MapFactory.Create.
type MapOptions struct {
	// Name is the mapping's system-wide identifier: a Windows mapping
	// name, or the basename used to derive the Unix backing-file path.
	Name string

	// CapacityBytes is the total size of the mapping, header included.
	CapacityBytes int64

	// UnixFilePath overrides the default backing-file location
	// (${TMPDIR}/sessionhost/{name}.mmf) when UseFileBackedOnUnix is set.
	UnixFilePath string

	// UseFileBackedOnUnix requests a file-backed mapping on Unix,
	// rather than an anonymous one. File-backed mappings double as an
	// on-disk log: a consumer that restarts can reopen the same file
	// and resynchronize from the shared header.
	UseFileBackedOnUnix bool

	// DeleteFileOnDispose requests the backing file (if any) be
	// removed when the handle is closed.
	DeleteFileOnDispose bool
}

// MapDescriptor is the serializable identity of a mapping, sent to a
// plugin so it can reopen the same mapping independently.
type MapDescriptor struct {
	Name            string `json:"map_name"`
	Capacity        int64  `json:"map_capacity_bytes"`
	UnixFilePath    string `json:"unix_file_path,omitempty"`
	DeleteOnDispose bool   `json:"-"`
}

// MapHandle is an open OS-level shared mapping.
type MapHandle interface {
	// Descriptor returns the mapping's serializable identity.
	Descriptor() MapDescriptor

	// Bytes returns the full mapped region. Index 0 is the start of
	// the reserved GlobalHeaderSize-byte global header.
	Bytes() []byte

	// Close unmaps the region and, if DeleteOnDispose was requested,
	// removes the backing file. Safe to call more than once.
	Close() error
}

func validateOptions(opts MapOptions) error {
	if opts.Name == "" {
		return hosterrors.New(hosterrors.KindInvalidArgument, "shm", "MapFactory.Create", errEmptyName)
	}
	if opts.CapacityBytes <= 0 {
		return hosterrors.New(hosterrors.KindInvalidArgument, "shm", "MapFactory.Create", errNonPositiveCapacity)
	}
	return nil
}
