package shm

import "github.com/altairalabs/sessionhost/internal/hosterrors"

// MapFactory creates OS-level shared mappings. The platform-specific
// work (file-backed or anonymous mmap on Unix, named file mapping on
// Windows) lives in mapfactory_unix.go and mapfactory_windows.go.
type MapFactory struct{}

// NewMapFactory returns a ready-to-use MapFactory. It holds no state;
// every mapping it creates is independent.
func NewMapFactory() *MapFactory { return &MapFactory{} }

// Create opens a new shared mapping per opts. The returned handle's
// Bytes() always starts with the GlobalHeaderSize-byte reserved
// region.
func (f *MapFactory) Create(opts MapOptions) (MapHandle, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	handle, err := createPlatformMapping(opts)
	if err != nil {
		return nil, hosterrors.New(hosterrors.KindIOError, "shm", "MapFactory.Create", err)
	}
	return handle, nil
}
