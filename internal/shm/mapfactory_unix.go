//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type unixMapHandle struct {
	descriptor MapDescriptor
	data       []byte
	file       *os.File // nil for an anonymous mapping
}

func (h *unixMapHandle) Descriptor() MapDescriptor { return h.descriptor }
func (h *unixMapHandle) Bytes() []byte             { return h.data }

func (h *unixMapHandle) Close() error {
	if h.data == nil {
		return nil
	}
	err := unix.Munmap(h.data)
	h.data = nil

	if h.file != nil {
		if closeErr := h.file.Close(); err == nil {
			err = closeErr
		}
		if h.descriptor.DeleteOnDispose {
			if rmErr := os.Remove(h.descriptor.UnixFilePath); err == nil {
				err = rmErr
			}
		}
	}
	return err
}

func createPlatformMapping(opts MapOptions) (MapHandle, error) {
	if !opts.UseFileBackedOnUnix {
		return createAnonymousMapping(opts)
	}
	return createFileBackedMapping(opts)
}

func createAnonymousMapping(opts MapOptions) (MapHandle, error) {
	data, err := unix.Mmap(-1, 0, int(opts.CapacityBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap of %d bytes: %w", opts.CapacityBytes, err)
	}
	return &unixMapHandle{
		descriptor: MapDescriptor{Name: opts.Name, Capacity: opts.CapacityBytes},
		data:       data,
	}, nil
}

func createFileBackedMapping(opts MapOptions) (MapHandle, error) {
	path := opts.UnixFilePath
	if path == "" {
		dir := filepath.Join(os.TempDir(), "sessionhost")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create backing directory %s: %w", dir, err)
		}
		path = filepath.Join(dir, opts.Name+".mmf")
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open backing file %s: %w", path, err)
	}
	if err := file.Truncate(opts.CapacityBytes); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncate backing file %s to %d bytes: %w", path, opts.CapacityBytes, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(opts.CapacityBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap backing file %s: %w", path, err)
	}

	return &unixMapHandle{
		descriptor: MapDescriptor{
			Name:            opts.Name,
			Capacity:        opts.CapacityBytes,
			UnixFilePath:    path,
			DeleteOnDispose: opts.DeleteFileOnDispose,
		},
		data: data,
		file: file,
	}, nil
}
