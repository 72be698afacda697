//go:build windows

package shm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsMapHandle struct {
	descriptor MapDescriptor
	data       []byte
	mapping    windows.Handle
	file       *os.File // nil for a page-file-backed mapping
}

func (h *windowsMapHandle) Descriptor() MapDescriptor { return h.descriptor }
func (h *windowsMapHandle) Bytes() []byte             { return h.data }

func (h *windowsMapHandle) Close() error {
	if h.data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&h.data[0]))
	err := windows.UnmapViewOfFile(addr)
	h.data = nil

	if h.mapping != 0 {
		windows.CloseHandle(h.mapping)
		h.mapping = 0
	}
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

// createPlatformMapping uses a named file mapping backed either by the
// system page file (the Windows analogue of an anonymous Unix
// mapping) or by a real file, per opts.UseFileBackedOnUnix.
func createPlatformMapping(opts MapOptions) (MapHandle, error) {
	var fileHandle windows.Handle = windows.InvalidHandle
	var backingFile *os.File
	path := opts.UnixFilePath

	if opts.UseFileBackedOnUnix {
		if path == "" {
			path = fmt.Sprintf("%s\\sessionhost-%s.mmf", os.TempDir(), opts.Name)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open backing file %s: %w", path, err)
		}
		if err := f.Truncate(opts.CapacityBytes); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate backing file %s: %w", path, err)
		}
		backingFile = f
		fileHandle = windows.Handle(f.Fd())
	}

	namePtr, err := windows.UTF16PtrFromString(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("encode mapping name %q: %w", opts.Name, err)
	}

	hi := uint32(opts.CapacityBytes >> 32)
	lo := uint32(opts.CapacityBytes & 0xFFFFFFFF)
	mapping, err := windows.CreateFileMapping(fileHandle, nil, windows.PAGE_READWRITE, hi, lo, namePtr)
	if err != nil {
		if backingFile != nil {
			backingFile.Close()
		}
		return nil, fmt.Errorf("CreateFileMapping %q: %w", opts.Name, err)
	}

	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_WRITE, 0, 0, uintptr(opts.CapacityBytes))
	if err != nil {
		windows.CloseHandle(mapping)
		if backingFile != nil {
			backingFile.Close()
		}
		return nil, fmt.Errorf("MapViewOfFile %q: %w", opts.Name, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), opts.CapacityBytes)

	return &windowsMapHandle{
		descriptor: MapDescriptor{
			Name:            opts.Name,
			Capacity:        opts.CapacityBytes,
			UnixFilePath:    path,
			DeleteOnDispose: opts.DeleteFileOnDispose,
		},
		data:    data,
		mapping: mapping,
		file:    backingFile,
	}, nil
}
