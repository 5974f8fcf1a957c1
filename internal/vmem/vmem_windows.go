//go:build windows

package vmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Placeholder flags from memoryapi.h, missing from x/sys/windows.
const (
	memPreservePlaceholder = 0x00000002
	memReplacePlaceholder  = 0x00004000
	memReservePlaceholder  = 0x00040000
)

// allocationGranularity is the Windows view alignment.
const allocationGranularity = 0x10000

// Probe returns the host platform. Placeholder APIs appeared in Windows 10
// 1803 and are resolved from kernelbase.dll at runtime; older hosts report
// the capability as missing.
func Probe() Platform {
	p := &windowsPlatform{
		process: windows.CurrentProcess(),
	}

	if unsafe.Sizeof(uintptr(0)) < 8 {
		p.capability.Reason = "32-bit host cannot reserve a 4 GiB window"
		return p
	}
	p.capability.SharedMemory = true

	kernelbase := windows.NewLazySystemDLL("kernelbase.dll")
	p.virtualAlloc2 = kernelbase.NewProc("VirtualAlloc2")
	p.mapViewOfFile3 = kernelbase.NewProc("MapViewOfFile3")
	p.unmapViewOfFile2 = kernelbase.NewProc("UnmapViewOfFile2")

	for _, proc := range []*windows.LazyProc{p.virtualAlloc2, p.mapViewOfFile3, p.unmapViewOfFile2} {
		if err := proc.Find(); err != nil {
			p.capability.Reason = fmt.Sprintf("%s: %v", proc.Name, err)
			return p
		}
	}

	p.capability.Placeholders = true
	return p
}

type windowsPlatform struct {
	capability Capability
	process    windows.Handle

	virtualAlloc2    *windows.LazyProc
	mapViewOfFile3   *windows.LazyProc
	unmapViewOfFile2 *windows.LazyProc
}

func (p *windowsPlatform) Name() string { return "windows" }

func (p *windowsPlatform) Capability() Capability { return p.capability }

func (p *windowsPlatform) Granularity() uintptr { return allocationGranularity }

func (p *windowsPlatform) CreateShared(name string, size int) (Shared, error) {
	if !p.capability.SharedMemory {
		return nil, ErrUnsupported
	}

	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(uint64(size)>>32), uint32(size), nil)
	if err != nil {
		return nil, opError("CreateFileMapping", 0, err)
	}
	return &section{handle: h}, nil
}

func (p *windowsPlatform) Reserve(size uintptr) (uintptr, error) {
	if !p.capability.Placeholders {
		return 0, ErrUnsupported
	}

	addr, _, err := p.virtualAlloc2.Call(uintptr(p.process), 0, size,
		windows.MEM_RESERVE|memReservePlaceholder, windows.PAGE_NOACCESS, 0, 0)
	if addr == 0 {
		return 0, opError("VirtualAlloc2", 0, err)
	}
	return addr, nil
}

// Split carves the reservation into chunk-sized placeholders. Splitting
// requires a non-zero remainder, so the loop stops one chunk short; the
// remainder is the last placeholder.
func (p *windowsPlatform) Split(base, size, chunk uintptr) error {
	if !p.capability.Placeholders {
		return ErrUnsupported
	}

	for off := uintptr(0); off < size-chunk; off += chunk {
		if err := windows.VirtualFree(base+off, chunk, windows.MEM_RELEASE|memPreservePlaceholder); err != nil {
			return opError("VirtualFree(split)", base+off, err)
		}
	}
	return nil
}

func (p *windowsPlatform) Commit(s Shared, addr uintptr, offset int64, size uintptr) error {
	sec, ok := s.(*section)
	if !ok {
		return opError("MapViewOfFile3", addr, fmt.Errorf("foreign shared object %T", s))
	}

	view, _, err := p.mapViewOfFile3.Call(uintptr(sec.handle), uintptr(p.process), addr,
		uintptr(offset), size, memReplacePlaceholder, windows.PAGE_READWRITE, 0, 0)
	if view == 0 {
		return opError("MapViewOfFile3", addr, err)
	}
	return nil
}

func (p *windowsPlatform) Revert(addr, size uintptr) error {
	ok, _, err := p.unmapViewOfFile2.Call(uintptr(p.process), addr, memPreservePlaceholder)
	if ok == 0 {
		return opError("UnmapViewOfFile2", addr, err)
	}
	return nil
}

// Release frees every placeholder of the window individually; after Split
// they are separate allocations.
func (p *windowsPlatform) Release(base, size, chunk uintptr) error {
	for off := uintptr(0); off < size; off += chunk {
		if err := windows.VirtualFree(base+off, 0, windows.MEM_RELEASE); err != nil {
			return opError("VirtualFree(release)", base+off, err)
		}
	}
	return nil
}

type section struct {
	handle windows.Handle
}

func (s *section) Map(size int) (uintptr, error) {
	addr, err := windows.MapViewOfFile(s.handle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return 0, opError("MapViewOfFile", 0, err)
	}
	return addr, nil
}

func (s *section) Unmap(addr uintptr, size int) error {
	return opError("UnmapViewOfFile", addr, windows.UnmapViewOfFile(addr))
}

func (s *section) Close() error {
	if s.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(s.handle)
	s.handle = 0
	return opError("CloseHandle", 0, err)
}
