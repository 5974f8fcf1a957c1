//go:build linux

package vmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Probe returns the host platform. On Linux the window is an anonymous
// PROT_NONE reservation and chunks are replaced in place with MAP_FIXED
// views of a memfd.
func Probe() Platform {
	p := &linuxPlatform{}

	if unsafe.Sizeof(uintptr(0)) < 8 {
		p.capability.Reason = "32-bit host cannot reserve a 4 GiB window"
		return p
	}

	fd, err := unix.MemfdCreate("guestmem-probe", unix.MFD_CLOEXEC)
	if err != nil {
		p.capability.Reason = fmt.Sprintf("memfd_create: %v", err)
		return p
	}
	_ = unix.Close(fd)

	p.capability = Capability{SharedMemory: true, Placeholders: true}
	return p
}

type linuxPlatform struct {
	capability Capability
}

func (p *linuxPlatform) Name() string { return "linux" }

func (p *linuxPlatform) Capability() Capability { return p.capability }

func (p *linuxPlatform) Granularity() uintptr { return uintptr(unix.Getpagesize()) }

func (p *linuxPlatform) CreateShared(name string, size int) (Shared, error) {
	if !p.capability.SharedMemory {
		return nil, ErrUnsupported
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, opError("memfd_create", 0, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, opError("ftruncate", 0, err)
	}
	return &memfd{fd: fd}, nil
}

func (p *linuxPlatform) Reserve(size uintptr) (uintptr, error) {
	if !p.capability.Placeholders {
		return 0, ErrUnsupported
	}

	addr, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, opError("reserve", 0, err)
	}
	return uintptr(addr), nil
}

// Split is a no-op: MAP_FIXED replaces any page-aligned sub-range of a
// reservation without prior subdivision.
func (p *linuxPlatform) Split(base, size, chunk uintptr) error {
	if !p.capability.Placeholders {
		return ErrUnsupported
	}
	return nil
}

func (p *linuxPlatform) Commit(s Shared, addr uintptr, offset int64, size uintptr) error {
	f, ok := s.(*memfd)
	if !ok {
		return opError("commit", addr, fmt.Errorf("foreign shared object %T", s))
	}

	got, err := unix.MmapPtr(f.fd, offset, unsafe.Pointer(addr), size, //nolint:govet // addr is inside our reservation
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return opError("commit", addr, err)
	}
	if uintptr(got) != addr {
		return opError("commit", addr, fmt.Errorf("kernel placed view at %#x", uintptr(got)))
	}
	return nil
}

func (p *linuxPlatform) Revert(addr, size uintptr) error {
	got, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), size, unix.PROT_NONE, //nolint:govet // addr is inside our reservation
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)
	if err != nil {
		return opError("revert", addr, err)
	}
	if uintptr(got) != addr {
		return opError("revert", addr, fmt.Errorf("kernel placed placeholder at %#x", uintptr(got)))
	}
	return nil
}

func (p *linuxPlatform) Release(base, size, chunk uintptr) error {
	return opError("release", base, unix.MunmapPtr(unsafe.Pointer(base), size)) //nolint:govet // base came from Reserve
}

type memfd struct {
	fd int
}

func (f *memfd) Map(size int) (uintptr, error) {
	addr, err := unix.MmapPtr(f.fd, 0, nil, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, opError("map shared", 0, err)
	}
	return uintptr(addr), nil
}

func (f *memfd) Unmap(addr uintptr, size int) error {
	return opError("unmap shared", addr, unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))) //nolint:govet // addr came from Map
}

func (f *memfd) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return opError("close shared", 0, err)
}
