//go:build !linux && !windows

package vmem

import (
	"os"
	"runtime"
)

// Probe returns a platform that only reports the missing capability. The
// generic strategy is used on these hosts.
func Probe() Platform {
	return unsupported{reason: runtime.GOOS + " has no placeholder mapping primitive"}
}

type unsupported struct {
	reason string
}

func (u unsupported) Name() string { return runtime.GOOS }

func (u unsupported) Capability() Capability { return Capability{Reason: u.reason} }

func (u unsupported) Granularity() uintptr { return uintptr(os.Getpagesize()) }

func (u unsupported) CreateShared(string, int) (Shared, error) { return nil, ErrUnsupported }

func (u unsupported) Reserve(uintptr) (uintptr, error) { return 0, ErrUnsupported }

func (u unsupported) Split(uintptr, uintptr, uintptr) error { return ErrUnsupported }

func (u unsupported) Commit(Shared, uintptr, int64, uintptr) error { return ErrUnsupported }

func (u unsupported) Revert(uintptr, uintptr) error { return ErrUnsupported }

func (u unsupported) Release(uintptr, uintptr, uintptr) error { return ErrUnsupported }
