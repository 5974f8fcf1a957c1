package vmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/guestmem/internal/mmap"
)

// fakeWindowBase is where the Fake starts handing out synthetic windows.
var fakeWindowBase uint64 = 1 << 40

// Call is one primitive invocation recorded by Fake.
type Call struct {
	Op     string
	Addr   uintptr
	Offset int64
	Size   uintptr
}

// Fake is an in-memory Platform. It enforces the strictest host rules (a
// live view cannot be replaced, a window cannot be released while views are
// live, views must be granularity aligned) so that tests catch sequencing
// bugs that one host would tolerate and another would not.
type Fake struct {
	mu          sync.Mutex
	capability  Capability
	granularity uintptr
	next        uint64
	windows     map[uintptr]*fakeWindow
	calls       []Call
	failures    map[string]error
}

type fakeWindow struct {
	size  uintptr
	chunk uintptr
	views map[uintptr]int64
}

// NewFake returns a Fake that reports full capability and a 4 KiB view
// granularity.
func NewFake() *Fake {
	return &Fake{
		capability:  Capability{SharedMemory: true, Placeholders: true},
		granularity: 0x1000,
		next:        fakeWindowBase,
		windows:     make(map[uintptr]*fakeWindow),
		failures:    make(map[string]error),
	}
}

// NewUnsupportedFake returns a Fake whose probe failed.
func NewUnsupportedFake(reason string) *Fake {
	f := NewFake()
	f.capability = Capability{SharedMemory: true, Reason: reason}
	return f
}

// SetGranularity changes the required view-offset alignment.
func (f *Fake) SetGranularity(g uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granularity = g
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CountCalls returns how many times op was invoked.
func (f *Fake) CountCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// View returns the shared-object offset of the view committed at addr.
func (f *Fake) View(addr uintptr) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for base, w := range f.windows {
		if addr >= base && addr-base < w.size {
			off, ok := w.views[addr]
			return off, ok
		}
	}
	return 0, false
}

// Views returns the number of live views across all windows.
func (f *Fake) Views() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.windows {
		n += len(w.views)
	}
	return n
}

// Windows returns the number of reserved, unreleased windows.
func (f *Fake) Windows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Capability() Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capability
}

func (f *Fake) Granularity() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granularity
}

func (f *Fake) CreateShared(name string, size int) (Shared, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "create", Size: uintptr(size)}); err != nil {
		return nil, err
	}
	if !f.capability.SharedMemory {
		return nil, ErrUnsupported
	}
	return &fakeShared{name: name, size: size}, nil
}

func (f *Fake) Reserve(size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "reserve", Size: size}); err != nil {
		return 0, err
	}
	if !f.capability.Placeholders {
		return 0, ErrUnsupported
	}
	base := uintptr(f.next)
	f.next += uint64(size)
	f.windows[base] = &fakeWindow{size: size, views: make(map[uintptr]int64)}
	return base, nil
}

func (f *Fake) Split(base, size, chunk uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "split", Addr: base, Size: size}); err != nil {
		return err
	}
	w, ok := f.windows[base]
	if !ok || w.size != size {
		return opError("split", base, errors.New("not a reservation"))
	}
	w.chunk = chunk
	return nil
}

func (f *Fake) Commit(s Shared, addr uintptr, offset int64, size uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "commit", Addr: addr, Offset: offset, Size: size}); err != nil {
		return err
	}

	sh, ok := s.(*fakeShared)
	if !ok {
		return opError("commit", addr, fmt.Errorf("foreign shared object %T", s))
	}
	w, base := f.windowLocked(addr)
	if w == nil {
		return opError("commit", addr, errors.New("outside any window"))
	}
	if w.chunk == 0 || size != w.chunk || (addr-base)%w.chunk != 0 {
		return opError("commit", addr, errors.New("not a placeholder boundary"))
	}
	if _, live := w.views[addr]; live {
		return opError("commit", addr, errors.New("placeholder already replaced"))
	}
	if offset < 0 || uintptr(offset)%f.granularity != 0 || offset+int64(size) > int64(sh.size) {
		return opError("commit", addr, fmt.Errorf("bad view offset %#x", offset))
	}
	w.views[addr] = offset
	return nil
}

func (f *Fake) Revert(addr, size uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "revert", Addr: addr, Size: size}); err != nil {
		return err
	}
	w, _ := f.windowLocked(addr)
	if w == nil {
		return opError("revert", addr, errors.New("outside any window"))
	}
	if _, live := w.views[addr]; !live {
		return opError("revert", addr, errors.New("no view"))
	}
	delete(w.views, addr)
	return nil
}

func (f *Fake) Release(base, size, chunk uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(Call{Op: "release", Addr: base, Size: size}); err != nil {
		return err
	}
	w, ok := f.windows[base]
	if !ok {
		return opError("release", base, errors.New("not a reservation"))
	}
	if len(w.views) != 0 {
		return opError("release", base, fmt.Errorf("%d live views", len(w.views)))
	}
	delete(f.windows, base)
	return nil
}

func (f *Fake) windowLocked(addr uintptr) (*fakeWindow, uintptr) {
	for base, w := range f.windows {
		if addr >= base && addr-base < w.size {
			return w, base
		}
	}
	return nil, 0
}

func (f *Fake) record(c Call) error {
	f.calls = append(f.calls, c)
	if err, ok := f.failures[c.Op]; ok {
		delete(f.failures, c.Op)
		return opError(c.Op, c.Addr, err)
	}
	return nil
}

// fakeShared hands out real anonymous memory so arena pointers can be
// dereferenced in tests.
type fakeShared struct {
	name string
	size int
	mu   sync.Mutex
	maps []*mmap.Mapping
}

func (s *fakeShared) Map(size int) (uintptr, error) {
	m, err := mmap.MapAnon(size)
	if err != nil {
		return 0, opError("map shared", 0, err)
	}
	s.mu.Lock()
	s.maps = append(s.maps, m)
	s.mu.Unlock()
	return m.Addr(), nil
}

func (s *fakeShared) Unmap(addr uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.maps {
		if m.Addr() == addr {
			s.maps = append(s.maps[:i], s.maps[i+1:]...)
			return m.Close()
		}
	}
	return opError("unmap shared", addr, errors.New("unknown view"))
}

func (s *fakeShared) Close() error { return nil }
