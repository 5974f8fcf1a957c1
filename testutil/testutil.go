package testutil

import (
	"math/rand"
	"sync"
)

// PageSize is the guest page size the helpers assume.
const PageSize = 0x1000

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic test data
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewSource(r.seed)) //nolint:gosec // deterministic test data
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint32 returns a pseudo-random uint32.
func (r *RNG) Uint32() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint32()
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Fill fills dst with random bytes.
// Locks only once per call.
func (r *RNG) Fill(dst []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.rand.Read(dst)
}

// Permutation returns a random permutation of [0, n).
func (r *RNG) Permutation(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Perm(n)
}

// AllocationSizes returns n allocation sizes in bytes. Each is between one
// byte and maxPages pages, and about half are not page multiples, so callers
// exercise rounding.
func (r *RNG) AllocationSizes(n, maxPages int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, n)
	for i := range out {
		pages := 1 + r.rand.Intn(maxPages)
		size := pages * PageSize
		if r.rand.Intn(2) == 0 {
			size -= r.rand.Intn(PageSize)
		}
		out[i] = size
	}
	return out
}

// PagePointers returns the host pointers of n consecutive pages starting at
// base, in order.
func PagePointers(base uintptr, n int) []uintptr {
	out := make([]uintptr, n)
	for i := range out {
		out[i] = base + uintptr(i)*PageSize
	}
	return out
}

// ScatterPages returns the pointers of n pages starting at base in random
// order. At least two pages swap places whenever n > 1.
func (r *RNG) ScatterPages(base uintptr, n int) []uintptr {
	out := PagePointers(base, n)
	if n < 2 {
		return out
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rand.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	ordered := true
	for i := range out {
		if out[i] != base+uintptr(i)*PageSize {
			ordered = false
			break
		}
	}
	if ordered {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

// Pattern returns n bytes of a position-dependent pattern seeded by tag.
func Pattern(n int, tag byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i) ^ tag ^ byte(i>>8)
	}
	return out
}

// IsPattern reports whether b holds the bytes Pattern(len(b), tag) would.
func IsPattern(b []byte, tag byte) bool {
	for i := range b {
		if b[i] != byte(i)^tag^byte(i>>8) {
			return false
		}
	}
	return true
}
