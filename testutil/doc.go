// Package testutil provides testing utilities for guestmem.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded, thread-safe RNG and helpers for building guest
// memory layouts: allocation size sequences, page scatter patterns and
// byte patterns that make corruption easy to spot.
//
// # Random Layouts
//
//	rng := testutil.NewRNG(seed)
//	sizes := rng.AllocationSizes(16, 64) // up to 64 pages each
//	pages := rng.Permutation(16)         // scatter one chunk's pages
//
// # Byte Patterns
//
//	buf := testutil.Pattern(4096, 0xA5)
//	ok := testutil.IsPattern(buf, 0xA5)
package testutil
