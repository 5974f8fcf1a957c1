package guestmem

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAllocate is called after each arena allocation attempt.
	RecordAllocate(size int, err error)

	// RecordMap is called after each Map. committed and indirect count the
	// chunks that received a view and those left on the page-table path.
	RecordMap(committed, indirect int, duration time.Duration, err error)

	// RecordUnmap is called after each Unmap with the number of views
	// torn down.
	RecordUnmap(reverted int, duration time.Duration, err error)

	// RecordRegion is called when a fastmem region is created (delta 1) or
	// released (delta -1).
	RecordRegion(delta int)

	// RecordSyscallError is called for every failed host primitive.
	RecordSyscallError(op string)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAllocate(int, error)                {}
func (NoopMetricsCollector) RecordMap(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordUnmap(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordRegion(int)                         {}
func (NoopMetricsCollector) RecordSyscallError(string)                {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AllocateCount   atomic.Int64
	AllocateErrors  atomic.Int64
	AllocatedBytes  atomic.Int64
	MapCount        atomic.Int64
	MapErrors       atomic.Int64
	MapTotalNanos   atomic.Int64
	ChunksCommitted atomic.Int64
	ChunksIndirect  atomic.Int64
	UnmapCount      atomic.Int64
	UnmapErrors     atomic.Int64
	ChunksReverted  atomic.Int64
	RegionsLive     atomic.Int64
	SyscallErrors   atomic.Int64
}

// RecordAllocate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAllocate(size int, err error) {
	b.AllocateCount.Add(1)
	if err != nil {
		b.AllocateErrors.Add(1)
		return
	}
	b.AllocatedBytes.Add(int64(size))
}

// RecordMap implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMap(committed, indirect int, duration time.Duration, err error) {
	b.MapCount.Add(1)
	b.MapTotalNanos.Add(duration.Nanoseconds())
	b.ChunksCommitted.Add(int64(committed))
	b.ChunksIndirect.Add(int64(indirect))
	if err != nil {
		b.MapErrors.Add(1)
	}
}

// RecordUnmap implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUnmap(reverted int, duration time.Duration, err error) {
	b.UnmapCount.Add(1)
	b.ChunksReverted.Add(int64(reverted))
	if err != nil {
		b.UnmapErrors.Add(1)
	}
}

// RecordRegion implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRegion(delta int) {
	b.RegionsLive.Add(int64(delta))
}

// RecordSyscallError implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSyscallError(string) {
	b.SyscallErrors.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AllocateCount:   b.AllocateCount.Load(),
		AllocateErrors:  b.AllocateErrors.Load(),
		AllocatedBytes:  b.AllocatedBytes.Load(),
		MapCount:        b.MapCount.Load(),
		MapErrors:       b.MapErrors.Load(),
		MapAvgNanos:     b.getAvgMapNanos(),
		ChunksCommitted: b.ChunksCommitted.Load(),
		ChunksIndirect:  b.ChunksIndirect.Load(),
		UnmapCount:      b.UnmapCount.Load(),
		UnmapErrors:     b.UnmapErrors.Load(),
		ChunksReverted:  b.ChunksReverted.Load(),
		RegionsLive:     b.RegionsLive.Load(),
		SyscallErrors:   b.SyscallErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgMapNanos() int64 {
	count := b.MapCount.Load()
	if count == 0 {
		return 0
	}
	return b.MapTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AllocateCount   int64
	AllocateErrors  int64
	AllocatedBytes  int64
	MapCount        int64
	MapErrors       int64
	MapAvgNanos     int64
	ChunksCommitted int64
	ChunksIndirect  int64
	UnmapCount      int64
	UnmapErrors     int64
	ChunksReverted  int64
	RegionsLive     int64
	SyscallErrors   int64
}
