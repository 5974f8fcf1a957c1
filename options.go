package guestmem

import (
	"log/slog"

	"github.com/hupe1980/guestmem/internal/vmem"
	"github.com/hupe1980/guestmem/resource"
)

type options struct {
	strategy         Strategy
	logger           *Logger
	metricsCollector MetricsCollector
	controller       *resource.Controller
	sharedName       string
	platform         vmem.Platform
}

func defaultOptions() options {
	return options{
		strategy:         StrategyAuto,
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		sharedName:       "guestmem-arena",
	}
}

// Option configures New.
type Option func(*options)

// WithStrategy selects the mapping strategy. The default is StrategyAuto.
//
// StrategyNative makes New fail with ErrFastmemUnsupported on hosts without
// placeholder support; use it only when running without fastmem is not an
// option.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := guestmem.NewJSONLogger(slog.LevelDebug)
//	m, _ := guestmem.New(size, guestmem.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &guestmem.BasicMetricsCollector{}
//	m, _ := guestmem.New(size, guestmem.WithMetricsCollector(metrics))
//	// ... map guest memory ...
//	stats := metrics.GetStats()
//	fmt.Printf("committed chunks: %d\n", stats.ChunksCommitted)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithResourceController charges the arena and every fastmem window against
// the controller's memory budget. New and AllocateFastmemRegion fail instead
// of blocking when the budget is exhausted.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.controller = rc
	}
}

// WithSharedMemoryName sets the debug name of the host shared-memory object
// that backs the arena under StrategyNative.
func WithSharedMemoryName(name string) Option {
	return func(o *options) {
		o.sharedName = name
	}
}

// WithPlatform replaces the probed host platform. It exists so tests inside
// this module can drive the native strategy with vmem.Fake.
func WithPlatform(p vmem.Platform) Option {
	return func(o *options) {
		o.platform = p
	}
}
