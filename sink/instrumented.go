package sink

import (
	"context"

	"github.com/pithecene-io/camlink/metrics"
)

// InstrumentedSink wraps a Sink and counts write outcomes.
type InstrumentedSink struct {
	inner     Sink
	collector *metrics.Collector
}

// NewInstrumentedSink wraps a sink with metrics instrumentation.
func NewInstrumentedSink(inner Sink, collector *metrics.Collector) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, collector: collector}
}

// Put delegates to the inner sink and records success or failure.
func (s *InstrumentedSink) Put(ctx context.Context, rec Record) (string, error) {
	path, err := s.inner.Put(ctx, rec)
	s.collector.IncSinkWrite(err == nil)
	return path, err
}

// Close delegates to the inner sink.
func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

var _ Sink = (*InstrumentedSink)(nil)
