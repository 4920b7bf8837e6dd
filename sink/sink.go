// Package sink persists completed images.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/camlink/types"
)

// Record is one completed image with its receive context.
type Record struct {
	Image      types.CompletedImage
	SessionID  string
	Identity   string
	ReceivedAt time.Time
}

// Sink stores completed images. Put returns the storage path.
type Sink interface {
	Put(ctx context.Context, rec Record) (string, error)
	Close() error
}

// StubSink records Put calls for testing.
type StubSink struct {
	mu      sync.Mutex
	Records []Record
	Err     error
	closed  bool
}

// NewStubSink creates a new stub sink.
func NewStubSink() *StubSink {
	return &StubSink{}
}

// Put implements Sink by recording the call.
func (s *StubSink) Put(_ context.Context, rec Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	s.Records = append(s.Records, rec)
	return ImagePath(rec), nil
}

// Close implements Sink.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *StubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ Sink = (*StubSink)(nil)
