// Package metrics provides per-session counters.
//
// The Collector accumulates counters during one channel session. It is a
// leaf package with no internal dependencies. Reassembly counters are
// absorbed from transfer.ReassemblyStats rather than recorded live, so
// the reassembler remains the single source of truth for them.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all session metrics.
type Snapshot struct {
	// Inbound
	MessagesReceived  int64
	MessagesFiltered  int64
	FrameDecodeErrors int64
	TextLines         int64
	StatusUpdates     int64
	ImagesReceived    int64
	ImagesSingleShot  int64
	BytesReceived     int64

	// Reassembly (absorbed)
	TransfersBegun     int64
	TransfersCompleted int64
	TransfersFailed    int64
	TransfersEvicted   int64
	ChunksReceived     int64
	ChunksDuplicate    int64
	ChunksDropped      int64

	// Outbound
	MessagesSent int64
	ImagesSent   int64
	ChunkedSends int64
	SendFailures int64

	// Downstream
	SinkWriteSuccess      int64
	SinkWriteFailure      int64
	AdapterPublishSuccess int64
	AdapterPublishFailure int64

	// Dimensions
	SessionID string
	Identity  string
}

// Collector accumulates metrics during a single session.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sessionID, identity string) *Collector {
	return &Collector{s: Snapshot{SessionID: sessionID, Identity: identity}}
}

func (c *Collector) add(field func(*Snapshot) *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field(&c.s) += n
	c.mu.Unlock()
}

// --- Inbound ---

// IncMessageReceived records one raw inbound message.
func (c *Collector) IncMessageReceived() {
	c.add(func(s *Snapshot) *int64 { return &s.MessagesReceived }, 1)
}

// IncMessageFiltered records a message rejected by the identity filter.
func (c *Collector) IncMessageFiltered() {
	c.add(func(s *Snapshot) *int64 { return &s.MessagesFiltered }, 1)
}

// IncFrameDecodeError records a chunk command whose body failed to decode.
func (c *Collector) IncFrameDecodeError() {
	c.add(func(s *Snapshot) *int64 { return &s.FrameDecodeErrors }, 1)
}

// IncTextLine records a free-text line.
func (c *Collector) IncTextLine() {
	c.add(func(s *Snapshot) *int64 { return &s.TextLines }, 1)
}

// IncStatusUpdate records a device status frame.
func (c *Collector) IncStatusUpdate() {
	c.add(func(s *Snapshot) *int64 { return &s.StatusUpdates }, 1)
}

// AddImageReceived records a completed inbound image of n bytes.
func (c *Collector) AddImageReceived(n int, singleShot bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.ImagesReceived++
	c.s.BytesReceived += int64(n)
	if singleShot {
		c.s.ImagesSingleShot++
	}
	c.mu.Unlock()
}

// AbsorbReassemblyStats copies reassembly counters into the collector.
// Arguments mirror transfer.ReassemblyStats to keep this package free of
// dependencies.
func (c *Collector) AbsorbReassemblyStats(begun, completed, failed, evicted, chunks, duplicate, dropped int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.TransfersBegun = begun
	c.s.TransfersCompleted = completed
	c.s.TransfersFailed = failed
	c.s.TransfersEvicted = evicted
	c.s.ChunksReceived = chunks
	c.s.ChunksDuplicate = duplicate
	c.s.ChunksDropped = dropped
	c.mu.Unlock()
}

// --- Outbound ---

// AddMessagesSent records n outbound channel messages.
func (c *Collector) AddMessagesSent(n int) {
	c.add(func(s *Snapshot) *int64 { return &s.MessagesSent }, int64(n))
}

// IncImageSent records a completed image send.
func (c *Collector) IncImageSent(chunked bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.s.ImagesSent++
	if chunked {
		c.s.ChunkedSends++
	}
	c.mu.Unlock()
}

// IncSendFailure records a failed send.
func (c *Collector) IncSendFailure() {
	c.add(func(s *Snapshot) *int64 { return &s.SendFailures }, 1)
}

// --- Downstream ---

// IncSinkWrite records an image store write.
func (c *Collector) IncSinkWrite(ok bool) {
	if ok {
		c.add(func(s *Snapshot) *int64 { return &s.SinkWriteSuccess }, 1)
		return
	}
	c.add(func(s *Snapshot) *int64 { return &s.SinkWriteFailure }, 1)
}

// IncAdapterPublish records a downstream notification attempt.
func (c *Collector) IncAdapterPublish(ok bool) {
	if ok {
		c.add(func(s *Snapshot) *int64 { return &s.AdapterPublishSuccess }, 1)
		return
	}
	c.add(func(s *Snapshot) *int64 { return &s.AdapterPublishFailure }, 1)
}

// Snapshot returns a point-in-time copy of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
