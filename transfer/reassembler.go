// Package transfer implements the chunked image protocol: the
// Reassembler on the receiving side and the Plan/Send pair on the
// sending side.
package transfer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pithecene-io/camlink/codec"
	"github.com/pithecene-io/camlink/types"
)

// Reassembly limits.
const (
	// MaxTotalChunks bounds the slot table allocated for one begin frame.
	MaxTotalChunks = 65536
	// MaxChunkChars bounds the encoded text carried by one chunk.
	MaxChunkChars = 1 << 20
	// DefaultStaleTimeout is how long an idle transfer survives a sweep.
	DefaultStaleTimeout = 2 * time.Minute
)

var (
	// ErrUnknownTransfer is returned for chunk or end frames whose
	// transfer id has no active begin.
	ErrUnknownTransfer = errors.New("unknown transfer")
	// ErrIndexOutOfRange is returned for chunk indexes outside [0, total).
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	// ErrInvalidBegin is returned for begin frames with an unusable total.
	ErrInvalidBegin = errors.New("invalid begin frame")
)

// ChunkOutcome describes what AddChunk did with a chunk.
type ChunkOutcome int

const (
	// ChunkStored means the chunk filled an empty slot.
	ChunkStored ChunkOutcome = iota
	// ChunkDuplicate means the chunk overwrote a filled slot.
	ChunkDuplicate
	// ChunkDropped means the chunk was discarded.
	ChunkDropped
)

// ReassemblerConfig configures a Reassembler.
type ReassemblerConfig struct {
	// StaleTimeout is the idle age after which Sweep evicts a transfer
	// (default 2m).
	StaleTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Reassembler owns the active-transfer table for one session.
// It is not safe for concurrent use; the session's message loop is its
// only caller.
type Reassembler struct {
	transfers    map[int64]*types.Transfer
	staleTimeout time.Duration
	now          func() time.Time
	stats        ReassemblyStats
}

// NewReassembler creates an empty reassembler.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reassembler{
		transfers:    make(map[int64]*types.Transfer),
		staleTimeout: cfg.StaleTimeout,
		now:          cfg.Now,
	}
}

// Begin creates a transfer with total empty slots. An existing transfer
// with the same id is replaced (last begin wins); replaced reports that.
func (r *Reassembler) Begin(f types.BeginFrame) (replaced bool, err error) {
	if f.Total <= 0 || f.Total > MaxTotalChunks {
		r.stats.RejectedBegins++
		return false, fmt.Errorf("%w: transfer %d: total %d outside [1, %d]",
			ErrInvalidBegin, f.FrameID, f.Total, MaxTotalChunks)
	}

	_, replaced = r.transfers[f.FrameID]
	now := r.now()
	r.transfers[f.FrameID] = &types.Transfer{
		TransferID:    f.FrameID,
		Mime:          f.Mime,
		DeclaredBytes: f.Bytes,
		TotalChunks:   f.Total,
		Parts:         make([]string, f.Total),
		Filled:        make([]bool, f.Total),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.stats.Begun++
	if replaced {
		r.stats.Replaced++
	}
	return replaced, nil
}

// AddChunk stores a chunk. A duplicate index overwrites the slot without
// counting twice. When the last missing slot is filled, the parts are
// joined in index order, decoded, and returned as a CompletedImage; the
// transfer is removed whether or not decoding succeeds.
//
// Errors:
//   - ErrUnknownTransfer: no active begin for the id (chunk dropped)
//   - ErrIndexOutOfRange: index outside [0, total) (chunk dropped)
//   - *codec.DecodeError: the completed transfer was not valid base64
func (r *Reassembler) AddChunk(f types.ChunkFrame) (ChunkOutcome, *types.CompletedImage, error) {
	t, ok := r.transfers[f.FrameID]
	if !ok {
		r.stats.DroppedChunks++
		return ChunkDropped, nil, fmt.Errorf("%w: chunk for transfer %d", ErrUnknownTransfer, f.FrameID)
	}
	if f.Index < 0 || f.Index >= t.TotalChunks {
		r.stats.DroppedChunks++
		return ChunkDropped, nil, fmt.Errorf("%w: transfer %d: index %d, total %d",
			ErrIndexOutOfRange, f.FrameID, f.Index, t.TotalChunks)
	}
	if len(f.Data) > MaxChunkChars {
		r.stats.DroppedChunks++
		return ChunkDropped, nil, fmt.Errorf("transfer %d: chunk %d size %d exceeds max %d",
			f.FrameID, f.Index, len(f.Data), MaxChunkChars)
	}

	outcome := ChunkStored
	if t.Filled[f.Index] {
		outcome = ChunkDuplicate
		r.stats.DuplicateChunks++
	} else {
		t.Filled[f.Index] = true
		t.ReceivedCount++
	}
	t.Parts[f.Index] = f.Data
	t.UpdatedAt = r.now()
	r.stats.Chunks++

	if !t.Complete() {
		return outcome, nil, nil
	}

	delete(r.transfers, f.FrameID)
	data, err := codec.Decode(joinParts(t.Parts))
	if err != nil {
		r.stats.Failed++
		return outcome, nil, fmt.Errorf("transfer %d: %w", f.FrameID, err)
	}
	r.stats.Completed++
	return outcome, &types.CompletedImage{
		TransferID:    t.TransferID,
		Mime:          t.Mime,
		Data:          data,
		DeclaredBytes: t.DeclaredBytes,
		Chunked:       true,
	}, nil
}

// End records the advisory end frame. It performs no state transition;
// missing is the number of slots still empty.
func (r *Reassembler) End(f types.EndFrame) (missing int, err error) {
	t, ok := r.transfers[f.FrameID]
	if !ok {
		return 0, fmt.Errorf("%w: end for transfer %d", ErrUnknownTransfer, f.FrameID)
	}
	t.EndSeen = true
	return t.Missing(), nil
}

// Sweep evicts transfers idle for longer than the stale timeout and
// returns their ids in ascending order.
func (r *Reassembler) Sweep() []int64 {
	cutoff := r.now().Add(-r.staleTimeout)

	var evicted []int64
	for id, t := range r.transfers {
		if t.UpdatedAt.Before(cutoff) {
			delete(r.transfers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	r.stats.Evicted += int64(len(evicted))
	return evicted
}

// Reset discards every active transfer.
func (r *Reassembler) Reset() int {
	n := len(r.transfers)
	clear(r.transfers)
	return n
}

// Active returns the number of in-flight transfers.
func (r *Reassembler) Active() int {
	return len(r.transfers)
}

// Progress is the fill state of one in-flight transfer.
type Progress struct {
	TransferID int64
	Mime       string
	Received   int
	Total      int
}

// InFlight lists active transfers ordered by transfer id.
func (r *Reassembler) InFlight() []Progress {
	out := make([]Progress, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, Progress{
			TransferID: t.TransferID,
			Mime:       t.Mime,
			Received:   t.ReceivedCount,
			Total:      t.TotalChunks,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

// Stats returns cumulative reassembly counters.
func (r *Reassembler) Stats() ReassemblyStats {
	s := r.stats
	s.Active = int64(len(r.transfers))
	return s
}

// ReassemblyStats holds reassembly counters.
type ReassemblyStats struct {
	Active          int64
	Begun           int64
	Replaced        int64
	RejectedBegins  int64
	Chunks          int64
	DuplicateChunks int64
	DroppedChunks   int64
	Completed       int64
	Failed          int64
	Evicted         int64
}

func joinParts(parts []string) string {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	var b strings.Builder
	b.Grow(n)
	for _, p := range parts {
		b.WriteString(p)
	}
	return b.String()
}
