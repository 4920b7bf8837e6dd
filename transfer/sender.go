package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/pithecene-io/camlink/codec"
	"github.com/pithecene-io/camlink/types"
	"github.com/pithecene-io/camlink/wire"
)

// Sender defaults, kept well under the channel's hard per-message limit.
const (
	DefaultChunkSize       = 60000
	DefaultSingleShotLimit = 100000
)

// Mode is how a payload is transmitted.
type Mode string

// Transmission modes.
const (
	ModeSingle  Mode = "single"
	ModeChunked Mode = "chunked"
)

// SenderConfig configures outbound planning.
type SenderConfig struct {
	// ChunkSize is the encoded chars per chunk message.
	ChunkSize int
	// SingleShotLimit is the largest single-shot line, identity included.
	SingleShotLimit int
}

// Validate checks the config, filling defaults for zero values.
func (c *SenderConfig) Validate() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SingleShotLimit == 0 {
		c.SingleShotLimit = DefaultSingleShotLimit
	}
	if c.ChunkSize < 0 || c.ChunkSize > MaxChunkChars {
		return fmt.Errorf("chunk size must be in [1, %d], got %d", MaxChunkChars, c.ChunkSize)
	}
	if c.SingleShotLimit < 0 {
		return fmt.Errorf("single-shot limit must be >= 0, got %d", c.SingleShotLimit)
	}
	return nil
}

// Descriptor describes an outbound payload after encoding.
type Descriptor struct {
	TransferID  int64
	Mime        string
	TotalBytes  int64
	EncodedData string
}

// Plan is the ordered message sequence for one payload. It is computed
// once and consumed lazily, so a caller can pace or cancel between
// messages without touching the framing.
type Plan struct {
	identity   string
	desc       Descriptor
	chunkSize  int
	mode       Mode
	singleLine string
}

// NewPlan encodes data once and decides between single-shot and chunked
// transmission.
func NewPlan(identity string, transferID int64, mime string, data []byte, cfg SenderConfig) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{
		identity: identity,
		desc: Descriptor{
			TransferID:  transferID,
			Mime:        mime,
			TotalBytes:  int64(len(data)),
			EncodedData: codec.Encode(data),
		},
		chunkSize: cfg.ChunkSize,
	}

	single, err := wire.FormatImage(identity, types.ImageFrame{
		FrameID:  transferID,
		Mime:     mime,
		Bytes:    p.desc.TotalBytes,
		ServerID: identity,
		Data:     p.desc.EncodedData,
	})
	if err != nil {
		return nil, err
	}

	if len(single) <= cfg.SingleShotLimit || p.desc.EncodedData == "" {
		p.mode = ModeSingle
		p.singleLine = single
	} else {
		p.mode = ModeChunked
	}
	return p, nil
}

// Descriptor returns the encoded payload descriptor.
func (p *Plan) Descriptor() Descriptor {
	return p.desc
}

// Mode returns the transmission mode.
func (p *Plan) Mode() Mode {
	return p.mode
}

// TotalChunks returns ceil(encodedLen / chunkSize), or 0 for single-shot.
func (p *Plan) TotalChunks() int {
	if p.mode == ModeSingle {
		return 0
	}
	n := len(p.desc.EncodedData)
	return (n + p.chunkSize - 1) / p.chunkSize
}

// Len returns the number of channel messages the plan produces.
func (p *Plan) Len() int {
	if p.mode == ModeSingle {
		return 1
	}
	return p.TotalChunks() + 2
}

// Messages yields the lines in strict send order: the single-shot line,
// or begin, chunks 0..N-1, end.
func (p *Plan) Messages() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if p.mode == ModeSingle {
			yield(p.singleLine, nil)
			return
		}

		total := p.TotalChunks()
		line, err := wire.FormatBegin(p.identity, types.BeginFrame{
			FrameID: p.desc.TransferID,
			Mime:    p.desc.Mime,
			Bytes:   p.desc.TotalBytes,
			Total:   total,
		})
		if !yield(line, err) || err != nil {
			return
		}

		enc := p.desc.EncodedData
		for i := range total {
			start := i * p.chunkSize
			end := min(start+p.chunkSize, len(enc))
			line, err := wire.FormatChunk(p.identity, types.ChunkFrame{
				FrameID: p.desc.TransferID,
				Index:   i,
				Data:    enc[start:end],
			})
			if !yield(line, err) || err != nil {
				return
			}
		}

		yield(wire.FormatEnd(p.identity, types.EndFrame{FrameID: p.desc.TransferID}))
	}
}

// Transport sends one text message on the channel.
type Transport interface {
	Send(ctx context.Context, text string) error
}

// ErrCanceled is wrapped when a send stops on context cancellation.
var ErrCanceled = errors.New("send canceled")

// Send writes every message of the plan in order, without waiting for
// acknowledgment. It stops at the first transport error or when ctx is
// done, returning the number of messages sent.
func Send(ctx context.Context, t Transport, p *Plan) (int, error) {
	sent := 0
	for line, err := range p.Messages() {
		if err != nil {
			return sent, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sent, fmt.Errorf("%w after %d of %d messages: %w", ErrCanceled, sent, p.Len(), ctxErr)
		}
		if err := t.Send(ctx, line); err != nil {
			return sent, fmt.Errorf("transfer %d: message %d of %d: %w", p.desc.TransferID, sent+1, p.Len(), err)
		}
		sent++
	}
	return sent, nil
}
