// Package dispatch routes classified channel messages to the
// reassembler, the image callback, or the status callback.
package dispatch

import (
	"errors"

	"github.com/pithecene-io/camlink/codec"
	"github.com/pithecene-io/camlink/identity"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/transfer"
	"github.com/pithecene-io/camlink/types"
	"github.com/pithecene-io/camlink/wire"
)

// Observer receives the outward-facing events of a session.
// Callbacks run on the message loop and must not block for long.
type Observer interface {
	// OnImage is called once per completed image.
	OnImage(img types.CompletedImage)
	// OnStatus is called for status lines, device updates and errors.
	OnStatus(kind types.StatusKind, text string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Image  func(img types.CompletedImage)
	Status func(kind types.StatusKind, text string)
}

// OnImage implements Observer.
func (f ObserverFuncs) OnImage(img types.CompletedImage) {
	if f.Image != nil {
		f.Image(img)
	}
}

// OnStatus implements Observer.
func (f ObserverFuncs) OnStatus(kind types.StatusKind, text string) {
	if f.Status != nil {
		f.Status(kind, text)
	}
}

// Observers fans callbacks out to several observers in order.
type Observers []Observer

// OnImage implements Observer.
func (o Observers) OnImage(img types.CompletedImage) {
	for _, obs := range o {
		obs.OnImage(img)
	}
}

// OnStatus implements Observer.
func (o Observers) OnStatus(kind types.StatusKind, text string) {
	for _, obs := range o {
		obs.OnStatus(kind, text)
	}
}

// Outcome summarizes what Dispatch did with one message.
type Outcome struct {
	// Kind is the classified message kind.
	Kind types.MessageKind
	// Filtered is true when the identity filter rejected the message.
	Filtered bool
	// Dropped is true when the message was accepted but discarded.
	Dropped bool
	// Image is set when the message completed an image.
	Image *types.CompletedImage
}

// Config configures a Dispatcher.
type Config struct {
	Filter      *identity.Filter
	Reassembler *transfer.Reassembler
	Observer    Observer
	Logger      *log.Logger
	Metrics     *metrics.Collector
}

// Dispatcher classifies, filters, and routes inbound messages.
// Like the Reassembler it owns, it is driven by a single goroutine.
type Dispatcher struct {
	filter      *identity.Filter
	reassembler *transfer.Reassembler
	observer    Observer
	logger      *log.Logger
	metrics     *metrics.Collector
}

// New creates a dispatcher. Missing collaborators get inert defaults.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		filter:      cfg.Filter,
		reassembler: cfg.Reassembler,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	if d.filter == nil {
		d.filter = identity.NewFilter("", identity.PolicySubstring)
	}
	if d.reassembler == nil {
		d.reassembler = transfer.NewReassembler(transfer.ReassemblerConfig{})
	}
	if d.observer == nil {
		d.observer = ObserverFuncs{}
	}
	if d.logger == nil {
		d.logger = log.Nop()
	}
	return d
}

// Dispatch processes one raw message to completion.
//
// Priority: chunk-protocol command, status frame, single-shot image,
// free text. Malformed frames never propagate; a broken chunk command is
// dropped and any other undecodable payload is treated as text.
func (d *Dispatcher) Dispatch(raw string) Outcome {
	d.metrics.IncMessageReceived()

	msg, err := wire.Decode(raw)
	if err != nil && wire.IsChunkProtocolError(err) {
		d.metrics.IncFrameDecodeError()
		d.logger.Debug("dropping malformed chunk command", map[string]any{
			"error": err.Error(),
		})
		return Outcome{Kind: msg.Kind, Dropped: true}
	}

	if !d.accept(msg) {
		d.metrics.IncMessageFiltered()
		return Outcome{Kind: msg.Kind, Filtered: true}
	}

	out := Outcome{Kind: msg.Kind}
	switch msg.Kind {
	case types.KindBegin:
		out.Dropped = !d.onBegin(msg.Begin)
	case types.KindChunk:
		out.Image, out.Dropped = d.onChunk(msg.Chunk)
	case types.KindEnd:
		out.Dropped = !d.onEnd(msg.End)
	case types.KindStatus:
		d.onStatus(msg.Status)
	case types.KindImage:
		out.Image = d.onImage(msg.Image)
		out.Dropped = out.Image == nil
	default:
		d.metrics.IncTextLine()
		d.observer.OnStatus(types.StatusText, msg.Raw)
	}

	if msg.Kind.IsChunkProtocol() {
		d.absorbStats()
	}
	return out
}

func (d *Dispatcher) accept(msg types.Message) bool {
	if msg.Kind == types.KindText {
		return d.filter.AcceptText(msg.Raw)
	}
	return d.filter.Accept(msg.Identity, msg.HasIdentity)
}

func (d *Dispatcher) onBegin(f *types.BeginFrame) bool {
	replaced, err := d.reassembler.Begin(*f)
	if err != nil {
		d.logger.Warn("rejected begin frame", map[string]any{
			"transfer_id": f.FrameID,
			"error":       err.Error(),
		})
		return false
	}
	fields := map[string]any{
		"transfer_id":  f.FrameID,
		"mime":         f.Mime,
		"bytes":        f.Bytes,
		"total_chunks": f.Total,
	}
	if replaced {
		d.logger.Warn("begin frame replaced an in-flight transfer", fields)
	} else {
		d.logger.Debug("transfer started", fields)
	}
	return true
}

func (d *Dispatcher) onChunk(f *types.ChunkFrame) (*types.CompletedImage, bool) {
	_, img, err := d.reassembler.AddChunk(*f)
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrUnknownTransfer):
		d.logger.Debug("dropping chunk for unknown transfer", map[string]any{
			"transfer_id": f.FrameID,
			"index":       f.Index,
		})
		return nil, true
	case codec.IsDecodeError(err):
		d.logger.Error("transfer payload failed to decode", map[string]any{
			"transfer_id": f.FrameID,
			"error":       err.Error(),
		})
		d.observer.OnStatus(types.StatusError, err.Error())
		return nil, true
	default:
		d.logger.Warn("dropping chunk", map[string]any{
			"transfer_id": f.FrameID,
			"index":       f.Index,
			"error":       err.Error(),
		})
		return nil, true
	}

	if img != nil {
		d.emit(*img)
	}
	return img, false
}

func (d *Dispatcher) onEnd(f *types.EndFrame) bool {
	missing, err := d.reassembler.End(*f)
	if err != nil {
		// Normal after completion: the last chunk already removed it.
		d.logger.Debug("end frame for inactive transfer", map[string]any{"transfer_id": f.FrameID})
		return false
	}
	if missing > 0 {
		d.logger.Warn("end frame with missing chunks", map[string]any{
			"transfer_id": f.FrameID,
			"missing":     missing,
		})
	}
	return true
}

func (d *Dispatcher) onStatus(f *types.StatusFrame) {
	d.metrics.IncStatusUpdate()

	statusType, text, ok := wire.StatusParts(f.Message)
	if !ok {
		d.observer.OnStatus(types.StatusDevice, f.Message)
		return
	}
	switch statusType {
	case "READY":
		d.observer.OnStatus(types.StatusReady, text)
	case "ERROR":
		d.observer.OnStatus(types.StatusError, text)
	case "OK":
		d.observer.OnStatus(types.StatusOK, text)
	default:
		d.observer.OnStatus(types.StatusDevice, f.Message)
	}
}

func (d *Dispatcher) onImage(f *types.ImageFrame) *types.CompletedImage {
	data, err := codec.Decode(f.Data)
	if err != nil {
		d.logger.Error("single-shot image failed to decode", map[string]any{
			"transfer_id": f.FrameID,
			"error":       err.Error(),
		})
		d.observer.OnStatus(types.StatusError, err.Error())
		return nil
	}
	img := types.CompletedImage{
		TransferID:    f.FrameID,
		Mime:          f.Mime,
		Data:          data,
		DeclaredBytes: f.Bytes,
		ServerID:      f.ServerID,
	}
	d.emit(img)
	return &img
}

func (d *Dispatcher) emit(img types.CompletedImage) {
	if img.DeclaredBytes >= 0 && int64(len(img.Data)) != img.DeclaredBytes {
		d.logger.Warn("image size differs from declared size", map[string]any{
			"transfer_id": img.TransferID,
			"declared":    img.DeclaredBytes,
			"actual":      len(img.Data),
		})
	}
	d.metrics.AddImageReceived(len(img.Data), !img.Chunked)
	d.logger.Info("image received", map[string]any{
		"transfer_id": img.TransferID,
		"mime":        img.Mime,
		"bytes":       len(img.Data),
		"chunked":     img.Chunked,
	})
	d.observer.OnImage(img)
}

// Sweep evicts stale transfers and logs each eviction.
func (d *Dispatcher) Sweep() []int64 {
	evicted := d.reassembler.Sweep()
	for _, id := range evicted {
		d.logger.Warn("evicted stale transfer", map[string]any{"transfer_id": id})
	}
	if len(evicted) > 0 {
		d.absorbStats()
	}
	return evicted
}

// Reset discards all in-flight transfers.
func (d *Dispatcher) Reset() {
	if n := d.reassembler.Reset(); n > 0 {
		d.logger.Info("discarded in-flight transfers", map[string]any{"count": n})
	}
}

// InFlight lists the transfers still being reassembled.
func (d *Dispatcher) InFlight() []transfer.Progress {
	return d.reassembler.InFlight()
}

func (d *Dispatcher) absorbStats() {
	s := d.reassembler.Stats()
	d.metrics.AbsorbReassemblyStats(s.Begun, s.Completed, s.Failed, s.Evicted,
		s.Chunks, s.DuplicateChunks, s.DroppedChunks)
}
