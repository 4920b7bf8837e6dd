// Package delivery moves completed images to storage and downstream
// notification without blocking the channel read loop.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/camlink/adapter"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/sink"
	"github.com/pithecene-io/camlink/types"
)

// DefaultQueueSize bounds images waiting for delivery.
const DefaultQueueSize = 16

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("delivery closed")

// Config configures a Worker. Sink and Adapter are optional.
type Config struct {
	Sink      sink.Sink
	Adapter   adapter.Adapter
	SessionID string
	Identity  string
	QueueSize int
	Logger    *log.Logger
	Metrics   *metrics.Collector
	// Now stamps records and events; defaults to time.Now.
	Now func() time.Time
	// OnDelivered, when set, is called after each image is processed.
	OnDelivered func(Result)
}

// Result is the outcome of delivering one image.
type Result struct {
	TransferID  int64  `json:"transfer_id" yaml:"transfer_id"`
	Mime        string `json:"mime" yaml:"mime"`
	Bytes       int    `json:"bytes" yaml:"bytes"`
	Chunked     bool   `json:"chunked" yaml:"chunked"`
	StoragePath string `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
	Published   bool   `json:"published" yaml:"published"`
	Err         error  `json:"-" yaml:"-"`
}

// Worker delivers images on its own goroutine. It implements
// dispatch.Observer so it can sit directly behind the dispatcher.
type Worker struct {
	cfg   Config
	queue chan types.CompletedImage
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a worker. Call Start before images arrive.
func New(cfg Config) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		cfg:   cfg,
		queue: make(chan types.CompletedImage, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Start runs the delivery loop until Close. ctx bounds each delivery.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for img := range w.queue {
			res := w.deliver(ctx, img)
			if w.cfg.OnDelivered != nil {
				w.cfg.OnDelivered(res)
			}
		}
	}()
}

// Enqueue hands an image to the worker. It blocks while the queue is full.
func (w *Worker) Enqueue(img types.CompletedImage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.queue <- img
	return nil
}

// OnImage implements dispatch.Observer.
func (w *Worker) OnImage(img types.CompletedImage) {
	if err := w.Enqueue(img); err != nil {
		w.cfg.Logger.Warn("image dropped", map[string]any{
			"transfer_id": img.TransferID,
			"error":       err.Error(),
		})
	}
}

// OnStatus implements dispatch.Observer.
func (w *Worker) OnStatus(types.StatusKind, string) {}

// Close drains the queue, then closes the sink and adapter.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done

	var errs []error
	if w.cfg.Sink != nil {
		errs = append(errs, w.cfg.Sink.Close())
	}
	if w.cfg.Adapter != nil {
		errs = append(errs, w.cfg.Adapter.Close())
	}
	return errors.Join(errs...)
}

func (w *Worker) deliver(ctx context.Context, img types.CompletedImage) Result {
	now := w.cfg.Now().UTC()
	res := Result{TransferID: img.TransferID, Mime: img.Mime, Bytes: len(img.Data), Chunked: img.Chunked}
	fields := map[string]any{"transfer_id": img.TransferID, "bytes": len(img.Data)}

	if w.cfg.Sink != nil {
		path, err := w.cfg.Sink.Put(ctx, sink.Record{
			Image:      img,
			SessionID:  w.cfg.SessionID,
			Identity:   w.cfg.Identity,
			ReceivedAt: now,
		})
		if err != nil {
			fields["error"] = err.Error()
			w.cfg.Logger.Error("storing image failed", fields)
			res.Err = err
			return res
		}
		res.StoragePath = path
		fields["path"] = path
	}

	if w.cfg.Adapter != nil {
		event := adapter.NewImageReceivedEvent(w.cfg.SessionID, w.cfg.Identity, img, res.StoragePath, now)
		err := w.cfg.Adapter.Publish(ctx, event)
		w.cfg.Metrics.IncAdapterPublish(err == nil)
		if err != nil {
			fields["error"] = err.Error()
			w.cfg.Logger.Error("publishing image event failed", fields)
			res.Err = err
			return res
		}
		res.Published = true
	}

	w.cfg.Logger.Info("image delivered", fields)
	return res
}
