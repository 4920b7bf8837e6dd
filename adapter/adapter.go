// Package adapter defines the downstream notification boundary.
//
// Adapters publish one event per completed image to downstream systems.
// The listener owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/camlink/types"
)

// EventTypeImageReceived is the event_type of ImageReceivedEvent.
const EventTypeImageReceived = "image_received"

// ImageReceivedEvent is the payload published when an image completes.
type ImageReceivedEvent struct {
	EventType   string `json:"event_type"` // always "image_received"
	Version     string `json:"version"`
	SessionID   string `json:"session_id"`
	Identity    string `json:"identity,omitempty"`
	ServerID    string `json:"server_id,omitempty"`
	TransferID  int64  `json:"transfer_id"`
	Mime        string `json:"mime"`
	Bytes       int    `json:"bytes"`
	Chunked     bool   `json:"chunked"`
	StoragePath string `json:"storage_path,omitempty"`
	Timestamp   string `json:"timestamp"` // RFC 3339
}

// NewImageReceivedEvent builds the event for img.
func NewImageReceivedEvent(sessionID, identity string, img types.CompletedImage, storagePath string, at time.Time) *ImageReceivedEvent {
	return &ImageReceivedEvent{
		EventType:   EventTypeImageReceived,
		Version:     types.Version,
		SessionID:   sessionID,
		Identity:    identity,
		ServerID:    img.ServerID,
		TransferID:  img.TransferID,
		Mime:        img.Mime,
		Bytes:       len(img.Data),
		Chunked:     img.Chunked,
		StoragePath: storagePath,
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes image events to a downstream system.
type Adapter interface {
	// Publish sends an event downstream.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ImageReceivedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Retry limits.
const (
	// DefaultRetries is the retry count the CLI uses unless told otherwise.
	DefaultRetries = 3
	// MaxRetries bounds the retry count an adapter accepts.
	MaxRetries = 10
	// MaxBackoff caps the delay between attempts.
	MaxBackoff = 30 * time.Second
)

// ValidateRetries checks a configured retry count against [0, MaxRetries].
func ValidateRetries(n int) error {
	if n < 0 || n > MaxRetries {
		return fmt.Errorf("retries must be between 0 and %d, got %d", MaxRetries, n)
	}
	return nil
}

// Backoff returns the delay before retry attempt i (1-based):
// 500ms, 1s, 2s, ... capped at MaxBackoff.
func Backoff(i int) time.Duration {
	if i < 1 {
		return 0
	}
	d := 500 * time.Millisecond
	for range i - 1 {
		if d >= MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls attempt once plus up to retries more times, sleeping
// Backoff(i) before retry i. It stops on success, on ctx cancellation,
// or on an error marked Permanent.
func Retry(ctx context.Context, retries int, attempt func(ctx context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(Backoff(i)):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("non-retriable error: %w", perm.err)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// Multi fans an event out to several adapters.
type Multi []Adapter

// Publish publishes to every adapter and joins their errors.
func (m Multi) Publish(ctx context.Context, event *ImageReceivedEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every adapter.
func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

var _ Adapter = Multi(nil)
