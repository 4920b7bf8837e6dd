// Package redis announces completed images on Redis.
//
// Every event is PUBLISHed as JSON. A channel name may contain
// "{identity}" to give each camera its own channel. With Stream set the
// event is also appended to a capped stream in the same pipeline, so
// consumers that were offline can catch up.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/camlink/adapter"
)

// Defaults applied by New.
const (
	DefaultChannel      = "camlink:image_received"
	DefaultStreamMaxLen = 10000
	DefaultTimeout      = 5 * time.Second
)

// identityPlaceholder is replaced by the event's identity in Channel
// and Stream.
const identityPlaceholder = "{identity}"

// Config configures the Redis adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db].
	URL string
	// Channel defaults to DefaultChannel.
	Channel string
	// Stream, when set, also receives each event via XADD.
	Stream       string
	StreamMaxLen int64
	// Timeout bounds one attempt.
	Timeout time.Duration
	Retries int
}

// Adapter publishes image events to Redis.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New parses the URL and applies defaults. No connection is made until
// the first Publish.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	if err := adapter.ValidateRetries(cfg.Retries); err != nil {
		return nil, err
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = DefaultStreamMaxLen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Channel returns the pub/sub channel used for an identity.
func (a *Adapter) Channel(identity string) string {
	return expand(a.config.Channel, identity)
}

// Publish sends the event, retrying connection failures with backoff.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ImageReceivedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	err = adapter.Retry(ctx, a.config.Retries, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return a.send(ctx, event, body)
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, event *adapter.ImageReceivedEvent, body []byte) error {
	channel := a.Channel(event.Identity)
	if a.config.Stream == "" {
		return a.client.Publish(ctx, channel, body).Err()
	}

	_, err := a.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Publish(ctx, channel, body)
		p.XAdd(ctx, &goredis.XAddArgs{
			Stream: expand(a.config.Stream, event.Identity),
			MaxLen: a.config.StreamMaxLen,
			Approx: true,
			Values: streamFields(event, body),
		})
		return nil
	})
	return err
}

// streamFields flattens the fields consumers filter on next to the full
// JSON payload.
func streamFields(event *adapter.ImageReceivedEvent, body []byte) map[string]any {
	return map[string]any{
		"event_type":   event.EventType,
		"session_id":   event.SessionID,
		"identity":     event.Identity,
		"transfer_id":  event.TransferID,
		"mime":         event.Mime,
		"storage_path": event.StoragePath,
		"payload":      string(body),
	}
}

func expand(name, identity string) string {
	if identity == "" {
		identity = "anonymous"
	}
	return strings.ReplaceAll(name, identityPlaceholder, identity)
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
