package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/camlink/adapter"
	"github.com/pithecene-io/camlink/adapter/redis"
	"github.com/pithecene-io/camlink/adapter/webhook"
	camconfig "github.com/pithecene-io/camlink/cli/config"
	"github.com/pithecene-io/camlink/identity"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/sink"
	"github.com/pithecene-io/camlink/transfer"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultAuthTimeout    = 5 * time.Second
)

// loadConfig loads --config when given. A nil config means "no file".
func loadConfig(c *cli.Context) (*camconfig.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	return camconfig.Load(path)
}

// configVal extracts a value from cfg, or the zero value when cfg is nil.
func configVal[T any](cfg *camconfig.Config, get func(*camconfig.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// resolveString returns the flag when explicitly set, then the config
// value, then the flag's default.
func resolveString(c *cli.Context, name, fromConfig string) string {
	if c.IsSet(name) || fromConfig == "" {
		return c.String(name)
	}
	return fromConfig
}

func resolveInt(c *cli.Context, name string, fromConfig int) int {
	if c.IsSet(name) || fromConfig == 0 {
		return c.Int(name)
	}
	return fromConfig
}

func resolveBool(c *cli.Context, name string, fromConfig bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return fromConfig || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, fromConfig time.Duration) time.Duration {
	if c.IsSet(name) || fromConfig == 0 {
		return c.Duration(name)
	}
	return fromConfig
}

func resolveSlice(c *cli.Context, name string, fromConfig []string) []string {
	if c.IsSet(name) || len(fromConfig) == 0 {
		return c.StringSlice(name)
	}
	return fromConfig
}

// parseKeyValues parses repeated key=value flag values.
func parseKeyValues(flag string, values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, kv := range values {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected key=value", flag, kv)
		}
		out[k] = v
	}
	return out, nil
}

// connectionChoice is the resolved connection configuration.
type connectionChoice struct {
	server         string
	identity       string
	policy         identity.Policy
	rejectMarkers  []string
	header         http.Header
	connectTimeout time.Duration
	logLevel       zapcore.Level
	sender         transfer.SenderConfig
	staleTimeout   time.Duration
	sweepInterval  time.Duration
}

func parseConnection(c *cli.Context, cfg *camconfig.Config) (connectionChoice, error) {
	var cc connectionChoice

	cc.server = resolveString(c, "server", configVal(cfg, func(c *camconfig.Config) string { return c.Server }))
	if cc.server == "" {
		return cc, errors.New("--server is required (or set server in config)")
	}
	if !strings.HasPrefix(cc.server, "ws://") && !strings.HasPrefix(cc.server, "wss://") {
		return cc, fmt.Errorf("invalid --server %q: must start with ws:// or wss://", cc.server)
	}

	cc.identity = resolveString(c, "identity", configVal(cfg, func(c *camconfig.Config) string { return c.Identity }))
	if err := identity.Validate(cc.identity); err != nil {
		return cc, err
	}

	policy, err := identity.ParsePolicy(resolveString(c, "identity-match",
		configVal(cfg, func(c *camconfig.Config) string { return c.IdentityMatch })))
	if err != nil {
		return cc, err
	}
	cc.policy = policy

	cc.rejectMarkers = resolveSlice(c, "reject-marker",
		configVal(cfg, func(c *camconfig.Config) []string { return c.RejectMarkers }))

	headers, err := parseKeyValues("header", c.StringSlice("header"))
	if err != nil {
		return cc, err
	}
	if len(headers) > 0 {
		cc.header = make(http.Header, len(headers))
		for k, v := range headers {
			cc.header.Set(k, v)
		}
	}

	cc.connectTimeout = c.Duration("connect-timeout")

	level, err := log.ParseLevel(resolveString(c, "log-level",
		configVal(cfg, func(c *camconfig.Config) string { return c.Log.Level })))
	if err != nil {
		return cc, err
	}
	cc.logLevel = level

	tc := configVal(cfg, func(c *camconfig.Config) camconfig.TransferConfig { return c.Transfer })
	cc.sender = transfer.SenderConfig{
		ChunkSize:       resolveInt(c, "chunk-size", tc.ChunkSize),
		SingleShotLimit: resolveInt(c, "single-shot-limit", tc.SingleShotLimit),
	}
	if err := cc.sender.Validate(); err != nil {
		return cc, err
	}
	cc.staleTimeout = resolveDuration(c, "stale-timeout", tc.StaleTimeout.Duration)
	cc.sweepInterval = resolveDuration(c, "sweep-interval", tc.SweepInterval.Duration)

	return cc, nil
}

// storageChoice is the resolved image storage configuration.
type storageChoice struct {
	backend  string
	path     string
	region   string
	endpoint string
	s3Path   bool
}

func parseStorage(c *cli.Context, cfg *camconfig.Config) storageChoice {
	sc := configVal(cfg, func(c *camconfig.Config) camconfig.StorageConfig { return c.Storage })
	return storageChoice{
		backend:  resolveString(c, "store-backend", sc.Backend),
		path:     resolveString(c, "store", sc.Path),
		region:   resolveString(c, "store-s3-region", sc.Region),
		endpoint: resolveString(c, "store-s3-endpoint", sc.Endpoint),
		s3Path:   resolveBool(c, "store-s3-path-style", sc.S3PathStyle),
	}
}

// buildSink creates the storage sink. No path means images are not stored.
func buildSink(ctx context.Context, choice storageChoice, collector *metrics.Collector) (sink.Sink, error) {
	if choice.path == "" {
		return nil, nil
	}

	var (
		s   *sink.LodeSink
		err error
	)
	switch choice.backend {
	case "fs", "":
		s, err = sink.NewFSSink(choice.path)
	case "s3":
		bucket, prefix := sink.ParseS3Path(choice.path)
		s, err = sink.NewS3Sink(ctx, sink.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       choice.region,
			Endpoint:     choice.endpoint,
			UsePathStyle: choice.s3Path,
		})
	default:
		return nil, fmt.Errorf("unknown --store-backend: %s (must be fs or s3)", choice.backend)
	}
	if err != nil {
		return nil, err
	}
	return sink.NewInstrumentedSink(s, collector), nil
}

// adapterChoice is the resolved notification adapter configuration.
type adapterChoice struct {
	adapterType string
	url         string
	channel     string
	stream      string
	headers     map[string]string
	secret      string
	timeout     time.Duration
	retries     int
}

// parseAdapterConfigWithPrecedence resolves adapter settings for spec,
// which is a type optionally followed by "=URL" (e.g. "redis=redis://host").
// A URL in spec wins over --adapter-url. CLI headers are merged over
// config headers.
func parseAdapterConfigWithPrecedence(c *cli.Context, cfg *camconfig.Config, spec string) (adapterChoice, error) {
	ac := configVal(cfg, func(c *camconfig.Config) camconfig.AdapterConfig { return c.Adapter })
	adapterType, url, _ := strings.Cut(spec, "=")
	if url == "" {
		url = resolveString(c, "adapter-url", ac.URL)
	}

	choice := adapterChoice{
		adapterType: adapterType,
		url:         url,
		channel:     resolveString(c, "adapter-channel", ac.Channel),
		stream:      resolveString(c, "adapter-stream", ac.Stream),
		secret:      resolveString(c, "adapter-secret", ac.Secret),
		timeout:     resolveDuration(c, "adapter-timeout", ac.Timeout.Duration),
		retries:     c.Int("adapter-retries"),
		headers:     make(map[string]string),
	}
	if !c.IsSet("adapter-retries") && ac.Retries != nil {
		choice.retries = *ac.Retries
	}
	if err := adapter.ValidateRetries(choice.retries); err != nil {
		return choice, fmt.Errorf("--adapter-retries: %w", err)
	}

	if choice.url == "" {
		return choice, fmt.Errorf("--adapter-url is required for adapter %s", adapterType)
	}

	for k, v := range ac.Headers {
		choice.headers[k] = v
	}
	cliHeaders, err := parseKeyValues("adapter-header", c.StringSlice("adapter-header"))
	if err != nil {
		return choice, err
	}
	for k, v := range cliHeaders {
		choice.headers[k] = v
	}

	return choice, nil
}

// buildAdapter creates the adapter for choice.
func buildAdapter(choice adapterChoice) (adapter.Adapter, error) {
	switch choice.adapterType {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     choice.url,
			Headers: choice.headers,
			Secret:  choice.secret,
			Timeout: choice.timeout,
			Retries: choice.retries,
		})
	case "redis":
		return redis.New(redis.Config{
			URL:     choice.url,
			Channel: choice.channel,
			Stream:  choice.stream,
			Timeout: choice.timeout,
			Retries: choice.retries,
		})
	default:
		return nil, fmt.Errorf("unknown --adapter: %s (must be webhook or redis)", choice.adapterType)
	}
}

// buildAdapters resolves --adapter (repeatable). Several adapters fan out
// through adapter.Multi.
func buildAdapters(c *cli.Context, cfg *camconfig.Config) (adapter.Adapter, error) {
	kinds := c.StringSlice("adapter")
	if len(kinds) == 0 {
		if t := configVal(cfg, func(c *camconfig.Config) string { return c.Adapter.Type }); t != "" {
			kinds = []string{t}
		}
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	var multi adapter.Multi
	for _, t := range kinds {
		choice, err := parseAdapterConfigWithPrecedence(c, cfg, t)
		if err != nil {
			return nil, err
		}
		a, err := buildAdapter(choice)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi = append(multi, a)
	}
	if len(multi) == 1 {
		return multi[0], nil
	}
	return multi, nil
}
