package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/camlink/adapter"
	"github.com/pithecene-io/camlink/cli/render"
	"github.com/pithecene-io/camlink/cli/tui"
	"github.com/pithecene-io/camlink/delivery"
	"github.com/pithecene-io/camlink/dispatch"
	"github.com/pithecene-io/camlink/iox"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/types"
)

// snapshotInterval is how often the monitor refreshes counters.
const snapshotInterval = 500 * time.Millisecond

// ReceivedImage is one streamed line of listen output.
type ReceivedImage struct {
	TransferID  int64  `json:"transfer_id" yaml:"transfer_id"`
	Mime        string `json:"mime" yaml:"mime"`
	Bytes       int    `json:"bytes" yaml:"bytes"`
	Chunked     bool   `json:"chunked" yaml:"chunked"`
	StoragePath string `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
	Published   bool   `json:"published" yaml:"published"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

func receivedImage(res delivery.Result) ReceivedImage {
	out := ReceivedImage{
		TransferID:  res.TransferID,
		Mime:        res.Mime,
		Bytes:       res.Bytes,
		Chunked:     res.Chunked,
		StoragePath: res.StoragePath,
		Published:   res.Published,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// ListenCommand returns the listen command.
func ListenCommand() *cli.Command {
	flags := ConnectionFlags()
	flags = append(flags,
		&cli.DurationFlag{
			Name:  "stale-timeout",
			Usage: "Evict in-flight transfers idle for this long (default 2m)",
		},
		&cli.DurationFlag{
			Name:  "sweep-interval",
			Usage: "How often stale transfers are swept (default 30s)",
		},
		&cli.IntFlag{
			Name:  "queue-size",
			Usage: "Completed images buffered ahead of storage",
			Value: delivery.DefaultQueueSize,
		},
		// Storage flags
		&cli.StringFlag{
			Name:  "store",
			Usage: "Image storage path (directory for fs, bucket/prefix for s3)",
		},
		&cli.StringFlag{
			Name:  "store-backend",
			Usage: "Storage backend: fs, s3",
			Value: "fs",
		},
		&cli.StringFlag{
			Name:  "store-s3-region",
			Usage: "AWS region for the s3 backend",
		},
		&cli.StringFlag{
			Name:  "store-s3-endpoint",
			Usage: "Custom S3 endpoint for S3-compatible providers",
		},
		&cli.BoolFlag{
			Name:  "store-s3-path-style",
			Usage: "Force path-style S3 addressing",
		},
		// Adapter flags
		&cli.StringSliceFlag{
			Name:  "adapter",
			Usage: "Notification adapter: webhook or redis, optionally type=URL (repeatable)",
		},
		&cli.StringFlag{
			Name:  "adapter-url",
			Usage: "Adapter endpoint (http(s) URL for webhook, redis:// for redis)",
		},
		&cli.StringFlag{
			Name:  "adapter-channel",
			Usage: "Redis pub/sub channel; {identity} is replaced by the camera identity",
		},
		&cli.StringFlag{
			Name:  "adapter-stream",
			Usage: "Redis stream to XADD events to (optional)",
		},
		&cli.StringSliceFlag{
			Name:  "adapter-header",
			Usage: "Webhook header as key=value (repeatable)",
		},
		&cli.StringFlag{
			Name:    "adapter-secret",
			Usage:   "Webhook HMAC-SHA256 signing secret",
			EnvVars: []string{"CAMLINK_ADAPTER_SECRET"},
		},
		&cli.DurationFlag{
			Name:  "adapter-timeout",
			Usage: "Per-publish timeout",
			Value: 10 * time.Second,
		},
		&cli.IntFlag{
			Name:  "adapter-retries",
			Usage: "Publish retries after the first attempt (0-10; backoff doubles from 500ms, capped at 30s)",
			Value: adapter.DefaultRetries,
		},
	)
	flags = append(flags, OutputFlags()...)

	return &cli.Command{
		Name:   "listen",
		Usage:  "Connect, reassemble incoming images, store and publish them",
		Flags:  flags,
		Action: listenAction,
	}
}

func listenAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	cc, err := parseConnection(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	useTUI := c.Bool("tui")
	if useTUI && !isStderrTTY() {
		return cli.Exit("--tui requires a terminal", exitFailure)
	}

	var r *render.Renderer
	if !useTUI {
		if r, err = render.NewRenderer(c); err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	logger := log.Nop()
	if !useTUI {
		logger = log.NewLogger(log.SessionMeta{
			SessionID: sessionID,
			Identity:  cc.identity,
			Server:    cc.server,
		}, cc.logLevel)
	}
	defer iox.DiscardErr(logger.Sync)
	collector := metrics.NewCollector(sessionID, cc.identity)

	s, err := buildSink(ctx, parseStorage(c, cfg), collector)
	if err != nil {
		return cli.Exit(fmt.Sprintf("storage: %v", err), exitFailure)
	}
	a, err := buildAdapters(c, cfg)
	if err != nil {
		if s != nil {
			_ = s.Close()
		}
		return cli.Exit(fmt.Sprintf("adapter: %v", err), exitFailure)
	}

	var monitor *tui.Monitor
	if useTUI {
		monitor = tui.NewMonitor(cc.server, cc.identity)
	}

	worker := delivery.New(delivery.Config{
		Sink:      s,
		Adapter:   a,
		SessionID: sessionID,
		Identity:  cc.identity,
		QueueSize: c.Int("queue-size"),
		Logger:    logger,
		Metrics:   collector,
		OnDelivered: func(res delivery.Result) {
			if monitor != nil {
				monitor.Send(imageMsg(res))
				return
			}
			if err := r.Stream(receivedImage(res)); err != nil {
				logger.Warn("render failed", map[string]any{"error": err.Error()})
			}
		},
	})
	// Deliveries drain after the channel closes, so they outlive ctx.
	worker.Start(context.WithoutCancel(ctx))
	closeWorker := func() {
		if err := worker.Close(); err != nil {
			logger.Error("closing delivery", map[string]any{"error": err.Error()})
		}
	}
	defer closeWorker()

	observers := dispatch.Observers{worker}
	if monitor != nil {
		observers = append(observers, monitor.Observer())
	} else {
		observers = append(observers, statusLogger(logger))
	}

	cl, err := connect(ctx, cc, sessionID, observers, logger, collector)
	if err != nil {
		return err
	}

	var runErr error
	if monitor != nil {
		runErr, err = watch(monitor, cl, collector)
		if err != nil {
			return cli.Exit(fmt.Sprintf("monitor: %v", err), exitFailure)
		}
	} else {
		runErr = <-cl.runErr
		cl.cancel()
	}
	closeWorker()

	snap := collector.Snapshot()
	logger.Info("session summary", map[string]any{
		"messages_received": snap.MessagesReceived,
		"images_received":   snap.ImagesReceived,
		"transfers_failed":  snap.TransfersFailed,
		"transfers_evicted": snap.TransfersEvicted,
		"sink_failures":     snap.SinkWriteFailure,
	})
	return exitForRun(runErr)
}

// watch runs the monitor until the user quits, feeding it snapshots while
// the channel loop runs. It returns the loop's result and the UI's.
func watch(monitor *tui.Monitor, cl *client, collector *metrics.Collector) (runErr, uiErr error) {
	done := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case err := <-cl.runErr:
				monitor.Send(snapshot(cl, collector))
				monitor.Send(tui.DoneMsg{Err: err})
				done <- err
				return
			case <-ticker.C:
				monitor.Send(snapshot(cl, collector))
			}
		}
	}()

	uiErr = monitor.Run()
	cl.cancel()
	return <-done, uiErr
}

func snapshot(cl *client, collector *metrics.Collector) tui.SnapshotMsg {
	return tui.SnapshotMsg{
		Metrics:  collector.Snapshot(),
		Auth:     cl.sess.Auth(),
		Recent:   cl.sess.Recent(),
		InFlight: cl.sess.InFlight(),
	}
}

func imageMsg(res delivery.Result) tui.ImageMsg {
	msg := tui.ImageMsg{
		TransferID: res.TransferID,
		Mime:       res.Mime,
		Bytes:      res.Bytes,
		Chunked:    res.Chunked,
		Path:       res.StoragePath,
		At:         time.Now(),
	}
	if res.Err != nil {
		msg.Err = res.Err.Error()
	}
	return msg
}

// statusLogger logs status callbacks; error statuses log at warn.
func statusLogger(logger *log.Logger) dispatch.Observer {
	return dispatch.ObserverFuncs{
		Status: func(kind types.StatusKind, text string) {
			fields := map[string]any{"kind": string(kind), "text": text}
			if kind == types.StatusError {
				logger.Warn("status", fields)
				return
			}
			logger.Info("status", fields)
		},
	}
}
