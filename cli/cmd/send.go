package cmd

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/camlink/cli/render"
	"github.com/pithecene-io/camlink/iox"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/session"
	"github.com/pithecene-io/camlink/sink"
)

// SentImage is the result row for one sent file.
type SentImage struct {
	File         string `json:"file" yaml:"file"`
	TransferID   int64  `json:"transfer_id" yaml:"transfer_id"`
	Mime         string `json:"mime" yaml:"mime"`
	Mode         string `json:"mode" yaml:"mode"`
	Messages     int    `json:"messages" yaml:"messages"`
	Chunks       int    `json:"chunks" yaml:"chunks"`
	Bytes        int64  `json:"bytes" yaml:"bytes"`
	EncodedBytes int    `json:"encoded_bytes" yaml:"encoded_bytes"`
}

func sentImage(file string, res session.SendResult) SentImage {
	return SentImage{
		File:         file,
		TransferID:   res.TransferID,
		Mime:         res.Mime,
		Mode:         string(res.Mode),
		Messages:     res.Messages,
		Chunks:       res.Chunks,
		Bytes:        res.Bytes,
		EncodedBytes: res.EncodedBytes,
	}
}

// SaidText is the result of the say command.
type SaidText struct {
	Text    string   `json:"text" yaml:"text"`
	Replies []string `json:"replies,omitempty" yaml:"replies,omitempty"`
}

func authTimeoutFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "auth-timeout",
		Usage: "How long to wait for the server to answer the identity",
		Value: defaultAuthTimeout,
	}
}

// SendCommand returns the send command.
func SendCommand() *cli.Command {
	flags := ConnectionFlags()
	flags = append(flags, TransferFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    "mime",
			Aliases: []string{"m"},
			Usage:   "MIME type for every file (default: from extension, then content)",
		},
		&cli.Int64Flag{
			Name:  "max-bytes",
			Usage: "Refuse files larger than this",
			Value: sink.MaxImageBytes,
		},
		authTimeoutFlag(),
	)
	flags = append(flags, OutputFlags()...)

	return &cli.Command{
		Name:      "send",
		Usage:     "Send image files over the channel",
		ArgsUsage: "FILE...",
		Flags:     flags,
		Action:    sendAction,
	}
}

// SayCommand returns the say command.
func SayCommand() *cli.Command {
	flags := ConnectionFlags()
	flags = append(flags,
		authTimeoutFlag(),
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "Keep the channel open this long and report replies",
		},
	)
	flags = append(flags, OutputFlags()...)

	return &cli.Command{
		Name:      "say",
		Usage:     "Send one free-text message",
		ArgsUsage: "TEXT...",
		Flags:     flags,
		Action:    sayAction,
	}
}

// outbound holds what send and say share once arguments are valid.
type outbound struct {
	renderer *render.Renderer
	logger   *log.Logger
	client   *client
}

func openOutbound(ctx context.Context, c *cli.Context) (*outbound, error) {
	if c.Bool("tui") {
		return nil, cli.Exit(fmt.Sprintf("--tui is not supported for %s command", c.Command.Name), exitFailure)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitFailure)
	}
	cc, err := parseConnection(c, cfg)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitFailure)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitFailure)
	}

	sessionID := uuid.NewString()
	logger := log.NewLogger(log.SessionMeta{
		SessionID: sessionID,
		Identity:  cc.identity,
		Server:    cc.server,
	}, cc.logLevel)
	collector := metrics.NewCollector(sessionID, cc.identity)

	cl, err := connect(ctx, cc, sessionID, statusLogger(logger), logger, collector)
	if err != nil {
		return nil, err
	}
	if err := cl.awaitAuth(ctx, c.Duration("auth-timeout"), logger); err != nil {
		_ = cl.shutdown()
		return nil, err
	}
	return &outbound{renderer: r, logger: logger, client: cl}, nil
}

func sendAction(c *cli.Context) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("at least one FILE is required", exitFailure)
	}
	if err := checkFiles(files, c.Int64("max-bytes")); err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ob, err := openOutbound(ctx, c)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(ob.logger.Sync)

	results := make([]SentImage, 0, len(files))
	for _, file := range files {
		data, err := iox.ReadFileLimit(file, c.Int64("max-bytes"))
		if err != nil {
			_ = ob.client.shutdown()
			return cli.Exit(fmt.Sprintf("reading %s: %v", file, err), exitFailure)
		}
		res, err := ob.client.sess.SendImage(ctx, data, detectMime(c.String("mime"), file, data))
		if err != nil {
			_ = ob.client.shutdown()
			return sendFailure(file, err)
		}
		ob.logger.Info("image sent", map[string]any{
			"file":        file,
			"transfer_id": res.TransferID,
			"mode":        string(res.Mode),
			"messages":    res.Messages,
		})
		results = append(results, sentImage(file, res))
	}

	if err := exitForRun(ob.client.shutdown()); err != nil {
		return err
	}
	return ob.renderer.Render(results)
}

func sayAction(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return cli.Exit("TEXT is required", exitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ob, err := openOutbound(ctx, c)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(ob.logger.Sync)

	if err := ob.client.sess.SendText(ctx, text); err != nil {
		_ = ob.client.shutdown()
		return sendFailure("text", err)
	}

	if wait := c.Duration("wait"); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		case err := <-ob.client.runErr:
			// Loop already ended; put the result back for shutdown.
			ob.client.runErr <- err
		}
	}

	out := SaidText{Text: text, Replies: replies(ob.client.sess.Recent())}
	if err := exitForRun(ob.client.shutdown()); err != nil {
		return err
	}
	return ob.renderer.Render(out)
}

// replies keeps received lines from the recent log, oldest first.
func replies(recent []string) []string {
	var out []string
	for i := len(recent) - 1; i >= 0; i-- {
		if line, ok := strings.CutPrefix(recent[i], "[RECEIVED] "); ok {
			out = append(out, line)
		}
	}
	return out
}

// checkFiles fails fast, before dialing, on missing or oversized files.
func checkFiles(files []string, limit int64) error {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
		if info.IsDir() {
			return fmt.Errorf("reading %s: is a directory", file)
		}
		if limit > 0 && info.Size() > limit {
			return fmt.Errorf("reading %s: %w (%d bytes)", file, iox.ErrTooLarge, limit)
		}
	}
	return nil
}

func sendFailure(what string, err error) error {
	if errors.Is(err, session.ErrNotOpen) {
		return cli.Exit(fmt.Sprintf("sending %s: %v", what, err), exitConnectionError)
	}
	return cli.Exit(fmt.Sprintf("sending %s: %v", what, err), exitFailure)
}

// detectMime picks the flag value, then the file extension, then sniffs
// the content. Parameters such as charset are dropped.
func detectMime(flag, file string, data []byte) string {
	candidate := flag
	if candidate == "" {
		candidate = mime.TypeByExtension(filepath.Ext(file))
	}
	if candidate == "" {
		candidate = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(candidate); err == nil {
		return mt
	}
	return candidate
}
