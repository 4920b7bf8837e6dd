package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/camlink/channel"
	"github.com/pithecene-io/camlink/dispatch"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/session"
	"github.com/pithecene-io/camlink/transfer"
	"github.com/pithecene-io/camlink/types"
)

// client is a dialed channel with its session loop running.
type client struct {
	conn   *channel.Conn
	sess   *session.Session
	runErr chan error
	cancel context.CancelFunc
}

// connect dials cc.server and starts the channel loop. Failures are
// returned as cli.Exit errors carrying the connection exit code.
func connect(ctx context.Context, cc connectionChoice, sessionID string, observer dispatch.Observer, logger *log.Logger, collector *metrics.Collector) (*client, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, cc.connectTimeout)
	conn, err := channel.Dial(dialCtx, cc.server, channel.DialOptions{
		Header: cc.header,
		Logger: logger,
	})
	cancelDial()
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("connection failed: %v", err), exitConnectionError)
	}

	sess, err := session.New(session.Config{
		SessionID:     sessionID,
		Identity:      cc.identity,
		MatchPolicy:   cc.policy,
		RejectMarkers: cc.rejectMarkers,
		Sender:        cc.sender,
		Reassembler:   transfer.ReassemblerConfig{StaleTimeout: cc.staleTimeout},
		Observer:      observer,
		Logger:        logger,
		Metrics:       collector,
	}, conn)
	if err != nil {
		_ = conn.Close()
		return nil, cli.Exit(err.Error(), exitFailure)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := &client{conn: conn, sess: sess, runErr: make(chan error, 1), cancel: cancel}
	go func() {
		cl.runErr <- conn.Run(runCtx, sess, cc.sweepInterval)
	}()
	return cl, nil
}

// shutdown closes the channel and returns the loop's result.
func (cl *client) shutdown() error {
	cl.cancel()
	return <-cl.runErr
}

// awaitAuth waits for the identity handshake. A server that never
// answers the identity token is not an error: after timeout the caller
// proceeds as if accepted.
func (cl *client) awaitAuth(ctx context.Context, timeout time.Duration, logger *log.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, err := cl.sess.WaitAuth(waitCtx)
	switch {
	case state == types.AuthRejected:
		return cli.Exit("identity rejected by server", exitAuthRejected)
	case err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		if !cl.sess.IsOpen() {
			return cli.Exit("connection failed: channel did not open", exitConnectionError)
		}
		logger.Warn("no reply to identity, continuing", map[string]any{"timeout": timeout.String()})
		return nil
	case err != nil:
		return err
	case !cl.sess.IsOpen():
		return cli.Exit("connection closed before authentication", exitConnectionError)
	}
	return nil
}

// exitForRun maps the channel loop's result to an exit error.
func exitForRun(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrIdentityRejected):
		return cli.Exit("identity rejected by server", exitAuthRejected)
	default:
		return cli.Exit(fmt.Sprintf("connection failed: %v", err), exitConnectionError)
	}
}
