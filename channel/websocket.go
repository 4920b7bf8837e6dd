// Package channel connects a session to the shared text channel over a
// WebSocket.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pithecene-io/camlink/dispatch"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/session"
	"github.com/pithecene-io/camlink/types"
)

// DefaultReadLimit bounds one inbound message. Chunk lines are about
// 60 KB and single-shot images up to 100 KB, well above the library's
// 32 KiB default.
const DefaultReadLimit = 4 << 20

// DefaultSweepInterval is how often stale transfers are evicted.
const DefaultSweepInterval = 30 * time.Second

// wsConn abstracts the WebSocket connection so Conn can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialOptions configures Dial.
type DialOptions struct {
	Header    http.Header
	ReadLimit int64
	Logger    *log.Logger
}

// Conn is a text-message channel. Send is safe for concurrent use.
type Conn struct {
	conn   wsConn
	logger *log.Logger

	writeMu sync.Mutex
}

// Dial opens the channel at url.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newConn(conn, opts), nil
}

func newConn(conn wsConn, opts DialOptions) *Conn {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	conn.SetReadLimit(opts.ReadLimit)
	return &Conn{conn: conn, logger: opts.Logger}
}

// Send writes one text message.
func (c *Conn) Send(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, []byte(text))
}

// Close closes the channel with a normal closure.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Handler receives channel lifecycle events. *session.Session
// satisfies it.
type Handler interface {
	HandleOpen(ctx context.Context) error
	HandleMessage(raw string) dispatch.Outcome
	HandleClose(code int, reason string)
	Sweep() []int64
	Auth() types.AuthState
}

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Run drives h from the connection until ctx is done, the peer closes,
// or the identity is rejected. A reader goroutine feeds a single loop
// that owns all calls into h, so h need not be safe for concurrent use.
//
// Run returns nil on normal closure or cancellation and
// session.ErrIdentityRejected when the server refuses the identity.
func (c *Conn) Run(ctx context.Context, h Handler, sweepInterval time.Duration) error {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inboundCh := make(chan inbound, 16)
	go func() {
		for {
			typ, data, err := c.conn.Read(readCtx)
			select {
			case inboundCh <- inbound{typ: typ, data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	if err := h.HandleOpen(ctx); err != nil {
		h.HandleClose(int(websocket.StatusInternalError), err.Error())
		_ = c.conn.Close(websocket.StatusInternalError, "open failed")
		return err
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.HandleClose(int(websocket.StatusNormalClosure), "client shutdown")
			_ = c.Close()
			return nil

		case <-ticker.C:
			h.Sweep()

		case msg := <-inboundCh:
			if msg.err != nil {
				if ctx.Err() != nil {
					h.HandleClose(int(websocket.StatusNormalClosure), "client shutdown")
					return nil
				}
				return c.closed(h, msg.err)
			}
			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("ignoring binary frame", map[string]any{"bytes": len(msg.data)})
				continue
			}
			h.HandleMessage(string(msg.data))

			if h.Auth() == types.AuthRejected {
				h.HandleClose(int(websocket.StatusPolicyViolation), "identity rejected")
				_ = c.conn.Close(websocket.StatusPolicyViolation, "identity rejected")
				return session.ErrIdentityRejected
			}
		}
	}
}

// closed reports the end of the read side to h.
func (c *Conn) closed(h Handler, err error) error {
	code := websocket.CloseStatus(err)
	var ce websocket.CloseError
	reason := ""
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	if code == -1 {
		h.HandleClose(int(websocket.StatusAbnormalClosure), err.Error())
		return fmt.Errorf("reading message: %w", err)
	}

	h.HandleClose(int(code), reason)
	if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
		return nil
	}
	return fmt.Errorf("channel closed: %w", err)
}
