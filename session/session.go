// Package session binds one channel connection to the protocol core.
//
// The connection collaborator drives it through HandleOpen,
// HandleMessage and HandleClose from a single goroutine; SendText and
// SendImage may be called from any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pithecene-io/camlink/dispatch"
	"github.com/pithecene-io/camlink/identity"
	"github.com/pithecene-io/camlink/log"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/transfer"
	"github.com/pithecene-io/camlink/types"
)

// RecentSize is the number of message lines kept by Recent.
const RecentSize = 5

// recentLineMax truncates long lines (chunk payloads) in Recent.
const recentLineMax = 160

var (
	// ErrNotOpen is returned when sending on a closed channel.
	ErrNotOpen = errors.New("channel is not open")
	// ErrEmptyMessage is returned by SendText for blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrIdentityRejected is reported when the server refuses the identity.
	ErrIdentityRejected = errors.New("identity rejected by server")
)

// DefaultRejectMarkers are substrings (case-insensitive) of the server's
// reply when it refuses the identity token.
var DefaultRejectMarkers = []string{"INVALID_ID", "invalid server id", "invalid id"}

// Config configures a Session.
type Config struct {
	// SessionID correlates logs; generated when empty.
	SessionID string
	// Identity is sent on open and used for filtering and as envelope prefix.
	Identity string
	// MatchPolicy selects substring or exact identity matching.
	MatchPolicy identity.Policy
	// RejectMarkers override DefaultRejectMarkers when non-empty.
	RejectMarkers []string
	// Sender configures outbound chunking.
	Sender transfer.SenderConfig
	// Reassembler configures inbound reassembly.
	Reassembler transfer.ReassemblerConfig
	// Observer receives images and status updates.
	Observer dispatch.Observer
	Logger   *log.Logger
	Metrics  *metrics.Collector
}

// SendResult describes a completed image send.
type SendResult struct {
	TransferID   int64         `json:"transfer_id" yaml:"transfer_id"`
	Mime         string        `json:"mime" yaml:"mime"`
	Mode         transfer.Mode `json:"mode" yaml:"mode"`
	Messages     int           `json:"messages" yaml:"messages"`
	Chunks       int           `json:"chunks" yaml:"chunks"`
	Bytes        int64         `json:"bytes" yaml:"bytes"`
	EncodedBytes int           `json:"encoded_bytes" yaml:"encoded_bytes"`
}

// Session is the per-connection protocol state.
type Session struct {
	id            string
	identity      string
	rejectMarkers []string
	senderCfg     transfer.SenderConfig
	transport     transfer.Transport
	dispatcher    *dispatch.Dispatcher
	observer      dispatch.Observer
	logger        *log.Logger
	metrics       *metrics.Collector

	nextTransferID atomic.Int64

	opened     chan struct{}
	openedOnce sync.Once

	mu          sync.Mutex
	open        bool
	auth        types.AuthState
	authDecided chan struct{}
	recent      []string
	inFlight    []transfer.Progress
}

// New creates a session that writes through transport.
func New(cfg Config, transport transfer.Transport) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session requires a transport")
	}
	if err := identity.Validate(cfg.Identity); err != nil {
		return nil, err
	}
	if err := cfg.Sender.Validate(); err != nil {
		return nil, fmt.Errorf("sender config: %w", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if len(cfg.RejectMarkers) == 0 {
		cfg.RejectMarkers = DefaultRejectMarkers
	}
	if cfg.Observer == nil {
		cfg.Observer = dispatch.ObserverFuncs{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	markers := make([]string, len(cfg.RejectMarkers))
	for i, m := range cfg.RejectMarkers {
		markers[i] = strings.ToLower(m)
	}

	s := &Session{
		id:            cfg.SessionID,
		identity:      cfg.Identity,
		rejectMarkers: markers,
		senderCfg:     cfg.Sender,
		transport:     transport,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		opened:        make(chan struct{}),
		dispatcher: dispatch.New(dispatch.Config{
			Filter:      identity.NewFilter(cfg.Identity, cfg.MatchPolicy),
			Reassembler: transfer.NewReassembler(cfg.Reassembler),
			Observer:    cfg.Observer,
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
		}),
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the configured identity.
func (s *Session) Identity() string {
	return s.identity
}

// HandleOpen marks the channel open and presents the identity token.
func (s *Session) HandleOpen(ctx context.Context) error {
	s.mu.Lock()
	s.open = true
	s.auth = types.AuthNone
	s.authDecided = make(chan struct{})
	if s.identity == "" {
		close(s.authDecided)
	} else {
		s.auth = types.AuthPending
	}
	s.mu.Unlock()
	s.openedOnce.Do(func() { close(s.opened) })

	s.logger.Info("channel open", nil)
	s.observer.OnStatus(types.StatusConnection, "connected")

	if s.identity == "" {
		return nil
	}
	if err := s.transport.Send(ctx, s.identity); err != nil {
		s.metrics.IncSendFailure()
		return fmt.Errorf("sending identity: %w", err)
	}
	s.metrics.AddMessagesSent(1)
	return nil
}

// HandleMessage processes one inbound message to completion.
func (s *Session) HandleMessage(raw string) dispatch.Outcome {
	if proceed := s.checkAuth(raw); !proceed {
		return dispatch.Outcome{Kind: types.KindText, Dropped: true}
	}

	out := s.dispatcher.Dispatch(raw)
	if !out.Filtered {
		s.remember("[RECEIVED] " + raw)
	}
	if out.Kind.IsChunkProtocol() {
		s.publishInFlight()
	}
	return out
}

// checkAuth applies the auth transition for the first reply after the
// identity token. It returns false when the message must not be dispatched.
func (s *Session) checkAuth(raw string) bool {
	s.mu.Lock()
	state := s.auth
	if state == types.AuthPending {
		if s.isRejection(raw) {
			s.auth = types.AuthRejected
		} else {
			s.auth = types.AuthAuthenticated
		}
		close(s.authDecided)
	}
	next := s.auth
	s.mu.Unlock()

	switch {
	case state == types.AuthPending && next == types.AuthRejected:
		s.logger.Warn("identity rejected", map[string]any{"reply": raw})
		s.remember("[RECEIVED] " + raw)
		s.observer.OnStatus(types.StatusAuth, "identity rejected: "+raw)
		return false
	case state == types.AuthPending:
		s.logger.Info("identity accepted", nil)
		s.observer.OnStatus(types.StatusAuth, "authenticated")
	case state == types.AuthRejected:
		return false
	}
	return true
}

func (s *Session) isRejection(raw string) bool {
	lower := strings.ToLower(raw)
	for _, m := range s.rejectMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// HandleClose marks the channel closed and discards in-flight transfers.
func (s *Session) HandleClose(code int, reason string) {
	s.mu.Lock()
	s.open = false
	if s.auth == types.AuthPending {
		close(s.authDecided)
	}
	if s.auth != types.AuthRejected {
		s.auth = types.AuthNone
	}
	s.mu.Unlock()

	s.dispatcher.Reset()
	s.publishInFlight()
	s.logger.Info("channel closed", map[string]any{"code": code, "reason": reason})

	text := fmt.Sprintf("closed (%d)", code)
	if reason != "" {
		text += ": " + reason
	}
	s.observer.OnStatus(types.StatusConnection, text)
}

// Sweep evicts stale in-flight transfers. It must be called from the
// goroutine that calls HandleMessage.
func (s *Session) Sweep() []int64 {
	evicted := s.dispatcher.Sweep()
	if len(evicted) > 0 {
		s.publishInFlight()
	}
	return evicted
}

// WaitAuth blocks until the channel has opened and the identity
// handshake is decided, the channel closes, or ctx is done.
func (s *Session) WaitAuth(ctx context.Context) (types.AuthState, error) {
	select {
	case <-s.opened:
	case <-ctx.Done():
		return s.Auth(), ctx.Err()
	}

	s.mu.Lock()
	ch := s.authDecided
	s.mu.Unlock()

	select {
	case <-ch:
		return s.Auth(), nil
	case <-ctx.Done():
		return s.Auth(), ctx.Err()
	}
}

// Auth returns the current auth state.
func (s *Session) Auth() types.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// IsOpen returns true between HandleOpen and HandleClose.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// SendText sends one free-text line.
func (s *Session) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if err := s.transport.Send(ctx, text); err != nil {
		s.metrics.IncSendFailure()
		return fmt.Errorf("sending text: %w", err)
	}
	s.metrics.AddMessagesSent(1)
	s.remember("[SENT] " + text)
	return nil
}

// SendImage sends data under a fresh transfer id, single-shot or chunked.
func (s *Session) SendImage(ctx context.Context, data []byte, mime string) (SendResult, error) {
	if !s.IsOpen() {
		return SendResult{}, ErrNotOpen
	}

	id := s.nextTransferID.Add(1)
	plan, err := transfer.NewPlan(s.identity, id, mime, data, s.senderCfg)
	if err != nil {
		return SendResult{}, err
	}

	res := SendResult{
		TransferID:   id,
		Mime:         mime,
		Mode:         plan.Mode(),
		Chunks:       plan.TotalChunks(),
		Bytes:        int64(len(data)),
		EncodedBytes: len(plan.Descriptor().EncodedData),
	}

	sent, err := transfer.Send(ctx, s.transport, plan)
	res.Messages = sent
	s.metrics.AddMessagesSent(sent)
	if err != nil {
		s.metrics.IncSendFailure()
		s.logger.Error("image send failed", map[string]any{
			"transfer_id": id,
			"sent":        sent,
			"planned":     plan.Len(),
			"error":       err.Error(),
		})
		return res, err
	}

	s.metrics.IncImageSent(plan.Mode() == transfer.ModeChunked)
	s.logger.Info("image sent", map[string]any{
		"transfer_id": id,
		"mode":        string(plan.Mode()),
		"messages":    sent,
		"bytes":       len(data),
	})
	s.remember(fmt.Sprintf("[SENT] image #%d (%s, %d bytes, %d messages)", id, mime, len(data), sent))
	return res, nil
}

// Recent returns the last RecentSize message lines, newest first.
func (s *Session) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recent))
	copy(out, s.recent)
	return out
}

// InFlight returns the transfers being reassembled as of the last
// chunk-protocol message, ordered by transfer id. Safe from any goroutine.
func (s *Session) InFlight() []transfer.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.inFlight)
}

// publishInFlight copies the reassembler's table for InFlight. Loop
// goroutine only.
func (s *Session) publishInFlight() {
	p := s.dispatcher.InFlight()
	s.mu.Lock()
	s.inFlight = p
	s.mu.Unlock()
}

func (s *Session) remember(line string) {
	if len(line) > recentLineMax {
		cut := recentLineMax
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "…"
	}
	s.mu.Lock()
	s.recent = append([]string{line}, s.recent...)
	if len(s.recent) > RecentSize {
		s.recent = s.recent[:RecentSize]
	}
	s.mu.Unlock()
}
