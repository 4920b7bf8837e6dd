package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pithecene-io/camlink/dispatch"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/transfer"
	"github.com/pithecene-io/camlink/types"
)

// wire records every outbound message.
type wire struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (w *wire) Send(_ context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, text)
	return nil
}

func (w *wire) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.sent...)
}

type statusEvent struct {
	kind types.StatusKind
	text string
}

type recorder struct {
	images   []types.CompletedImage
	statuses []statusEvent
}

func (r *recorder) observer() dispatch.Observer {
	return dispatch.ObserverFuncs{
		Image: func(img types.CompletedImage) { r.images = append(r.images, img) },
		Status: func(kind types.StatusKind, text string) {
			r.statuses = append(r.statuses, statusEvent{kind, text})
		},
	}
}

func (r *recorder) has(kind types.StatusKind, substr string) bool {
	for _, s := range r.statuses {
		if s.kind == kind && strings.Contains(s.text, substr) {
			return true
		}
	}
	return false
}

func newTestSession(t *testing.T, id string) (*Session, *wire, *recorder) {
	t.Helper()
	w := &wire{}
	rec := &recorder{}
	s, err := New(Config{
		SessionID: "test-session",
		Identity:  id,
		Observer:  rec.observer(),
		Metrics:   metrics.NewCollector("test-session", id),
	}, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, w, rec
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := New(Config{Identity: "has space"}, &wire{}); err == nil {
		t.Error("expected error for identity with whitespace")
	}
	s, err := New(Config{}, &wire{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ID() == "" {
		t.Error("expected generated session id")
	}
}

func TestHandleOpen_SendsIdentity(t *testing.T) {
	s, w, rec := newTestSession(t, "cam1")

	if err := s.HandleOpen(t.Context()); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
	if got := w.lines(); len(got) != 1 || got[0] != "cam1" {
		t.Errorf("sent = %v, want [cam1]", got)
	}
	if s.Auth() != types.AuthPending {
		t.Errorf("auth = %v, want pending", s.Auth())
	}
	if !s.IsOpen() {
		t.Error("expected open")
	}
	if !rec.has(types.StatusConnection, "connected") {
		t.Errorf("missing connection status: %v", rec.statuses)
	}
}

func TestHandleOpen_NoIdentity(t *testing.T) {
	s, w, _ := newTestSession(t, "")

	if err := s.HandleOpen(t.Context()); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
	if got := w.lines(); len(got) != 0 {
		t.Errorf("sent = %v, want nothing", got)
	}
	if s.Auth() != types.AuthNone {
		t.Errorf("auth = %v, want none", s.Auth())
	}
	state, err := s.WaitAuth(t.Context())
	if err != nil || state != types.AuthNone {
		t.Errorf("WaitAuth = %v, %v", state, err)
	}
}

func TestAuth_Accepted(t *testing.T) {
	s, _, rec := newTestSession(t, "cam1")
	_ = s.HandleOpen(t.Context())

	s.HandleMessage("cam1 hello")

	if s.Auth() != types.AuthAuthenticated {
		t.Errorf("auth = %v, want authenticated", s.Auth())
	}
	if !rec.has(types.StatusAuth, "authenticated") {
		t.Errorf("missing auth status: %v", rec.statuses)
	}
	state, err := s.WaitAuth(t.Context())
	if err != nil || state != types.AuthAuthenticated {
		t.Errorf("WaitAuth = %v, %v", state, err)
	}
}

func TestAuth_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"marker", "INVALID_ID"},
		{"lowercase phrase", "error: invalid server id"},
		{"mixed case", "Invalid Server ID supplied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, rec := newTestSession(t, "cam1")
			_ = s.HandleOpen(t.Context())

			out := s.HandleMessage(tt.reply)
			if !out.Dropped {
				t.Error("rejection reply should not be dispatched")
			}
			if s.Auth() != types.AuthRejected {
				t.Errorf("auth = %v, want rejected", s.Auth())
			}
			if !rec.has(types.StatusAuth, "identity rejected") {
				t.Errorf("missing rejection status: %v", rec.statuses)
			}

			// Later messages are ignored.
			s.HandleMessage(`cam1 {"type":"image_b64","frameId":1,"mime":"image/png","bytes":3,"data":"AQID"}`)
			if len(rec.images) != 0 {
				t.Error("image delivered after rejection")
			}
		})
	}
}

func TestAuth_CustomMarkers(t *testing.T) {
	rec := &recorder{}
	s, err := New(Config{
		Identity:      "cam1",
		RejectMarkers: []string{"DENIED"},
		Observer:      rec.observer(),
	}, &wire{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.HandleOpen(t.Context())

	s.HandleMessage("cam1 INVALID_ID is fine here")
	if s.Auth() != types.AuthAuthenticated {
		t.Errorf("auth = %v, want authenticated with custom markers", s.Auth())
	}
}

func TestWaitAuth_ContextCanceled(t *testing.T) {
	s, _, _ := newTestSession(t, "cam1")
	_ = s.HandleOpen(t.Context())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	state, err := s.WaitAuth(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if state != types.AuthPending {
		t.Errorf("state = %v, want pending", state)
	}
}

func TestWaitAuth_WaitsForOpen(t *testing.T) {
	s, _, _ := newTestSession(t, "cam1")

	done := make(chan types.AuthState, 1)
	go func() {
		state, _ := s.WaitAuth(context.Background())
		done <- state
	}()

	select {
	case <-done:
		t.Fatal("WaitAuth returned before open")
	case <-time.After(20 * time.Millisecond):
	}

	_ = s.HandleOpen(t.Context())
	s.HandleMessage("cam1 ok")

	select {
	case state := <-done:
		if state != types.AuthAuthenticated {
			t.Errorf("state = %v, want authenticated", state)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAuth not unblocked")
	}
}

func TestWaitAuth_UnblockedByClose(t *testing.T) {
	s, _, _ := newTestSession(t, "cam1")
	_ = s.HandleOpen(t.Context())

	done := make(chan types.AuthState, 1)
	go func() {
		state, _ := s.WaitAuth(context.Background())
		done <- state
	}()

	s.HandleClose(1006, "")
	select {
	case state := <-done:
		if state != types.AuthNone {
			t.Errorf("state = %v, want none", state)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAuth not unblocked by close")
	}
}

func TestSendText(t *testing.T) {
	s, w, _ := newTestSession(t, "")

	if err := s.SendText(t.Context(), "hello"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}

	_ = s.HandleOpen(t.Context())

	if err := s.SendText(t.Context(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if err := s.SendText(t.Context(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := w.lines(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("sent = %v", got)
	}
	if got := s.Recent(); len(got) != 1 || got[0] != "[SENT] hello" {
		t.Errorf("recent = %v", got)
	}
}

func TestSendText_TransportError(t *testing.T) {
	s, w, _ := newTestSession(t, "")
	_ = s.HandleOpen(t.Context())
	w.err = errors.New("broken pipe")

	if err := s.SendText(t.Context(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if got := s.metrics.Snapshot().SendFailures; got != 1 {
		t.Errorf("SendFailures = %d, want 1", got)
	}
}

func TestRecent_KeepsNewestFive(t *testing.T) {
	s, _, _ := newTestSession(t, "")
	_ = s.HandleOpen(t.Context())

	for _, text := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		s.HandleMessage(text)
	}

	got := s.Recent()
	want := []string{"[RECEIVED] g", "[RECEIVED] f", "[RECEIVED] e", "[RECEIVED] d", "[RECEIVED] c"}
	if len(got) != len(want) {
		t.Fatalf("recent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecent_SkipsFiltered(t *testing.T) {
	s, _, _ := newTestSession(t, "cam1")
	_ = s.HandleOpen(t.Context())
	s.HandleMessage("cam1 ok") // decides auth

	s.HandleMessage("cam2 not for us")
	for _, line := range s.Recent() {
		if strings.Contains(line, "cam2") {
			t.Errorf("filtered message recorded: %q", line)
		}
	}
}

func TestRecent_TruncatesOnRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"ascii", strings.Repeat("a", 400)},
		{"two-byte", strings.Repeat("é", 200)},
		{"three-byte", "a" + strings.Repeat("€", 150)},
		{"four-byte", "ab" + strings.Repeat("😀", 100)},
		{"four-byte shifted", "abc" + strings.Repeat("😀", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSession(t, "")
			_ = s.HandleOpen(t.Context())
			s.HandleMessage(tt.text)

			got := s.Recent()[0]
			if !utf8.ValidString(got) {
				t.Errorf("line is not valid UTF-8: %q", got)
			}
			if !strings.HasSuffix(got, "…") {
				t.Errorf("line not marked truncated: %q", got)
			}
			body := strings.TrimSuffix(got, "…")
			if len(body) > recentLineMax || len(body) < recentLineMax-3 {
				t.Errorf("kept %d bytes, want within a rune of %d", len(body), recentLineMax)
			}
			if !strings.HasPrefix("[RECEIVED] "+tt.text, body) {
				t.Errorf("truncated line is not a prefix of the message")
			}
		})
	}
}

func TestInFlight_TracksChunkProtocol(t *testing.T) {
	s, _, rec := newTestSession(t, "")
	_ = s.HandleOpen(t.Context())

	s.HandleMessage(`IMG_B64_BEGIN {"frameId":8,"mime":"image/png","bytes":3,"total":2}`)
	if got := s.InFlight(); len(got) != 1 || got[0].Received != 0 || got[0].Mime != "image/png" {
		t.Fatalf("after begin = %+v", got)
	}
	s.HandleMessage(`IMG_B64_CHUNK {"frameId":8,"index":1,"data":"ID"}`)
	if got := s.InFlight(); len(got) != 1 || got[0].Received != 1 || got[0].Total != 2 {
		t.Fatalf("after chunk = %+v", got)
	}
	s.HandleMessage(`IMG_B64_CHUNK {"frameId":8,"index":0,"data":"AQ"}`)
	if got := s.InFlight(); len(got) != 0 {
		t.Errorf("after completion = %+v", got)
	}
	if len(rec.images) != 1 {
		t.Errorf("images = %d, want 1", len(rec.images))
	}
}

func TestSendImage_Loopback(t *testing.T) {
	sender, w, _ := newTestSession(t, "cam1")
	receiver, _, rec := newTestSession(t, "cam1")
	sender.senderCfg = transfer.SenderConfig{ChunkSize: 60000, SingleShotLimit: 100000}

	_ = sender.HandleOpen(t.Context())
	_ = receiver.HandleOpen(t.Context())
	receiver.HandleMessage("cam1 welcome")

	data := bytes.Repeat([]byte{0xAB, 0x01, 0x7F}, 50000) // 150000 bytes
	res, err := sender.SendImage(t.Context(), data, "image/jpeg")
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	if res.Mode != transfer.ModeChunked {
		t.Errorf("mode = %v, want chunked", res.Mode)
	}
	if res.Chunks != 4 {
		t.Errorf("chunks = %d, want 4", res.Chunks)
	}
	if res.Messages != 6 {
		t.Errorf("messages = %d, want 6", res.Messages)
	}

	// First line is the identity token from HandleOpen.
	for _, line := range w.lines()[1:] {
		receiver.HandleMessage(line)
	}

	if len(rec.images) != 1 {
		t.Fatalf("images = %d, want 1", len(rec.images))
	}
	img := rec.images[0]
	if img.TransferID != res.TransferID || !img.Chunked || !bytes.Equal(img.Data, data) {
		t.Errorf("image mismatch: id=%d chunked=%v len=%d", img.TransferID, img.Chunked, len(img.Data))
	}
}

func TestSendImage_SingleShotAndIDs(t *testing.T) {
	s, w, _ := newTestSession(t, "cam1")
	_ = s.HandleOpen(t.Context())

	first, err := s.SendImage(t.Context(), []byte{1, 2, 3}, "image/png")
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	second, err := s.SendImage(t.Context(), []byte{4, 5, 6}, "image/png")
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	if first.Mode != transfer.ModeSingle || first.Messages != 1 {
		t.Errorf("first = %+v, want one single-shot message", first)
	}
	if second.TransferID <= first.TransferID {
		t.Errorf("transfer ids not increasing: %d then %d", first.TransferID, second.TransferID)
	}
	if got := len(w.lines()); got != 3 {
		t.Errorf("lines = %d, want 3", got)
	}
}

func TestSendImage_NotOpen(t *testing.T) {
	s, _, _ := newTestSession(t, "cam1")
	if _, err := s.SendImage(t.Context(), []byte{1}, "image/png"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}

func TestHandleClose_ResetsTransfers(t *testing.T) {
	s, _, rec := newTestSession(t, "")
	_ = s.HandleOpen(t.Context())

	s.HandleMessage(`IMG_B64_BEGIN {"frameId":5,"mime":"image/png","bytes":3,"total":2}`)
	s.HandleMessage(`IMG_B64_CHUNK {"frameId":5,"index":0,"data":"AQ"}`)
	if got := s.InFlight(); len(got) != 1 || got[0].TransferID != 5 || got[0].Received != 1 || got[0].Total != 2 {
		t.Fatalf("in flight = %+v, want transfer 5 at 1/2", got)
	}

	s.HandleClose(1000, "bye")

	if s.IsOpen() {
		t.Error("expected closed")
	}
	if got := s.InFlight(); len(got) != 0 {
		t.Errorf("in flight after close = %+v", got)
	}
	if !rec.has(types.StatusConnection, "closed (1000): bye") {
		t.Errorf("missing close status: %v", rec.statuses)
	}

	// A chunk for the discarded transfer after reconnect is dropped.
	_ = s.HandleOpen(t.Context())
	s.HandleMessage(`IMG_B64_CHUNK {"frameId":5,"index":1,"data":"Aw=="}`)
	if len(rec.images) != 0 {
		t.Error("image completed from a discarded transfer")
	}
}
