package dispatch

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pithecene-io/camlink/identity"
	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/transfer"
	"github.com/pithecene-io/camlink/types"
)

type statusEvent struct {
	kind types.StatusKind
	text string
}

// recorder captures observer callbacks.
type recorder struct {
	images   []types.CompletedImage
	statuses []statusEvent
}

func (r *recorder) OnImage(img types.CompletedImage) { r.images = append(r.images, img) }

func (r *recorder) OnStatus(kind types.StatusKind, text string) {
	r.statuses = append(r.statuses, statusEvent{kind, text})
}

func newTestDispatcher(own string) (*Dispatcher, *recorder, *metrics.Collector) {
	rec := &recorder{}
	m := metrics.NewCollector("test", own)
	d := New(Config{
		Filter:   identity.NewFilter(own, identity.PolicySubstring),
		Observer: rec,
		Metrics:  m,
	})
	return d, rec, m
}

// lines collects the sender's output for a payload.
type lines []string

func (l *lines) Send(_ context.Context, text string) error {
	*l = append(*l, text)
	return nil
}

func planLines(t *testing.T, identity string, id int64, data []byte, cfg transfer.SenderConfig) []string {
	t.Helper()
	plan, err := transfer.NewPlan(identity, id, "image/jpeg", data, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var out lines
	if _, err := transfer.Send(t.Context(), &out, plan); err != nil {
		t.Fatalf("send: %v", err)
	}
	return out
}

func TestDispatch_ChunkedTransferCompletes(t *testing.T) {
	d, rec, m := newTestDispatcher("cam7")
	data := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 5000)

	for _, line := range planLines(t, "cam7", 11, data, transfer.SenderConfig{ChunkSize: 4000, SingleShotLimit: 5000}) {
		d.Dispatch(line)
	}

	if len(rec.images) != 1 {
		t.Fatalf("images = %d, want 1", len(rec.images))
	}
	img := rec.images[0]
	if !bytes.Equal(img.Data, data) || img.TransferID != 11 || !img.Chunked {
		t.Errorf("unexpected image %d bytes id=%d chunked=%v", len(img.Data), img.TransferID, img.Chunked)
	}

	s := m.Snapshot()
	if s.TransfersBegun != 1 || s.TransfersCompleted != 1 || s.ImagesReceived != 1 {
		t.Errorf("unexpected metrics %+v", s)
	}
}

func TestDispatch_SingleShotBypassesReassembler(t *testing.T) {
	d, rec, m := newTestDispatcher("cam7")
	data := []byte("tiny image")

	out := planLines(t, "cam7", 2, data, transfer.SenderConfig{})
	if len(out) != 1 {
		t.Fatalf("expected a single message, got %d", len(out))
	}
	res := d.Dispatch(out[0])

	if res.Kind != types.KindImage || res.Image == nil {
		t.Fatalf("unexpected outcome %+v", res)
	}
	if len(rec.images) != 1 || !bytes.Equal(rec.images[0].Data, data) || rec.images[0].Chunked {
		t.Fatalf("unexpected images %+v", rec.images)
	}
	if got := d.InFlight(); len(got) != 0 {
		t.Errorf("reassembler must not be touched: %+v", got)
	}
	if s := m.Snapshot(); s.ImagesSingleShot != 1 || s.TransfersBegun != 0 || s.ChunksReceived != 0 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestDispatch_IdentityFiltering(t *testing.T) {
	d, rec, m := newTestDispatcher("cam7")

	tests := []struct {
		raw          string
		wantFiltered bool
	}{
		{`cam8 {"type":"arduino_status","message":"STATUS:READY:x"}`, true},
		{`{"type":"arduino_status","message":"STATUS:READY:x"}`, true},
		{`IMG_B64_BEGIN {"frameId":1,"mime":"a","bytes":1,"total":1}`, true},
		{`cam70 {"type":"arduino_status","message":"STATUS:OK:y"}`, false},
		{`cam7 {"type":"arduino_status","message":"STATUS:READY:z"}`, false},
		{"hello to cam7", false},
		{"hello to cam8", true},
	}

	for _, tt := range tests {
		res := d.Dispatch(tt.raw)
		if res.Filtered != tt.wantFiltered {
			t.Errorf("Dispatch(%q).Filtered = %v, want %v", tt.raw, res.Filtered, tt.wantFiltered)
		}
	}

	if len(rec.statuses) != 3 {
		t.Errorf("statuses = %v, want 3 accepted", rec.statuses)
	}
	if got := m.Snapshot().MessagesFiltered; got != 4 {
		t.Errorf("MessagesFiltered = %d, want 4", got)
	}
}

func TestDispatch_StatusKinds(t *testing.T) {
	d, rec, _ := newTestDispatcher("")

	d.Dispatch(`{"type":"arduino_status","message":"STATUS:READY:camera up"}`)
	d.Dispatch(`{"type":"arduino_status","message":"STATUS:ERROR:no sensor"}`)
	d.Dispatch(`{"type":"arduino_status","message":"STATUS:OK:captured"}`)
	d.Dispatch(`{"type":"arduino_status","message":"STATUS:BOOT:starting"}`)
	d.Dispatch(`{"type":"arduino_status","message":"rebooting"}`)
	d.Dispatch("plain server line")

	want := []statusEvent{
		{types.StatusReady, "camera up"},
		{types.StatusError, "no sensor"},
		{types.StatusOK, "captured"},
		{types.StatusDevice, "STATUS:BOOT:starting"},
		{types.StatusDevice, "rebooting"},
		{types.StatusText, "plain server line"},
	}
	if len(rec.statuses) != len(want) {
		t.Fatalf("statuses = %v", rec.statuses)
	}
	for i, w := range want {
		if rec.statuses[i] != w {
			t.Errorf("status %d = %+v, want %+v", i, rec.statuses[i], w)
		}
	}
}

func TestDispatch_MalformedChunkCommandDropped(t *testing.T) {
	d, rec, m := newTestDispatcher("")

	res := d.Dispatch("IMG_B64_CHUNK {broken")
	if !res.Dropped {
		t.Error("malformed chunk command should be dropped")
	}
	if len(rec.statuses) != 0 {
		t.Errorf("malformed chunk command must not surface as text: %v", rec.statuses)
	}
	if m.Snapshot().FrameDecodeErrors != 1 {
		t.Error("decode error not counted")
	}
}

func TestDispatch_ChunkWithoutBeginDropped(t *testing.T) {
	d, rec, _ := newTestDispatcher("")

	res := d.Dispatch(`IMG_B64_CHUNK {"frameId":5,"index":0,"data":"QUJD"}`)
	if !res.Dropped || res.Kind != types.KindChunk {
		t.Errorf("unexpected outcome %+v", res)
	}
	res = d.Dispatch(`IMG_B64_END {"frameId":5}`)
	if !res.Dropped {
		t.Error("end without begin should be dropped")
	}
	if len(rec.images)+len(rec.statuses) != 0 {
		t.Error("no callbacks expected")
	}
}

func TestDispatch_InvalidSingleShotData(t *testing.T) {
	d, rec, _ := newTestDispatcher("")

	res := d.Dispatch(`{"type":"image_b64","frameId":1,"mime":"image/png","bytes":3,"data":"@@@"}`)
	if res.Image != nil || !res.Dropped {
		t.Errorf("unexpected outcome %+v", res)
	}
	if len(rec.statuses) != 1 || rec.statuses[0].kind != types.StatusError {
		t.Errorf("expected one error status, got %v", rec.statuses)
	}
}

func TestDispatch_CorruptChunkedPayloadReportsError(t *testing.T) {
	d, rec, _ := newTestDispatcher("")
	d.Dispatch(`IMG_B64_BEGIN {"frameId":3,"mime":"image/png","bytes":3,"total":1}`)
	d.Dispatch(`IMG_B64_CHUNK {"frameId":3,"index":0,"data":"Q*JD"}`)

	if len(rec.images) != 0 {
		t.Error("corrupt payload must not produce an image")
	}
	if len(rec.statuses) != 1 || rec.statuses[0].kind != types.StatusError {
		t.Errorf("expected error status, got %v", rec.statuses)
	}
}

func TestDispatch_InterleavedWithUnrelatedTraffic(t *testing.T) {
	d, rec, _ := newTestDispatcher("cam7")
	data := bytes.Repeat([]byte("frame"), 3000)
	ours := planLines(t, "cam7", 1, data, transfer.SenderConfig{ChunkSize: 2000, SingleShotLimit: 100})
	theirs := planLines(t, "cam9", 1, bytes.Repeat([]byte("other"), 3000), transfer.SenderConfig{ChunkSize: 2000, SingleShotLimit: 100})

	for i := range max(len(ours), len(theirs)) {
		if i < len(theirs) {
			d.Dispatch(theirs[i])
		}
		d.Dispatch("server heartbeat")
		if i < len(ours) {
			d.Dispatch(ours[i])
		}
	}

	if len(rec.images) != 1 || !bytes.Equal(rec.images[0].Data, data) {
		t.Fatalf("expected exactly our image, got %d images", len(rec.images))
	}
}

func TestDispatch_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := transfer.NewReassembler(transfer.ReassemblerConfig{
		StaleTimeout: time.Minute,
		Now:          func() time.Time { return now },
	})
	d := New(Config{Reassembler: r})
	d.Dispatch(`IMG_B64_BEGIN {"frameId":9,"mime":"image/png","bytes":3,"total":2}`)

	if evicted := d.Sweep(); len(evicted) != 0 {
		t.Fatalf("fresh transfer evicted: %v", evicted)
	}
	now = now.Add(2 * time.Minute)

	evicted := d.Sweep()
	if len(evicted) != 1 || evicted[0] != 9 {
		t.Errorf("evicted = %v, want [9]", evicted)
	}
}

func TestObserverFuncs_NilSafe(t *testing.T) {
	var f ObserverFuncs
	f.OnImage(types.CompletedImage{})
	f.OnStatus(types.StatusText, "x")

	var got string
	f.Status = func(_ types.StatusKind, text string) { got = text }
	f.OnStatus(types.StatusText, "y")
	if got != "y" {
		t.Errorf("got %q", got)
	}
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	obs := Observers{a, b}

	obs.OnImage(types.CompletedImage{TransferID: 1})
	obs.OnStatus(types.StatusReady, "up")

	for i, r := range []*recorder{a, b} {
		if len(r.images) != 1 || len(r.statuses) != 1 {
			t.Errorf("observer %d: images=%d statuses=%d", i, len(r.images), len(r.statuses))
		}
	}
}
