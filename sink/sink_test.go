package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/camlink/metrics"
	"github.com/pithecene-io/camlink/types"
)

func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func testRecord() Record {
	return Record{
		Image: types.CompletedImage{
			TransferID:    42,
			Mime:          "image/jpeg",
			Data:          []byte{0xFF, 0xD8, 0xFF, 0xE0},
			DeclaredBytes: 4,
			Chunked:       true,
		},
		SessionID:  "sess-1",
		Identity:   "cam1",
		ReceivedAt: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestImagePath(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Record)
		want string
	}{
		{"plain", func(*Record) {},
			"images/identity=cam1/day=2026-03-01/session=sess-1/frame_42_1772368200000000000.jpg"},
		{"no identity", func(r *Record) { r.Identity = ""; r.Image.Mime = "image/png" },
			"images/identity=_/day=2026-03-01/session=sess-1/frame_42_1772368200000000000.png"},
		{"server id", func(r *Record) { r.Image.ServerID = "yard/2" },
			"images/identity=cam1/day=2026-03-01/session=sess-1/frame_42_yard_2_1772368200000000000.jpg"},
		{"sub-second receive", func(r *Record) { r.ReceivedAt = r.ReceivedAt.Add(7) },
			"images/identity=cam1/day=2026-03-01/session=sess-1/frame_42_1772368200000000007.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord()
			tt.edit(&rec)
			if got := ImagePath(rec); got != tt.want {
				t.Errorf("ImagePath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImagePath_SanitizesPartitions(t *testing.T) {
	rec := testRecord()
	rec.Identity = "../a/b=c"
	rec.Image.ServerID = "../../etc"
	got := ImagePath(rec)
	if strings.Contains(got, "..") || strings.Count(got, "/") != 4 {
		t.Errorf("unsafe path %q", got)
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/jpeg", ".jpg"},
		{"image/png", ".png"},
		{"image/webp", ".webp"},
		{"image/jpeg; charset=binary", ".jpg"},
		{"", ".bin"},
		{"application/x-camlink-unknown", ".bin"},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := Extension(tt.mime); got != tt.want {
				t.Errorf("Extension(%q) = %q, want %q", tt.mime, got, tt.want)
			}
		})
	}
}

func TestLodeSink_PutRoundTrip(t *testing.T) {
	store := lode.NewMemory()
	s, err := NewSinkWithFactory(sharedFactory(store))
	if err != nil {
		t.Fatalf("NewSinkWithFactory: %v", err)
	}

	rec := testRecord()
	path, err := s.Put(t.Context(), rec)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if path != ImagePath(rec) {
		t.Errorf("path = %q, want %q", path, ImagePath(rec))
	}

	data, err := s.Get(t.Context(), path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, rec.Image.Data) {
		t.Errorf("data = %x, want %x", data, rec.Image.Data)
	}

	meta, err := s.ReadMetadata(t.Context(), path)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.TransferID != 42 || meta.Mime != "image/jpeg" || !meta.Chunked || meta.Bytes != 4 {
		t.Errorf("meta = %+v", meta)
	}
	if !meta.ReceivedAt.Equal(rec.ReceivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", meta.ReceivedAt, rec.ReceivedAt)
	}
}

func TestLodeSink_SameTransferIDKeepsBoth(t *testing.T) {
	tests := []struct {
		name   string
		second func(*Record)
	}{
		{"same instant", func(*Record) {}},
		{"later receive", func(r *Record) { r.ReceivedAt = r.ReceivedAt.Add(time.Second) }},
		{"other sender", func(r *Record) { r.Image.ServerID = "cam2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSinkWithFactory(sharedFactory(lode.NewMemory()))
			if err != nil {
				t.Fatalf("NewSinkWithFactory: %v", err)
			}

			first := testRecord()
			first.Image.TransferID = 1
			first.Image.Data = []byte("first")
			second := first
			second.Image.Data = []byte("second")
			tt.second(&second)

			p1, err := s.Put(t.Context(), first)
			if err != nil {
				t.Fatalf("Put first: %v", err)
			}
			p2, err := s.Put(t.Context(), second)
			if err != nil {
				t.Fatalf("Put second: %v", err)
			}
			if p1 == p2 {
				t.Fatalf("both images stored at %q", p1)
			}

			for path, want := range map[string]string{p1: "first", p2: "second"} {
				data, err := s.Get(t.Context(), path)
				if err != nil {
					t.Fatalf("Get(%q): %v", path, err)
				}
				if string(data) != want {
					t.Errorf("Get(%q) = %q, want %q", path, data, want)
				}
				meta, err := s.ReadMetadata(t.Context(), path)
				if err != nil {
					t.Fatalf("ReadMetadata(%q): %v", path, err)
				}
				if meta.TransferID != 1 {
					t.Errorf("meta.TransferID = %d", meta.TransferID)
				}
			}
		})
	}
}

func TestLodeSink_IndexRecord(t *testing.T) {
	store := lode.NewMemory()
	factory := sharedFactory(store)
	s, err := NewSinkWithFactory(factory)
	if err != nil {
		t.Fatalf("NewSinkWithFactory: %v", err)
	}
	path, err := s.Put(t.Context(), testRecord())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ds, err := NewIndexDataset(factory)
	if err != nil {
		t.Fatalf("NewIndexDataset: %v", err)
	}
	latest, err := ds.Latest(t.Context())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	data, err := ds.Read(t.Context(), latest.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != 1 {
		t.Fatalf("index has %d records, want 1", len(data))
	}
	record, ok := data[0].(map[string]any)
	if !ok {
		t.Fatalf("record type = %T, want map[string]any", data[0])
	}
	if record["path"] != path {
		t.Errorf("path = %v, want %q", record["path"], path)
	}
	if record["identity"] != "cam1" {
		t.Errorf("identity = %v", record["identity"])
	}
}

func TestLodeSink_FS(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSSink(root)
	if err != nil {
		t.Fatalf("NewFSSink: %v", err)
	}
	path, err := s.Put(t.Context(), testRecord())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(root + "/" + path); err != nil {
		t.Errorf("image not on disk: %v", err)
	}
}

func TestLodeSink_FactoryError(t *testing.T) {
	boom := errors.New("dial tcp 10.0.0.1:443: connection refused")
	s := &LodeSink{storeFactory: func() (lode.Store, error) { return nil, boom }}

	_, err := s.Put(t.Context(), testRecord())
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
	if !errors.Is(err, boom) {
		t.Error("underlying error not in chain")
	}
}

type slowErr struct{}

func (slowErr) Error() string { return "slow" }
func (slowErr) Timeout() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("open /x: permission denied"), ErrPermissionDenied},
		{errors.New("NoSuchKey: the key does not exist"), ErrNotFound},
		{errors.New("write: no space left on device"), ErrDiskFull},
		{slowErr{}, ErrTimeout},
		{errors.New("SlowDown: reduce your request rate"), ErrThrottled},
		{errors.New("InvalidAccessKeyId"), ErrAuth},
		{errors.New("AccessDenied: Forbidden"), ErrAccessDenied},
		{errors.New("dial tcp: connection refused"), ErrNetwork},
		{errors.New("something odd"), errUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	if WrapWriteError(nil, "p") != nil || WrapReadError(nil, "p") != nil || WrapInitError(nil, "d") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrap_NoDoubleWrap(t *testing.T) {
	inner := WrapWriteError(errors.New("permission denied"), "a")
	outer := WrapReadError(inner, "b")
	var se *StorageError
	if !errors.As(outer, &se) || se.Op != "write" {
		t.Errorf("outer = %v, want original write error", outer)
	}
}

func TestStorageError_Message(t *testing.T) {
	err := WrapWriteError(fmt.Errorf("disk full"), "images/x.jpg")
	if !strings.HasPrefix(err.Error(), "write images/x.jpg:") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestInstrumentedSink(t *testing.T) {
	stub := NewStubSink()
	m := metrics.NewCollector("s", "cam1")
	s := NewInstrumentedSink(stub, m)

	if _, err := s.Put(context.Background(), testRecord()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stub.Err = errors.New("boom")
	if _, err := s.Put(context.Background(), testRecord()); err == nil {
		t.Fatal("expected error")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snap := m.Snapshot()
	if snap.SinkWriteSuccess != 1 || snap.SinkWriteFailure != 1 {
		t.Errorf("success=%d failure=%d, want 1/1", snap.SinkWriteSuccess, snap.SinkWriteFailure)
	}
	if len(stub.Records) != 1 || !stub.Closed() {
		t.Errorf("records=%d closed=%v", len(stub.Records), stub.Closed())
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/a/b", "bucket", "a/b"},
		{"s3://bucket/images/", "bucket", "images"},
		{"bucket//", "bucket", ""},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
		}
	}
}

func TestS3Config_Validate(t *testing.T) {
	c := S3Config{}
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
	c.Bucket = "a/b"
	if err := c.Validate(); err == nil {
		t.Error("expected error for bucket with a slash")
	}
	c.Bucket = "b"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
