package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/camlink/iox"
)

// IndexDataset is the Lode dataset holding one record per stored image.
const IndexDataset = "camlink-images"

// MaxImageBytes bounds a single stored object read back by Get.
const MaxImageBytes = 64 << 20

// maxPathAttempts bounds the suffixed retries Put makes when an image
// path is already taken.
const maxPathAttempts = 16

// knownExtensions pins extensions for common types; mime.ExtensionsByType
// order depends on the host's mime tables.
var knownExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// Metadata is the sidecar written next to each image.
type Metadata struct {
	TransferID    int64     `msgpack:"transfer_id"`
	Mime          string    `msgpack:"mime"`
	Bytes         int64     `msgpack:"bytes"`
	DeclaredBytes int64     `msgpack:"declared_bytes"`
	Chunked       bool      `msgpack:"chunked"`
	ServerID      string    `msgpack:"server_id,omitempty"`
	SessionID     string    `msgpack:"session_id"`
	Identity      string    `msgpack:"identity"`
	ReceivedAt    time.Time `msgpack:"received_at"`
}

// LodeSink writes images into a Lode store. Images and sidecars land at
// Hive-partitioned paths under images/; an index record per image is
// appended to the IndexDataset.
type LodeSink struct {
	storeFactory lode.StoreFactory
	index        lode.Dataset

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// NewFSSink creates a sink rooted at a local directory.
func NewFSSink(root string) (*LodeSink, error) {
	return NewSinkWithFactory(lode.NewFSFactory(root))
}

// NewSinkWithFactory creates a sink over a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewSinkWithFactory(factory lode.StoreFactory) (*LodeSink, error) {
	ds, err := NewIndexDataset(factory)
	if err != nil {
		return nil, WrapInitError(err, IndexDataset)
	}
	return &LodeSink{storeFactory: factory, index: ds}, nil
}

// NewIndexDataset opens the image index with the layout used on write.
func NewIndexDataset(factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(IndexDataset),
		factory,
		lode.WithHiveLayout("identity", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Put writes the image, its metadata sidecar and an index record.
func (s *LodeSink) Put(ctx context.Context, rec Record) (string, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return "", WrapInitError(err, IndexDataset)
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	path, err := putImage(ctx, store, rec)
	if err != nil {
		return "", err
	}

	meta, err := msgpack.Marshal(metadataFor(rec))
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	metaPath := MetadataPath(path)
	if err := store.Put(ctx, metaPath, bytes.NewReader(meta)); err != nil {
		return "", WrapWriteError(err, metaPath)
	}

	if _, err := s.index.Write(ctx, []any{indexRecord(rec, path)}, lode.Metadata{}); err != nil {
		return "", WrapWriteError(err, IndexDataset)
	}
	return path, nil
}

// Get reads back a stored image.
func (s *LodeSink) Get(ctx context.Context, path string) ([]byte, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, IndexDataset)
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer iox.DiscardClose(rc)
	data, err := iox.ReadAllLimit(rc, MaxImageBytes)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	return data, nil
}

// ReadMetadata decodes the sidecar for the image at path.
func (s *LodeSink) ReadMetadata(ctx context.Context, path string) (Metadata, error) {
	raw, err := s.Get(ctx, MetadataPath(path))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := msgpack.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return meta, nil
}

// Close releases sink resources.
func (s *LodeSink) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

// putImage writes the image bytes at the first free variant of its path.
// Stores refuse to overwrite, so a taken path (same frame id and
// timestamp) moves on to the next suffix instead of dropping the image.
func putImage(ctx context.Context, store lode.Store, rec Record) (string, error) {
	for n := range maxPathAttempts {
		path := imagePath(rec, n)
		err := store.Put(ctx, path, bytes.NewReader(rec.Image.Data))
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, lode.ErrPathExists) {
			return "", WrapWriteError(err, path)
		}
	}
	path := ImagePath(rec)
	return "", WrapWriteError(fmt.Errorf("%d variants taken: %w", maxPathAttempts, lode.ErrPathExists), path)
}

func (s *LodeSink) getOrCreateStore() (lode.Store, error) {
	s.storeOnce.Do(func() {
		s.store, s.storeErr = s.storeFactory()
	})
	return s.store, s.storeErr
}

// ImagePath computes the Hive-partitioned path for an image:
//
//	images/identity=<id>/day=<YYYY-MM-DD>/session=<sid>/frame_<transfer>[_<server>]_<unix-nanos>.<ext>
//
// Transfer ids restart with every sender and several cameras share one
// channel, so the receive time and the sender's server id are part of
// the name.
func ImagePath(rec Record) string {
	return imagePath(rec, 0)
}

// imagePath is ImagePath with a "_<n>" suffix for n > 0.
func imagePath(rec Record, n int) string {
	var name strings.Builder
	fmt.Fprintf(&name, "frame_%d", rec.Image.TransferID)
	if rec.Image.ServerID != "" {
		name.WriteString("_" + partitionValue(rec.Image.ServerID))
	}
	fmt.Fprintf(&name, "_%d", rec.ReceivedAt.UnixNano())
	if n > 0 {
		fmt.Fprintf(&name, "_%d", n)
	}
	return fmt.Sprintf("images/identity=%s/day=%s/session=%s/%s%s",
		partitionValue(rec.Identity),
		rec.ReceivedAt.UTC().Format(time.DateOnly),
		partitionValue(rec.SessionID),
		name.String(),
		Extension(rec.Image.Mime),
	)
}

// MetadataPath is the sidecar path for an image path.
func MetadataPath(imagePath string) string {
	return imagePath + ".meta.msgpack"
}

// Extension returns the file extension for a MIME type, ".bin" if unknown.
func Extension(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".bin"
	}
	if ext, ok := knownExtensions[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// partitionValue keeps partition segments free of separators.
func partitionValue(v string) string {
	if v == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "=", "_", "..", "_").Replace(v)
}

func metadataFor(rec Record) Metadata {
	return Metadata{
		TransferID:    rec.Image.TransferID,
		Mime:          rec.Image.Mime,
		Bytes:         int64(len(rec.Image.Data)),
		DeclaredBytes: rec.Image.DeclaredBytes,
		Chunked:       rec.Image.Chunked,
		ServerID:      rec.Image.ServerID,
		SessionID:     rec.SessionID,
		Identity:      rec.Identity,
		ReceivedAt:    rec.ReceivedAt.UTC(),
	}
}

func indexRecord(rec Record, path string) map[string]any {
	return map[string]any{
		"identity":    partitionValue(rec.Identity),
		"day":         rec.ReceivedAt.UTC().Format(time.DateOnly),
		"session_id":  rec.SessionID,
		"transfer_id": rec.Image.TransferID,
		"mime":        rec.Image.Mime,
		"bytes":       len(rec.Image.Data),
		"chunked":     rec.Image.Chunked,
		"path":        path,
		"received_at": rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

var _ Sink = (*LodeSink)(nil)
