package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/internal/codec"
	"github.com/meigma/tensorcache/tensor"
)

// Outcome reports how a commit's metadata publish ended.
// Every outcome leaves the payload on disk.
type Outcome uint8

const (
	// OutcomePublished means this commit created the metadata file.
	OutcomePublished Outcome = iota
	// OutcomeExisting means another writer published first; its file was kept.
	OutcomeExisting
	// OutcomePermissionDenied means the medium refused the publish. The
	// caller proceeds; the record is still available to this process.
	OutcomePermissionDenied
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeExisting:
		return "existing"
	case OutcomePermissionDenied:
		return "permission-denied"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Writer commits entries to a Store. It takes no locks: concurrent commits of
// the same key may both run and write identical content.
// It is safe for concurrent use.
type Writer struct {
	store       *Store
	compression Compression
	level       zstd.EncoderLevel
	encoders    *codec.EncoderPool
	direct      bool
	sync        bool

	link   func(oldname, newname string) error
	rename func(oldpath, newpath string) error
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression sets payload compression (default: none).
func WithCompression(c Compression) WriterOption {
	return func(w *Writer) {
		w.compression = c
	}
}

// WithCompressionLevel sets the zstd level (default: zstd.SpeedDefault).
func WithCompressionLevel(level zstd.EncoderLevel) WriterOption {
	return func(w *Writer) {
		w.level = level
	}
}

// WithDirectWrites enables writing accelerator-resident payloads straight
// from device memory when the device supports it (default: enabled).
// Payloads written this way carry no digest.
func WithDirectWrites(enabled bool) WriterOption {
	return func(w *Writer) {
		w.direct = enabled
	}
}

// WithSync controls whether payload and metadata files are fsynced before the
// entry is sealed (default: enabled).
func WithSync(enabled bool) WriterOption {
	return func(w *Writer) {
		w.sync = enabled
	}
}

// NewWriter returns a writer for s.
func NewWriter(s *Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:  s,
		level:  zstd.SpeedDefault,
		direct: true,
		sync:   true,
		link:   os.Link,
		rename: os.Rename,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.compression == CompressionZstd {
		w.encoders = codec.NewEncoderPool(w.level)
	}
	return w
}

// Commit writes one field of an entry.
//
// The metadata record is staged in a private scratch directory first. The
// payload is then written straight to its final path; it is not visible until
// the entry is sealed. Finally the record is published only if no metadata
// file exists yet, so a reader never sees a partial record. Losing that race
// or being denied permission is reported through the Outcome, not as an error.
func (w *Writer) Commit(ctx context.Context, key fingerprint.Key, field string, f tensor.Field) (Outcome, error) {
	if f.Array == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotCacheable, field)
	}
	metaPath, err := w.store.MetaPath(key, field)
	if err != nil {
		return 0, err
	}
	payloadPath, err := w.store.PayloadPath(key, field)
	if err != nil {
		return 0, err
	}
	// A sealed entry is never rewritten; its payload may be in use by readers.
	if sealed, err := w.store.Lookup(key); err == nil && sealed {
		return OutcomeExisting, nil
	}

	p, err := w.preparePayload(ctx, f.Array)
	if err != nil {
		return 0, fmt.Errorf("encode payload %s: %w", field, err)
	}
	rec := NewRecord(f.Array, f.Meta)
	rec.Payload = p.desc
	data, err := rec.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode record %s: %w", field, err)
	}

	scratch, err := os.MkdirTemp(w.store.scratch, "commit-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	tmp := filepath.Join(scratch, filepath.Base(metaPath))
	if err := w.writeFile(tmp, data); err != nil {
		return 0, fmt.Errorf("stage record %s: %w", field, err)
	}
	// Another writer may have sealed the entry while the payload was prepared.
	if sealed, err := w.store.Lookup(key); err == nil && sealed {
		return OutcomeExisting, nil
	}
	if err := w.writePayload(ctx, payloadPath, p); err != nil {
		return 0, fmt.Errorf("write payload %s: %w", field, err)
	}

	outcome, err := w.publish(tmp, metaPath)
	if err != nil {
		return 0, fmt.Errorf("publish record %s: %w", field, err)
	}
	if outcome != OutcomeExisting {
		w.store.memo.put(filepath.Base(metaPath), rec)
	}
	if outcome == OutcomePermissionDenied {
		w.store.logger.Warn("metadata publish denied, continuing",
			"key", key.String(), "field", field, "path", metaPath)
	}
	return outcome, nil
}

// Seal creates the zero-length marker that makes key visible to readers.
// It must only be called after every field has been committed.
func (w *Writer) Seal(key fingerprint.Key) error {
	path, err := w.store.MarkerPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := atomic.WriteFile(path, bytes.NewReader(nil)); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	// atomic.WriteFile creates the marker 0600.
	if err := os.Chmod(path, w.store.filePerm); err != nil {
		return fmt.Errorf("chmod marker: %w", err)
	}
	return nil
}

// payload is an encoded field ready to be written. Exactly one of data and
// direct is set.
type payload struct {
	desc   ocispec.Descriptor
	data   []byte
	direct device.DirectIO
}

// preparePayload resolves the payload bytes and their descriptor.
// Device-direct payloads stay in device memory and carry no digest.
func (w *Writer) preparePayload(ctx context.Context, arr *tensor.Array) (payload, error) {
	p := payload{desc: ocispec.Descriptor{MediaType: w.compression.mediaType()}}

	if w.compression == CompressionNone && w.direct && device.SupportsDirectIO(arr.Device()) {
		if dio, ok := arr.Buffer().(device.DirectIO); ok {
			p.direct = dio
			p.desc.Size = int64(dio.Len())
			return p, nil
		}
	}

	data, err := arr.Bytes(ctx)
	if err != nil {
		return p, err
	}
	if w.compression == CompressionZstd {
		if data, err = w.compress(data); err != nil {
			return p, err
		}
	}
	p.data = data
	p.desc.Size = int64(len(data))
	p.desc.Digest = fingerprint.Algorithm.FromBytes(data)
	return p, nil
}

func (w *Writer) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, release, err := w.encoders.Get(&buf)
	if err != nil {
		return nil, err
	}
	defer release()
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) writePayload(ctx context.Context, path string, p payload) error {
	//nolint:gosec // path is built from a validated key and field
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, w.store.filePerm)
	if err != nil {
		return err
	}
	if p.direct != nil {
		var n int
		n, err = p.direct.WriteToFile(ctx, f, 0)
		if err == nil && int64(n) != p.desc.Size {
			err = fmt.Errorf("short device write: %d of %d bytes", n, p.desc.Size)
		}
	} else {
		_, err = f.Write(p.data)
	}
	if err == nil && w.sync {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (w *Writer) writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, w.store.filePerm) //nolint:gosec // scratch path
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil && w.sync {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// publish moves tmp to final unless final already exists.
//
// A hard link is an atomic create-if-absent, so concurrent publishers cannot
// clobber each other. Filesystems without hard links (link fails with EPERM
// or ENOTSUP) fall back to a checked rename, which can only race with a
// publisher writing identical content. Only EACCES from link, or a refused
// rename, is reported as OutcomePermissionDenied.
func (w *Writer) publish(tmp, final string) (Outcome, error) {
	if _, err := os.Lstat(final); err == nil {
		return OutcomeExisting, nil
	}
	err := w.link(tmp, final)
	switch {
	case err == nil:
		return OutcomePublished, nil
	case errors.Is(err, fs.ErrExist):
		return OutcomeExisting, nil
	case linkUnsupported(err):
		return w.publishRename(tmp, final)
	case errors.Is(err, fs.ErrPermission):
		return OutcomePermissionDenied, nil
	case isCrossDevice(err):
		return w.publishViaSibling(tmp, final)
	default:
		return w.publishRename(tmp, final)
	}
}

func (w *Writer) publishRename(tmp, final string) (Outcome, error) {
	if _, err := os.Lstat(final); err == nil {
		return OutcomeExisting, nil
	}
	err := w.rename(tmp, final)
	switch {
	case err == nil:
		return OutcomePublished, nil
	case errors.Is(err, fs.ErrPermission):
		return OutcomePermissionDenied, nil
	}
	if _, statErr := os.Lstat(final); statErr == nil {
		return OutcomeExisting, nil
	}
	return 0, err
}

// publishViaSibling copies a scratch file that lives on another filesystem
// next to final, then publishes the copy.
func (w *Writer) publishViaSibling(tmp, final string) (Outcome, error) {
	data, err := os.ReadFile(tmp) //nolint:gosec // scratch path
	if err != nil {
		return 0, err
	}
	sibling, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+"-*")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return OutcomePermissionDenied, nil
		}
		return 0, err
	}
	siblingPath := sibling.Name()
	defer os.Remove(siblingPath)

	_, err = sibling.Write(data)
	if err == nil && w.sync {
		err = sibling.Sync()
	}
	if closeErr := sibling.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Chmod(siblingPath, w.store.filePerm); err != nil {
		return 0, err
	}
	return w.publish(siblingPath, final)
}
