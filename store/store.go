// Package store persists cache entries on the local filesystem.
//
// Every entry lives flat in the cache root:
//
//	{root}/{key}                zero-length marker; the entry is visible iff it exists
//	{root}/{key}-{field}        raw (or zstd framed) array payload
//	{root}/{key}-{field}-meta   JSON metadata record
//
// A [Store] answers lookups and reads entries back. A [Writer] commits new
// entries. Nothing in the cache root is ever rewritten: entries are created
// once and live until an operator calls [Store.Purge].
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/internal/codec"
)

const (
	defaultDirPerm  = 0o750
	defaultFilePerm = 0o640

	scratchDirName = ".scratch"
	metaSuffix     = "-meta"
	maxFieldLen    = 64
)

// Store reads the cache directory. It is safe for concurrent use.
type Store struct {
	root     string
	scratch  string
	dirPerm  os.FileMode
	filePerm os.FileMode
	memo     *recordMemo
	decoders *codec.DecoderPool
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of payload, metadata and marker files.
func WithFilePerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.filePerm = mode
	}
}

// WithScratchDir sets the private directory that metadata is staged in before
// publishing. It must be on the same filesystem as the cache root for the
// publish to be a single rename; defaults to {root}/.scratch.
func WithScratchDir(dir string) Option {
	return func(s *Store) {
		s.scratch = dir
	}
}

// WithRecordMemo enables or disables the in-process record memo (default: enabled).
//
// With the memo, a process that committed an entry can hydrate it even if its
// metadata publish was denied.
func WithRecordMemo(enabled bool) Option {
	return func(s *Store) {
		if enabled {
			s.memo = &recordMemo{}
		} else {
			s.memo = nil
		}
	}
}

// WithLogger sets the logger for recovered errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (creating if needed) a store rooted at root.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache dir is empty")
	}
	s := &Store{
		root:     root,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
		memo:     &recordMemo{},
		decoders: codec.NewDecoderPool(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scratch == "" {
		s.scratch = filepath.Join(root, scratchDirName)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(root, s.dirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.MkdirAll(s.scratch, s.dirPerm); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// ScratchDir returns the metadata staging directory.
func (s *Store) ScratchDir() string { return s.scratch }

// ValidateField rejects field names that cannot be embedded in entry paths.
//
// Names are 1-64 bytes of [A-Za-z0-9_.], excluding "." and "..". The layout
// separator "-" is rejected: a field "x-meta" would alias the metadata file
// of field "x".
func ValidateField(field string) error {
	if field == "" || len(field) > maxFieldLen {
		return fmt.Errorf("%w: %q must be 1-%d bytes", ErrInvalidField, field, maxFieldLen)
	}
	if field == "." || field == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidField, field, c)
		}
	}
	return nil
}

// MarkerPath returns the commit marker path of key.
func (s *Store) MarkerPath(key fingerprint.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key.String()), nil
}

// PayloadPath returns the array payload path of a field.
func (s *Store) PayloadPath(key fingerprint.Key, field string) (string, error) {
	name, err := payloadName(key, field)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, name), nil
}

// MetaPath returns the metadata record path of a field.
func (s *Store) MetaPath(key fingerprint.Key, field string) (string, error) {
	name, err := metaName(key, field)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, name), nil
}

func payloadName(key fingerprint.Key, field string) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if err := ValidateField(field); err != nil {
		return "", err
	}
	return key.String() + "-" + field, nil
}

func metaName(key fingerprint.Key, field string) (string, error) {
	name, err := payloadName(key, field)
	if err != nil {
		return "", err
	}
	return name + metaSuffix, nil
}

// Lookup reports whether key has a committed entry.
//
// It is a plain existence check of the marker with no locking. A writer only
// creates the marker after every artifact is on disk, so a present marker
// always denotes a complete entry.
func (s *Store) Lookup(key fingerprint.Key) (bool, error) {
	path, err := s.MarkerPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Fields returns the sorted field names that have a metadata file for key.
// It scans the cache root, so callers that know the fields should pass them
// to the hydrator directly.
func (s *Store) Fields(key fingerprint.Key) ([]string, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.root, key.String()+"-*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	prefix := key.String() + "-"
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		field := strings.TrimSuffix(strings.TrimPrefix(name, prefix), metaSuffix)
		if ValidateField(field) != nil {
			continue
		}
		fields = append(fields, field)
	}
	slices.Sort(fields)
	return fields, nil
}

// Keys returns every committed key in the cache root, sorted.
func (s *Store) Keys(ctx context.Context) ([]fingerprint.Key, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var keys []fingerprint.Key
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		k := fingerprint.Key(e.Name())
		if k.Validate() != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ReadRecord returns the metadata record of a field.
// Missing or malformed records are reported as an [*IntegrityError].
func (s *Store) ReadRecord(key fingerprint.Key, field string) (*Record, error) {
	name, err := metaName(key, field)
	if err != nil {
		return nil, err
	}
	if rec, ok := s.memo.get(name); ok {
		return rec, nil
	}
	path := filepath.Join(s.root, name)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated key and field
	if err != nil {
		return nil, integrityError(key, field, path, err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return nil, integrityError(key, field, path, err)
	}
	s.memo.put(name, rec)
	return rec, nil
}

// OpenPayload opens a field's payload and checks its size against rec.
func (s *Store) OpenPayload(key fingerprint.Key, field string, rec *Record) (*os.File, error) {
	path, err := s.PayloadPath(key, field)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path is built from a validated key and field
	if err != nil {
		return nil, integrityError(key, field, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, integrityError(key, field, path, err)
	}
	if info.Size() != rec.Payload.Size {
		f.Close()
		return nil, integrityError(key, field, path,
			fmt.Errorf("payload is %d bytes, record says %d", info.Size(), rec.Payload.Size))
	}
	return f, nil
}

// Purge removes an entry. The marker goes first so readers stop seeing the
// entry before its artifacts disappear. Purging a missing entry is a no-op.
func (s *Store) Purge(key fingerprint.Key) error {
	marker, err := s.MarkerPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}
	prefix := key.String() + "-"
	s.memo.evictPrefix(prefix)

	matches, err := filepath.Glob(filepath.Join(s.root, prefix+"*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("purge %s: %w", key, errors.Join(errs...))
	}
	s.logger.Debug("purged cache entry", "key", key.String(), "files", len(matches))
	return nil
}
