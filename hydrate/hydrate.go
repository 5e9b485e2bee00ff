// Package hydrate rebuilds cached items from a [store.Store] into device memory.
//
// Two strategies implement [Hydrator]:
//
//   - [Direct] reads raw payloads from the file straight into accelerator
//     memory when the target device supports device-direct I/O, and uses the
//     host path for everything else.
//   - [HostMediated] always reads into host memory first and then copies to
//     the target device.
//
// Both produce arrays with identical dtype, shape, content and residency.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

// ErrMiss is returned when the entry disappeared between lookup and hydrate.
var ErrMiss = errors.New("tensorcache: cache miss")

var errNoFields = errors.New("no fields recorded")

const defaultConcurrency = 4

// Hydrator reconstructs a committed entry on a device.
//
// Callers must have seen the entry's marker. Missing or corrupt artifacts are
// reported as [*store.IntegrityError]; a marker that vanished in the meantime
// is reported as [ErrMiss].
type Hydrator interface {
	Hydrate(ctx context.Context, key fingerprint.Key, fields []string, dev device.Device) (tensor.Item, error)
}

// config holds options shared by both strategies.
type config struct {
	concurrency int
	verify      bool
	logger      *slog.Logger
}

// Option configures a hydrator.
type Option func(*config)

// WithConcurrency bounds how many fields are hydrated at once (default: 4).
// Values < 1 are treated as 1.
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n < 1 {
			n = 1
		}
		c.concurrency = n
	}
}

// WithVerifyDigests controls whether host-path reads check the payload
// digest (default: enabled). Direct reads never stage bytes on the host and
// only check the payload size.
func WithVerifyDigests(enabled bool) Option {
	return func(c *config) {
		c.verify = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	c := config{
		concurrency: defaultConcurrency,
		verify:      true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// fieldFunc hydrates one field's array given its record.
type fieldFunc func(ctx context.Context, key fingerprint.Key, field string, rec *store.Record, dev device.Device) (*tensor.Array, error)

// hydrateFields runs fn for every field concurrently and assembles the item.
// On failure every array built so far is freed.
func hydrateFields(ctx context.Context, s *store.Store, c config, key fingerprint.Key, fields []string, dev device.Device, fn fieldFunc) (tensor.Item, error) {
	if len(fields) == 0 {
		// A sealed entry always has at least one field.
		path, _ := s.MarkerPath(key) //nolint:errcheck // only used in the error
		return nil, classify(s, key, &store.IntegrityError{Key: key, Path: path, Err: errNoFields})
	}
	if dev == nil {
		dev = device.Host
	}

	var (
		mu   sync.Mutex
		item = make(tensor.Item, len(fields))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, field := range fields {
		g.Go(func() error {
			rec, err := s.ReadRecord(key, field)
			if err != nil {
				return err
			}
			arr, err := fn(gctx, key, field, rec, dev)
			if err != nil {
				return err
			}
			mu.Lock()
			item[field] = tensor.Field{Array: arr, Meta: rec.Metadata()}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range item {
			if f.Array != nil && !device.Same(f.Array.Device(), device.Host) {
				f.Array.Buffer().Free()
			}
		}
		return nil, classify(s, key, err)
	}
	return item, nil
}

// classify turns an integrity error into ErrMiss when the marker is gone,
// which happens when an entry is purged while being read.
func classify(s *store.Store, key fingerprint.Key, err error) error {
	if !errors.Is(err, store.ErrCorrupt) {
		return err
	}
	if ok, lookupErr := s.Lookup(key); lookupErr == nil && !ok {
		return fmt.Errorf("%w: %s", ErrMiss, key)
	}
	return err
}

// hostArray reads a payload through host memory and moves it to dev.
func hostArray(ctx context.Context, s *store.Store, verify bool, key fingerprint.Key, field string, rec *store.Record, dev device.Device) (*tensor.Array, error) {
	data, err := s.ReadPayload(ctx, key, field, rec, verify)
	if err != nil {
		return nil, err
	}
	arr, err := tensor.FromBytes(rec.DType, rec.Shape, data)
	if err != nil {
		return nil, err
	}
	return arr.To(ctx, dev)
}
