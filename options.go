package tensorcache

import (
	"errors"
	"log/slog"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/hydrate"
	"github.com/meigma/tensorcache/store"
)

// Option configures a Cache.
type Option func(*Cache) error

// HydratorFactory builds the hydration strategy for a store.
type HydratorFactory func(s *store.Store, opts ...hydrate.Option) hydrate.Hydrator

// DirectHydration is the default strategy: device-direct reads where
// available, host-mediated reads otherwise.
func DirectHydration(s *store.Store, opts ...hydrate.Option) hydrate.Hydrator {
	return hydrate.NewDirect(s, opts...)
}

// HostHydration always reads through host memory.
func HostHydration(s *store.Store, opts ...hydrate.Option) hydrate.Hydrator {
	return hydrate.NewHostMediated(s, opts...)
}

// --- Storage Options ---

// WithDir enables caching in dir. Without it (or with an empty dir) the
// cache is a passthrough that always runs the pre-transform and never
// touches storage.
func WithDir(dir string) Option {
	return func(c *Cache) error {
		c.dir = dir
		return nil
	}
}

// WithScratchDir sets where metadata is staged before publishing.
// It should be on the same filesystem as the cache dir.
func WithScratchDir(dir string) Option {
	return func(c *Cache) error {
		c.storeOpts = append(c.storeOpts, store.WithScratchDir(dir))
		return nil
	}
}

// WithDirPerm sets permissions for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) error {
		c.storeOpts = append(c.storeOpts, store.WithDirPerm(mode))
		return nil
	}
}

// WithFilePerm sets permissions for payload, metadata and marker files.
func WithFilePerm(mode os.FileMode) Option {
	return func(c *Cache) error {
		c.storeOpts = append(c.storeOpts, store.WithFilePerm(mode))
		return nil
	}
}

// WithRecordMemo enables or disables the in-process metadata memo (default: enabled).
func WithRecordMemo(enabled bool) Option {
	return func(c *Cache) error {
		c.storeOpts = append(c.storeOpts, store.WithRecordMemo(enabled))
		return nil
	}
}

// --- Write Options ---

// WithCompression sets payload compression. Compressed entries are always
// hydrated through host memory.
func WithCompression(comp store.Compression) Option {
	return func(c *Cache) error {
		c.writerOpts = append(c.writerOpts, store.WithCompression(comp))
		return nil
	}
}

// WithCompressionLevel sets the zstd encoder level.
func WithCompressionLevel(level zstd.EncoderLevel) Option {
	return func(c *Cache) error {
		c.writerOpts = append(c.writerOpts, store.WithCompressionLevel(level))
		return nil
	}
}

// WithSync controls whether files are fsynced before an entry is sealed.
func WithSync(enabled bool) Option {
	return func(c *Cache) error {
		c.writerOpts = append(c.writerOpts, store.WithSync(enabled))
		return nil
	}
}

// WithCommitConcurrency bounds how many fields of one item are written at once (default: 4).
func WithCommitConcurrency(n int) Option {
	return func(c *Cache) error {
		if n < 1 {
			return errors.New("commit concurrency must be >= 1")
		}
		c.commitConcurrency = n
		return nil
	}
}

// --- Read Options ---

// WithHydrator sets the hydration strategy (default: [DirectHydration]).
func WithHydrator(f HydratorFactory) Option {
	return func(c *Cache) error {
		if f == nil {
			return errors.New("hydrator factory is nil")
		}
		c.hydratorFactory = f
		return nil
	}
}

// WithHostHydration is shorthand for WithHydrator(HostHydration).
func WithHostHydration() Option {
	return WithHydrator(HostHydration)
}

// WithHydrateConcurrency bounds how many fields of one item are read at once (default: 4).
func WithHydrateConcurrency(n int) Option {
	return func(c *Cache) error {
		if n < 1 {
			return errors.New("hydrate concurrency must be >= 1")
		}
		c.hydrateOpts = append(c.hydrateOpts, hydrate.WithConcurrency(n))
		return nil
	}
}

// WithVerifyDigests controls payload digest checks on host-path reads (default: enabled).
func WithVerifyDigests(enabled bool) Option {
	return func(c *Cache) error {
		c.hydrateOpts = append(c.hydrateOpts, hydrate.WithVerifyDigests(enabled))
		return nil
	}
}

// --- Behavior Options ---

// WithHasher sets how raw items are fingerprinted (default: JSON encoding).
// Every process sharing a cache dir must use the same hasher.
func WithHasher(h *fingerprint.Hasher) Option {
	return func(c *Cache) error {
		if h == nil {
			return errors.New("hasher is nil")
		}
		c.hasher = h
		return nil
	}
}

// WithCoalescing merges concurrent misses for the same key within this
// process into a single pre-transform and commit (default: disabled).
// Every caller receives the same item.
func WithCoalescing(enabled bool) Option {
	return func(c *Cache) error {
		c.coalesce = enabled
		return nil
	}
}

// WithRecomputeOnCorruption purges entries that fail hydration with an
// integrity error and serves the request through the miss path instead of
// returning the error (default: disabled).
func WithRecomputeOnCorruption(enabled bool) Option {
	return func(c *Cache) error {
		c.recompute = enabled
		return nil
	}
}

// WithLogger sets the logger. Cache hits and misses are logged at debug
// level; recovered commit failures at warn level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) error {
		c.logger = logger
		return nil
	}
}
