package tensorcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/hydrate"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

const defaultCommitConcurrency = 4

// PreTransform computes the cacheable item for a raw request. It runs only
// on a miss and must be deterministic for the cache to be meaningful.
type PreTransform func(ctx context.Context, raw any) (tensor.Item, error)

// Fielder is implemented by raw items that know which fields their
// pre-transformed item will carry. Without it, a hit on a string-keyed map
// hydrates the map's keys, and any other raw item hydrates every field
// recorded for the entry.
type Fielder interface {
	Fields() []string
}

// Stats counts request outcomes.
type Stats struct {
	Hits           int64
	Misses         int64
	Passthrough    int64
	Corrupt        int64
	CommitFailures int64
}

// Cache is a content-addressed cache for pre-transformed items.
// It is safe for concurrent use; it starts no goroutines of its own beyond
// the per-request field fan-out.
type Cache struct {
	dir               string
	storeOpts         []store.Option
	writerOpts        []store.WriterOption
	hydrateOpts       []hydrate.Option
	hydratorFactory   HydratorFactory
	hasher            *fingerprint.Hasher
	commitConcurrency int
	coalesce          bool
	recompute         bool
	logger            *slog.Logger

	store    *store.Store
	writer   *store.Writer
	hydrator hydrate.Hydrator
	group    singleflight.Group

	hits           atomic.Int64
	misses         atomic.Int64
	passthrough    atomic.Int64
	corrupt        atomic.Int64
	commitFailures atomic.Int64
}

// New creates a cache with the given options.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		hydratorFactory:   DirectHydration,
		hasher:            fingerprint.NewHasher(),
		commitConcurrency: defaultCommitConcurrency,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.dir == "" {
		c.logger.Debug("no cache dir configured, running as passthrough")
		return c, nil
	}

	storeOpts := append([]store.Option{store.WithLogger(c.logger)}, c.storeOpts...)
	s, err := store.New(c.dir, storeOpts...)
	if err != nil {
		return nil, err
	}
	c.store = s
	c.writer = store.NewWriter(s, c.writerOpts...)
	hydrateOpts := append([]hydrate.Option{hydrate.WithLogger(c.logger)}, c.hydrateOpts...)
	c.hydrator = c.hydratorFactory(s, hydrateOpts...)
	return c, nil
}

// Enabled reports whether a cache dir is configured.
func (c *Cache) Enabled() bool { return c.store != nil }

// Store returns the underlying entry store, or nil for a passthrough cache.
func (c *Cache) Store() *store.Store { return c.store }

// Stats returns a snapshot of the request counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Passthrough:    c.passthrough.Load(),
		Corrupt:        c.corrupt.Load(),
		CommitFailures: c.commitFailures.Load(),
	}
}

// Key returns the cache key for raw under p.
func (c *Cache) Key(raw any, p *fingerprint.Pipeline) (fingerprint.Key, error) {
	return c.hasher.Key(raw, p)
}

// GetOrCompute returns the item for raw, from the cache when present.
//
// On a hit the item is hydrated onto dev. On a miss pre runs, every field
// is committed and the entry sealed, and the freshly computed item is
// returned as-is. Commit failures are logged and never fail the request.
//
// Integrity errors on a hit are returned (match with [ErrCorrupt]) unless
// [WithRecomputeOnCorruption] is set.
func (c *Cache) GetOrCompute(ctx context.Context, raw any, p *fingerprint.Pipeline, pre PreTransform, dev device.Device) (tensor.Item, error) {
	if pre == nil {
		return nil, errors.New("pre-transform is nil")
	}
	if c.store == nil {
		c.passthrough.Add(1)
		return c.compute(ctx, raw, pre)
	}

	key, err := c.Key(raw, p)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	item, hit, err := c.tryHit(ctx, key, raw, dev)
	if err != nil {
		return nil, err
	}
	if hit {
		c.hits.Add(1)
		return item, nil
	}
	c.misses.Add(1)

	if !c.coalesce {
		return c.fill(ctx, key, raw, pre)
	}
	v, err, shared := c.group.Do(key.String(), func() (any, error) {
		return c.fill(ctx, key, raw, pre)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("coalesced miss", "key", key.String())
	}
	return v.(tensor.Item), nil //nolint:errcheck,forcetypeassert // fill always returns tensor.Item
}

// tryHit returns the hydrated item when key has a usable entry.
func (c *Cache) tryHit(ctx context.Context, key fingerprint.Key, raw any, dev device.Device) (tensor.Item, bool, error) {
	ok, err := c.store.Lookup(key)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", "key", key.String(), "error", err)
		return nil, false, nil
	}
	if !ok {
		c.logger.Debug("cache miss", "key", key.String())
		return nil, false, nil
	}

	fields, err := c.fieldsOf(key, raw)
	if err != nil {
		return nil, false, err
	}
	item, err := c.hydrator.Hydrate(ctx, key, fields, dev)
	switch {
	case err == nil:
		c.logger.Debug("cache hit", "key", key.String(), "fields", len(item))
		return item, true, nil
	case errors.Is(err, hydrate.ErrMiss):
		c.logger.Debug("entry vanished during hydrate", "key", key.String())
		return nil, false, nil
	case errors.Is(err, store.ErrCorrupt):
		c.corrupt.Add(1)
		if !c.recompute {
			return nil, false, err
		}
		c.logger.Warn("corrupt cache entry, recomputing", "key", key.String(), "error", err)
		if purgeErr := c.store.Purge(key); purgeErr != nil {
			return nil, false, errors.Join(err, purgeErr)
		}
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("hydrate %s: %w", key, err)
	}
}

// fieldsOf returns the fields to hydrate for raw: a Fielder's own list, the
// keys of a string-keyed map that are valid field names, or else every field
// recorded for key.
func (c *Cache) fieldsOf(key fingerprint.Key, raw any) ([]string, error) {
	if f, ok := raw.(Fielder); ok {
		return f.Fields(), nil
	}
	if fields := mapKeys(raw); len(fields) > 0 {
		return fields, nil
	}
	return c.store.Fields(key)
}

func mapKeys(raw any) []string {
	v := reflect.ValueOf(raw)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		if store.ValidateField(k.String()) == nil {
			keys = append(keys, k.String())
		}
	}
	slices.Sort(keys)
	return keys
}

func (c *Cache) compute(ctx context.Context, raw any, pre PreTransform) (tensor.Item, error) {
	item, err := pre(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreTransform, err)
	}
	return item, nil
}

// fill runs the miss path: compute, commit every field, seal.
func (c *Cache) fill(ctx context.Context, key fingerprint.Key, raw any, pre PreTransform) (tensor.Item, error) {
	item, err := c.compute(ctx, raw, pre)
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx, key, item); err != nil {
		c.commitFailures.Add(1)
		c.logger.Warn("cache commit failed, entry not sealed", "key", key.String(), "error", err)
	}
	return item, nil
}

// commit writes every field and seals the entry only if all of them made it.
func (c *Cache) commit(ctx context.Context, key fingerprint.Key, item tensor.Item) error {
	if !item.Cacheable() {
		c.logger.Debug("item has fields without arrays, not caching", "key", key.String())
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.commitConcurrency)
	for _, name := range item.Fields() {
		g.Go(func() error {
			_, err := c.writer.Commit(gctx, key, name, item[name])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := c.writer.Seal(key); err != nil {
		return err
	}
	c.logger.Debug("cache entry committed", "key", key.String(), "fields", len(item))
	return nil
}
