package hydrate

import (
	"context"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

// HostMediated reads every payload into host memory, then copies it to the
// target device. Use it when device-direct transfers are unavailable or
// digests must be verified on every read.
type HostMediated struct {
	store *store.Store
	cfg   config
}

// NewHostMediated returns a host-mediated hydrator over s.
func NewHostMediated(s *store.Store, opts ...Option) *HostMediated {
	return &HostMediated{store: s, cfg: newConfig(opts)}
}

// Hydrate implements [Hydrator].
func (h *HostMediated) Hydrate(ctx context.Context, key fingerprint.Key, fields []string, dev device.Device) (tensor.Item, error) {
	return hydrateFields(ctx, h.store, h.cfg, key, fields, dev, h.field)
}

func (h *HostMediated) field(ctx context.Context, key fingerprint.Key, field string, rec *store.Record, dev device.Device) (*tensor.Array, error) {
	return hostArray(ctx, h.store, h.cfg.verify, key, field, rec, dev)
}
