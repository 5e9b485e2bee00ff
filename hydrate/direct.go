package hydrate

import (
	"context"
	"fmt"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

// Direct hydrates raw payloads straight into accelerator memory.
//
// A field takes the direct path when the target device advertises
// device-direct I/O, the payload is uncompressed, and the allocated buffer
// implements [device.DirectIO]. Any other field is read through host memory.
type Direct struct {
	store *store.Store
	cfg   config
}

// NewDirect returns a device-direct hydrator over s.
func NewDirect(s *store.Store, opts ...Option) *Direct {
	return &Direct{store: s, cfg: newConfig(opts)}
}

// Hydrate implements [Hydrator].
func (d *Direct) Hydrate(ctx context.Context, key fingerprint.Key, fields []string, dev device.Device) (tensor.Item, error) {
	return hydrateFields(ctx, d.store, d.cfg, key, fields, dev, d.field)
}

func (d *Direct) field(ctx context.Context, key fingerprint.Key, field string, rec *store.Record, dev device.Device) (*tensor.Array, error) {
	if !device.SupportsDirectIO(dev) || rec.Compressed() {
		return hostArray(ctx, d.store, d.cfg.verify, key, field, rec, dev)
	}

	buf, err := dev.Alloc(int(rec.RawSize()))
	if err != nil {
		return nil, fmt.Errorf("allocate %s on %s: %w", field, dev.Name(), err)
	}
	dio, ok := buf.(device.DirectIO)
	if !ok {
		buf.Free()
		d.cfg.logger.Debug("device buffer lacks direct I/O, using host path",
			"device", dev.Name(), "field", field)
		return hostArray(ctx, d.store, d.cfg.verify, key, field, rec, dev)
	}

	f, err := d.store.OpenPayload(key, field, rec)
	if err != nil {
		buf.Free()
		return nil, err
	}
	defer f.Close()

	if _, err := dio.ReadFromFile(ctx, f, 0); err != nil {
		buf.Free()
		return nil, &store.IntegrityError{Key: key, Field: field, Path: f.Name(), Err: err}
	}
	arr, err := tensor.New(rec.DType, rec.Shape, buf)
	if err != nil {
		buf.Free()
		return nil, err
	}
	return arr, nil
}
