package hydrate

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

type fixture struct {
	store *store.Store
	key   fingerprint.Key
	item  tensor.Item
}

func newFixture(t *testing.T, wopts ...store.WriterOption) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(t.TempDir(), store.WithRecordMemo(false))
	require.NoError(t, err)
	key, err := fingerprint.Compute(map[string]string{"image": "img.nii"}, fingerprint.NewPipeline(fingerprint.Step{Name: "Load"}))
	require.NoError(t, err)

	values := make([]float32, 16)
	for i := range values {
		values[i] = float32(i) * 0.5
	}
	img, err := tensor.FromFloat32([]int{4, 4}, values)
	require.NoError(t, err)
	lbl, err := tensor.FromBytes(tensor.Uint8, []int{2, 2}, []byte{0, 1, 1, 0})
	require.NoError(t, err)
	item := tensor.Item{
		"image": {Array: img, Meta: tensor.Metadata{"affine": "identity"}},
		"label": {Array: lbl},
	}

	w := store.NewWriter(s, wopts...)
	for _, name := range item.Fields() {
		_, err := w.Commit(ctx, key, name, item[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Seal(key))
	return &fixture{store: s, key: key, item: item}
}

func assertItemEqual(t *testing.T, want, got tensor.Item, dev device.Device) {
	t.Helper()
	ctx := context.Background()
	require.Len(t, got, len(want))
	for name, wf := range want {
		gf, ok := got[name]
		require.True(t, ok, name)
		assert.Equal(t, dev.Name(), gf.Array.Device().Name(), name)
		eq, err := tensor.Equal(ctx, wf.Array, gf.Array)
		require.NoError(t, err)
		assert.True(t, eq, name)
		assert.Equal(t, wf.Array.Shape(), gf.Meta[store.MetaShape], name)
		assert.Equal(t, wf.Array.DType().String(), gf.Meta[store.MetaDType], name)
	}
}

func TestDirectHydrateOnAccelerator(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	acc := device.NewAccelerator(0)

	got, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), acc)
	require.NoError(t, err)
	assertItemEqual(t, fx.item, got, acc)
	assert.Equal(t, "identity", got["image"].Meta["affine"])

	stats := acc.Stats()
	assert.Equal(t, int64(64+4), stats.DirectRead)
	assert.Zero(t, stats.HostToDevice)
}

func TestHostMediatedHydrateOnAccelerator(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	acc := device.NewAccelerator(0)

	got, err := NewHostMediated(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), acc)
	require.NoError(t, err)
	assertItemEqual(t, fx.item, got, acc)

	stats := acc.Stats()
	assert.Zero(t, stats.DirectRead)
	assert.Equal(t, int64(64+4), stats.HostToDevice)
}

func TestDirectFallsBackWithoutDirectIO(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	acc := device.NewAccelerator(0, device.WithDirectIO(false))

	got, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), acc)
	require.NoError(t, err)
	assertItemEqual(t, fx.item, got, acc)
	assert.Zero(t, acc.Stats().DirectRead)
	assert.Equal(t, int64(64+4), acc.Stats().HostToDevice)
}

func TestDirectFallsBackForCompressedPayloads(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, store.WithCompression(store.CompressionZstd))
	acc := device.NewAccelerator(0)

	got, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), acc)
	require.NoError(t, err)
	assertItemEqual(t, fx.item, got, acc)
	assert.Zero(t, acc.Stats().DirectRead)
}

func TestHydrateOnHost(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	for name, h := range map[string]Hydrator{
		"direct": NewDirect(fx.store),
		"host":   NewHostMediated(fx.store, WithConcurrency(1)),
	} {
		got, err := h.Hydrate(context.Background(), fx.key, fx.item.Fields(), device.Host)
		require.NoError(t, err, name)
		assertItemEqual(t, fx.item, got, device.Host)

		got, err = h.Hydrate(context.Background(), fx.key, fx.item.Fields(), nil)
		require.NoError(t, err, name)
		assertItemEqual(t, fx.item, got, device.Host)
	}
}

func TestHydrateSubsetOfFields(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	got, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, []string{"label"}, device.Host)
	require.NoError(t, err)
	assert.Equal(t, []string{"label"}, got.Fields())
}

func TestHydrateMissingPayloadIsIntegrityError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	acc := device.NewAccelerator(0)

	path, err := fx.store.PayloadPath(fx.key, "image")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	for _, h := range []Hydrator{NewDirect(fx.store), NewHostMediated(fx.store)} {
		_, err := h.Hydrate(context.Background(), fx.key, fx.item.Fields(), acc)
		require.ErrorIs(t, err, store.ErrCorrupt)
		require.NotErrorIs(t, err, ErrMiss)
	}
	assert.Zero(t, acc.MemoryUsed())
}

func TestHydrateMissingMetadataIsIntegrityError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	path, err := fx.store.MetaPath(fx.key, "label")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = NewDirect(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), device.Host)
	var ie *store.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "label", ie.Field)
}

func TestHydrateDetectsFlippedBytes(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	path, err := fx.store.PayloadPath(fx.key, "label")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte{9, 9, 9, 9}, 0o600))

	_, err = NewHostMediated(fx.store).Hydrate(context.Background(), fx.key, []string{"label"}, device.Host)
	require.ErrorIs(t, err, store.ErrCorrupt)

	// Without verification the bytes are returned as stored.
	got, err := NewHostMediated(fx.store, WithVerifyDigests(false)).Hydrate(context.Background(), fx.key, []string{"label"}, device.Host)
	require.NoError(t, err)
	data, err := got["label"].Array.Bytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, data)
}

func TestHydrateAfterPurgeIsMiss(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	require.NoError(t, fx.store.Purge(fx.key))

	_, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), device.Host)
	require.ErrorIs(t, err, ErrMiss)
}

func TestHydrateOutOfDeviceMemory(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	acc := device.NewAccelerator(0, device.WithMemoryLimit(32))

	_, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, fx.item.Fields(), acc)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
	assert.Zero(t, acc.MemoryUsed())
}

func TestHydrateNoFields(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	_, err := NewDirect(fx.store).Hydrate(context.Background(), fx.key, nil, device.Host)
	require.ErrorIs(t, err, store.ErrCorrupt)

	require.NoError(t, fx.store.Purge(fx.key))
	_, err = NewHostMediated(fx.store).Hydrate(context.Background(), fx.key, nil, device.Host)
	require.ErrorIs(t, err, ErrMiss)
}
