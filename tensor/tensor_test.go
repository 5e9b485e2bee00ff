package tensor

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/device"
)

func TestNewValidatesShape(t *testing.T) {
	t.Parallel()

	_, err := FromBytes(Float32, []int{2, 2}, make([]byte, 15))
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = FromBytes(Float32, []int{2, 0}, nil)
	require.ErrorIs(t, err, ErrInvalidShape)

	_, err = FromBytes(DType("complex256"), []int{1}, make([]byte, 32))
	require.ErrorIs(t, err, ErrInvalidDType)

	// Element count fits in an int but the byte size does not.
	_, err = FromBytes(Int64, []int{math.MaxInt/8 + 1}, make([]byte, 8))
	require.ErrorIs(t, err, ErrInvalidShape)
	_, err = ByteSize(Int64, []int{math.MaxInt/8 + 1})
	require.ErrorIs(t, err, ErrInvalidShape)

	scalar, err := FromBytes(Uint8, nil, []byte{7})
	require.NoError(t, err)
	assert.Equal(t, 1, scalar.NumElements())
}

func TestArrayFloat32RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	values := []float32{0, 1.5, -2, 3.25}
	arr, err := FromFloat32([]int{2, 2}, values)
	require.NoError(t, err)
	assert.Equal(t, 16, arr.ByteLen())
	assert.Equal(t, []int{2, 2}, arr.Shape())

	got, err := arr.Float32s(ctx)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestArrayToAccelerator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acc := device.NewAccelerator(0)

	arr, err := FromFloat32([]int{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	moved, err := arr.To(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, "accel:0", moved.Device().Name())

	same, err := arr.To(ctx, device.Host)
	require.NoError(t, err)
	assert.Same(t, arr, same)

	eq, err := Equal(ctx, arr, moved)
	require.NoError(t, err)
	assert.True(t, eq)
}

func TestArrayReshape(t *testing.T) {
	t.Parallel()

	arr, err := FromBytes(Uint8, []int{16}, make([]byte, 16))
	require.NoError(t, err)

	square, err := arr.Reshape([]int{4, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, square.Shape())
	assert.Equal(t, []int{16}, arr.Shape())

	_, err = arr.Reshape([]int{3, 5})
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	d, err := ParseDType(" Float64 ")
	require.NoError(t, err)
	assert.Equal(t, Float64, d)
	assert.Equal(t, 8, d.Size())

	_, err = ParseDType("object")
	require.ErrorIs(t, err, ErrInvalidDType)
}

func TestItemFlatten(t *testing.T) {
	t.Parallel()

	img, err := FromBytes(Uint8, []int{2}, []byte{1, 2})
	require.NoError(t, err)
	item := Item{
		"image": {Array: img, Meta: Metadata{"spacing": 1.0}},
		"label": {Meta: Metadata{"class": "a"}},
	}

	assert.Equal(t, []string{"image", "label"}, item.Fields())
	assert.False(t, item.Cacheable())

	flat := item.Flatten()
	assert.Same(t, img, flat["image"])
	assert.Equal(t, Metadata{"spacing": 1.0}, flat["image_meta"])
	assert.Equal(t, Metadata{"class": "a"}, flat["label_meta"])
	assert.NotContains(t, flat, "label")

	assert.False(t, Item{}.Cacheable())
	assert.True(t, Item{"image": {Array: img}}.Cacheable())
}
