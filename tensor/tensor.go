// Package tensor defines the values moved through the cache: typed
// multi-dimensional arrays, their descriptive metadata, and items that group
// named fields.
//
// Array bytes live in a [device.Buffer] in little-endian, row-major order. An
// array never exposes accelerator memory directly; use [Array.Bytes] for a host
// copy or [Array.To] to move it.
package tensor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/meigma/tensorcache/device"
)

var (
	// ErrInvalidDType is returned for unknown element types.
	ErrInvalidDType = errors.New("tensor: invalid dtype")

	// ErrInvalidShape is returned for shapes with non-positive dimensions or
	// shapes that do not match the buffer length.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Array is an n-dimensional array resident on a device.
// Arrays are immutable once built.
type Array struct {
	dtype DType
	shape []int
	buf   device.Buffer
}

// New wraps buf as an array. buf must hold exactly ByteSize(dtype, shape) bytes.
func New(dtype DType, shape []int, buf device.Buffer) (*Array, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDType, dtype)
	}
	want, err := ByteSize(dtype, shape)
	if err != nil {
		return nil, err
	}
	if buf.Len() != want {
		return nil, fmt.Errorf("%w: shape %v of %s needs %d bytes, buffer has %d",
			ErrInvalidShape, shape, dtype, want, buf.Len())
	}
	return &Array{dtype: dtype, shape: slices.Clone(shape), buf: buf}, nil
}

// FromBytes builds a host array over data without copying.
func FromBytes(dtype DType, shape []int, data []byte) (*Array, error) {
	return New(dtype, shape, device.WrapHost(data))
}

// FromFloat32 builds a float32 host array.
func FromFloat32(shape []int, values []float32) (*Array, error) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return FromBytes(Float32, shape, data)
}

// NumElements returns the element count of shape. The empty shape is a scalar.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidShape, shape)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: %v overflows", ErrInvalidShape, shape)
		}
		n *= d
	}
	return n, nil
}

// ByteSize returns the payload size of an array of dtype with shape.
func ByteSize(dtype DType, shape []int) (int, error) {
	n, err := NumElements(shape)
	if err != nil {
		return 0, err
	}
	size := dtype.Size()
	if size > 0 && n > math.MaxInt/size {
		return 0, fmt.Errorf("%w: %v of %s overflows", ErrInvalidShape, shape, dtype)
	}
	return n * size, nil
}

// DType returns the element type.
func (a *Array) DType() DType { return a.dtype }

// Shape returns a copy of the shape.
func (a *Array) Shape() []int { return slices.Clone(a.shape) }

// NumElements returns the element count.
func (a *Array) NumElements() int {
	n, _ := NumElements(a.shape) //nolint:errcheck // validated in New
	return n
}

// ByteLen returns the payload size in bytes.
func (a *Array) ByteLen() int { return a.buf.Len() }

// Buffer returns the backing buffer.
func (a *Array) Buffer() device.Buffer { return a.buf }

// Device returns the device holding the array.
func (a *Array) Device() device.Device { return a.buf.Device() }

// Bytes returns the array bytes in host memory. Host arrays return their
// backing memory; accelerator arrays are copied.
func (a *Array) Bytes(ctx context.Context) ([]byte, error) {
	if hb, ok := a.buf.(*device.HostBuffer); ok {
		return hb.Bytes(), nil
	}
	out := make([]byte, a.buf.Len())
	if err := a.buf.CopyToHost(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// To returns the array on dev, copying only when it lives elsewhere.
func (a *Array) To(ctx context.Context, dev device.Device) (*Array, error) {
	buf, err := device.Copy(ctx, dev, a.buf)
	if err != nil {
		return nil, err
	}
	if buf == a.buf {
		return a, nil
	}
	return &Array{dtype: a.dtype, shape: slices.Clone(a.shape), buf: buf}, nil
}

// Reshape returns a view of the array with a new shape of equal element count.
func (a *Array) Reshape(shape []int) (*Array, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != a.NumElements() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrInvalidShape, a.shape, shape)
	}
	return &Array{dtype: a.dtype, shape: slices.Clone(shape), buf: a.buf}, nil
}

// Float32s decodes a float32 array into host values.
func (a *Array) Float32s(ctx context.Context) ([]float32, error) {
	if a.dtype != Float32 {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrInvalidDType, a.dtype, Float32)
	}
	data, err := a.Bytes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// Equal reports whether a and b have the same dtype, shape and bytes,
// regardless of which devices hold them.
func Equal(ctx context.Context, a, b *Array) (bool, error) {
	if a == nil || b == nil {
		return a == b, nil
	}
	if a.dtype != b.dtype || !slices.Equal(a.shape, b.shape) {
		return false, nil
	}
	ab, err := a.Bytes(ctx)
	if err != nil {
		return false, err
	}
	bb, err := b.Bytes(ctx)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// Metadata holds descriptive key/value pairs for a field.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Field is one named value of an item.
// A field with a nil Array carries no cacheable payload.
type Field struct {
	Array *Array
	Meta  Metadata
}

// Item maps field names to fields.
type Item map[string]Field

// Fields returns the field names in sorted order.
func (it Item) Fields() []string {
	return slices.Sorted(maps.Keys(it))
}

// Cacheable reports whether every field carries an array.
func (it Item) Cacheable() bool {
	for _, f := range it {
		if f.Array == nil {
			return false
		}
	}
	return len(it) > 0
}

// MetaKey returns the flattened key under which a field's metadata is exposed.
func MetaKey(field string) string {
	return field + "_meta"
}

// Flatten returns the item as a single map: each field's array under its own
// name and its metadata under [MetaKey].
func (it Item) Flatten() map[string]any {
	out := make(map[string]any, 2*len(it))
	for name, f := range it {
		if f.Array != nil {
			out[name] = f.Array
		}
		if f.Meta != nil {
			out[MetaKey(name)] = f.Meta
		}
	}
	return out
}
