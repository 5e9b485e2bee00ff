// Package device models the memory that hydrated arrays live in.
//
// A [Device] hands out [Buffer] values. The host device is plain Go memory.
// Accelerators keep their memory private to the device and only expose it
// through explicit transfers, so callers never alias accelerator memory from
// host code.
//
// Buffers that can move bytes between a file and device memory without a
// host staging copy implement [DirectIO]. Callers check
// [SupportsDirectIO] before taking that path and fall back to
// [Buffer.CopyFromHost] / [Buffer.CopyToHost] otherwise.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Kind classifies a device.
type Kind uint8

const (
	// KindHost is ordinary process memory.
	KindHost Kind = iota
	// KindAccelerator is memory owned by an accelerator.
	KindAccelerator
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindAccelerator:
		return "accelerator"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

var (
	// ErrOutOfMemory is returned when an allocation exceeds the device memory limit.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrSizeMismatch is returned when a transfer length does not match the buffer length.
	ErrSizeMismatch = errors.New("device: transfer size mismatch")

	// ErrFreed is returned when a released buffer is used.
	ErrFreed = errors.New("device: buffer already freed")

	// ErrUnknownDevice is returned by Parse for unrecognized device names.
	ErrUnknownDevice = errors.New("device: unknown device")
)

// Device identifies where array memory lives.
type Device interface {
	// Name returns a stable name such as "cpu" or "accel:0".
	Name() string

	// Kind reports whether this is host or accelerator memory.
	Kind() Kind

	// Alloc returns a zeroed buffer of n bytes resident on the device.
	Alloc(n int) (Buffer, error)
}

// Buffer is a contiguous byte range resident on a device.
type Buffer interface {
	// Device returns the device owning the buffer.
	Device() Device

	// Len returns the buffer length in bytes.
	Len() int

	// CopyToHost copies the whole buffer into dst, which must be Len bytes.
	CopyToHost(ctx context.Context, dst []byte) error

	// CopyFromHost fills the whole buffer from src, which must be Len bytes.
	CopyFromHost(ctx context.Context, src []byte) error

	// Free releases device memory. Freeing twice is a no-op.
	Free()
}

// DirectIO is implemented by buffers that transfer between a file and device
// memory without staging the bytes through host memory.
type DirectIO interface {
	Buffer

	// ReadFromFile fills the buffer with Len bytes read from f at off.
	ReadFromFile(ctx context.Context, f *os.File, off int64) (int, error)

	// WriteToFile writes the buffer to f at off.
	WriteToFile(ctx context.Context, f *os.File, off int64) (int, error)
}

// SupportsDirectIO reports whether dev currently offers device-direct
// file transfers. Host memory never does: a host read is already direct.
func SupportsDirectIO(dev Device) bool {
	if dev == nil || dev.Kind() != KindAccelerator {
		return false
	}
	d, ok := dev.(interface{ DirectIOEnabled() bool })
	return ok && d.DirectIOEnabled()
}

// Same reports whether a and b name the same device.
func Same(a, b Device) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name() == b.Name()
}

// Copy returns a new buffer on dst holding the contents of src.
// If src already lives on dst, src is returned unchanged.
func Copy(ctx context.Context, dst Device, src Buffer) (Buffer, error) {
	if Same(dst, src.Device()) {
		return src, nil
	}
	out, err := dst.Alloc(src.Len())
	if err != nil {
		return nil, err
	}
	if hb, ok := src.(*HostBuffer); ok {
		if err := out.CopyFromHost(ctx, hb.Bytes()); err != nil {
			out.Free()
			return nil, err
		}
		return out, nil
	}
	staging := make([]byte, src.Len())
	if err := src.CopyToHost(ctx, staging); err != nil {
		out.Free()
		return nil, err
	}
	if err := out.CopyFromHost(ctx, staging); err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// Parse resolves a device name.
//
// "cpu" and "host" resolve to [Host]. "accel:N" resolves to the accelerator
// registered under ordinal N in reg; a nil reg only accepts host names.
func Parse(name string, reg *Registry) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu", "host":
		return Host, nil
	}
	prefix, ordinal, ok := strings.Cut(name, ":")
	if !ok || prefix != acceleratorPrefix || reg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	n, err := strconv.Atoi(ordinal)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	acc, ok := reg.Get(n)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return acc, nil
}
