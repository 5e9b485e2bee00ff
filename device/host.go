package device

import (
	"context"
	"fmt"
)

// Host is the host-memory device.
var Host Device = hostDevice{}

type hostDevice struct{}

func (hostDevice) Name() string { return "cpu" }
func (hostDevice) Kind() Kind   { return KindHost }

func (hostDevice) Alloc(n int) (Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("alloc %d bytes: negative size", n)
	}
	return &HostBuffer{data: make([]byte, n)}, nil
}

// HostBuffer is a Buffer backed by ordinary Go memory.
type HostBuffer struct {
	data []byte
}

// WrapHost returns a host buffer that aliases data without copying.
// The caller must not modify data afterwards.
func WrapHost(data []byte) *HostBuffer {
	return &HostBuffer{data: data}
}

// Bytes returns the underlying memory.
func (b *HostBuffer) Bytes() []byte { return b.data }

// Device returns [Host].
func (b *HostBuffer) Device() Device { return Host }

// Len returns the buffer length.
func (b *HostBuffer) Len() int { return len(b.data) }

// CopyToHost copies the buffer into dst.
func (b *HostBuffer) CopyToHost(_ context.Context, dst []byte) error {
	if len(dst) != len(b.data) {
		return fmt.Errorf("%w: have %d, want %d", ErrSizeMismatch, len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

// CopyFromHost copies src into the buffer.
func (b *HostBuffer) CopyFromHost(_ context.Context, src []byte) error {
	if len(src) != len(b.data) {
		return fmt.Errorf("%w: have %d, want %d", ErrSizeMismatch, len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

// Free is a no-op; host memory is garbage collected.
func (b *HostBuffer) Free() {}
