package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	acceleratorPrefix = "accel"

	defaultTransferConcurrency = 4
)

// TransferStats counts bytes moved by an accelerator, by path.
type TransferStats struct {
	DirectRead   int64 // file -> device, no host staging
	DirectWrite  int64 // device -> file, no host staging
	HostToDevice int64
	DeviceToHost int64
}

// Accelerator is an in-process accelerator device.
//
// Its memory is private: buffer contents are reachable only through the
// transfer methods, which go through a transfer engine shared by every buffer
// of the device. The engine admits a bounded number of concurrent transfers.
// It is safe for concurrent use.
type Accelerator struct {
	ordinal  int
	limit    int64 // memory limit in bytes (0 = unlimited)
	direct   bool
	engine   *semaphore.Weighted
	used     atomic.Int64
	stats    transferCounters
	disabled atomic.Bool
}

type transferCounters struct {
	directRead   atomic.Int64
	directWrite  atomic.Int64
	hostToDevice atomic.Int64
	deviceToHost atomic.Int64
}

// AcceleratorOption configures an Accelerator.
type AcceleratorOption func(*Accelerator)

// WithMemoryLimit caps total allocated device memory in bytes.
// Use 0 to disable the limit.
func WithMemoryLimit(n int64) AcceleratorOption {
	return func(a *Accelerator) {
		a.limit = n
	}
}

// WithDirectIO enables or disables device-direct file transfers (default: enabled).
func WithDirectIO(enabled bool) AcceleratorOption {
	return func(a *Accelerator) {
		a.direct = enabled
	}
}

// WithTransferConcurrency bounds concurrent transfers through the engine (default: 4).
// Values < 1 are treated as 1.
func WithTransferConcurrency(n int) AcceleratorOption {
	return func(a *Accelerator) {
		if n < 1 {
			n = 1
		}
		a.engine = semaphore.NewWeighted(int64(n))
	}
}

// NewAccelerator creates an accelerator with the given ordinal.
func NewAccelerator(ordinal int, opts ...AcceleratorOption) *Accelerator {
	a := &Accelerator{
		ordinal: ordinal,
		direct:  true,
		engine:  semaphore.NewWeighted(defaultTransferConcurrency),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "accel:N".
func (a *Accelerator) Name() string {
	return acceleratorPrefix + ":" + strconv.Itoa(a.ordinal)
}

// Kind returns [KindAccelerator].
func (a *Accelerator) Kind() Kind { return KindAccelerator }

// Ordinal returns the device ordinal.
func (a *Accelerator) Ordinal() int { return a.ordinal }

// DirectIOEnabled reports whether device-direct file transfers are available.
func (a *Accelerator) DirectIOEnabled() bool {
	return a.direct && !a.disabled.Load()
}

// SetDirectIO toggles device-direct transfers at runtime, e.g. when the
// storage medium stops supporting them.
func (a *Accelerator) SetDirectIO(enabled bool) {
	a.disabled.Store(!enabled)
}

// MemoryUsed returns the currently allocated bytes.
func (a *Accelerator) MemoryUsed() int64 {
	return a.used.Load()
}

// Stats returns a snapshot of the transfer counters.
func (a *Accelerator) Stats() TransferStats {
	return TransferStats{
		DirectRead:   a.stats.directRead.Load(),
		DirectWrite:  a.stats.directWrite.Load(),
		HostToDevice: a.stats.hostToDevice.Load(),
		DeviceToHost: a.stats.deviceToHost.Load(),
	}
}

// Alloc reserves n bytes of device memory.
func (a *Accelerator) Alloc(n int) (Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("alloc %d bytes: negative size", n)
	}
	size := int64(n)
	for {
		cur := a.used.Load()
		if a.limit > 0 && cur+size > a.limit {
			return nil, fmt.Errorf("%w: %s: alloc %d bytes with %d of %d in use",
				ErrOutOfMemory, a.Name(), n, cur, a.limit)
		}
		if a.used.CompareAndSwap(cur, cur+size) {
			break
		}
	}
	return &acceleratorBuffer{dev: a, mem: make([]byte, n)}, nil
}

func (a *Accelerator) acquire(ctx context.Context) error {
	return a.engine.Acquire(ctx, 1)
}

func (a *Accelerator) release() {
	a.engine.Release(1)
}

// acceleratorBuffer implements DirectIO. mem is never handed out.
type acceleratorBuffer struct {
	dev   *Accelerator
	mu    sync.RWMutex
	mem   []byte
	freed bool
}

func (b *acceleratorBuffer) Device() Device { return b.dev }

func (b *acceleratorBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.mem)
}

func (b *acceleratorBuffer) CopyToHost(ctx context.Context, dst []byte) error {
	if err := b.dev.acquire(ctx); err != nil {
		return err
	}
	defer b.dev.release()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.freed {
		return ErrFreed
	}
	if len(dst) != len(b.mem) {
		return fmt.Errorf("%w: have %d, want %d", ErrSizeMismatch, len(dst), len(b.mem))
	}
	copy(dst, b.mem)
	b.dev.stats.deviceToHost.Add(int64(len(dst)))
	return nil
}

func (b *acceleratorBuffer) CopyFromHost(ctx context.Context, src []byte) error {
	if err := b.dev.acquire(ctx); err != nil {
		return err
	}
	defer b.dev.release()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrFreed
	}
	if len(src) != len(b.mem) {
		return fmt.Errorf("%w: have %d, want %d", ErrSizeMismatch, len(src), len(b.mem))
	}
	copy(b.mem, src)
	b.dev.stats.hostToDevice.Add(int64(len(src)))
	return nil
}

func (b *acceleratorBuffer) ReadFromFile(ctx context.Context, f *os.File, off int64) (int, error) {
	if err := b.dev.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.dev.release()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return 0, ErrFreed
	}
	n, err := f.ReadAt(b.mem, off)
	b.dev.stats.directRead.Add(int64(n))
	if err == io.EOF && n == len(b.mem) {
		err = nil
	}
	if err == nil && n != len(b.mem) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *acceleratorBuffer) WriteToFile(ctx context.Context, f *os.File, off int64) (int, error) {
	if err := b.dev.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.dev.release()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.freed {
		return 0, ErrFreed
	}
	n, err := f.WriteAt(b.mem, off)
	b.dev.stats.directWrite.Add(int64(n))
	return n, err
}

func (b *acceleratorBuffer) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return
	}
	b.freed = true
	b.dev.used.Add(-int64(len(b.mem)))
	b.mem = nil
}

// Registry maps accelerator ordinals to devices for name resolution.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]*Accelerator
}

// NewRegistry returns a registry holding accs.
func NewRegistry(accs ...*Accelerator) *Registry {
	r := &Registry{devices: make(map[int]*Accelerator, len(accs))}
	for _, a := range accs {
		r.devices[a.Ordinal()] = a
	}
	return r
}

// Add registers a, replacing any accelerator with the same ordinal.
func (r *Registry) Add(a *Accelerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[a.Ordinal()] = a
}

// Get returns the accelerator with the given ordinal.
func (r *Registry) Get(ordinal int) (*Accelerator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.devices[ordinal]
	return a, ok
}
