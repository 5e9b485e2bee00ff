package device

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostBufferRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	buf, err := Host.Alloc(4)
	require.NoError(t, err)
	require.NoError(t, buf.CopyFromHost(ctx, []byte{1, 2, 3, 4}))

	got := make([]byte, 4)
	require.NoError(t, buf.CopyToHost(ctx, got))
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	assert.Equal(t, Host, buf.Device())

	err = buf.CopyFromHost(ctx, []byte{1})
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestAcceleratorTransfers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acc := NewAccelerator(0)

	buf, err := acc.Alloc(3)
	require.NoError(t, err)
	require.NoError(t, buf.CopyFromHost(ctx, []byte("abc")))

	got := make([]byte, 3)
	require.NoError(t, buf.CopyToHost(ctx, got))
	assert.Equal(t, []byte("abc"), got)

	stats := acc.Stats()
	assert.Equal(t, int64(3), stats.HostToDevice)
	assert.Equal(t, int64(3), stats.DeviceToHost)
	assert.Equal(t, int64(3), acc.MemoryUsed())

	buf.Free()
	buf.Free()
	assert.Equal(t, int64(0), acc.MemoryUsed())
	require.ErrorIs(t, buf.CopyToHost(ctx, got), ErrFreed)
}

func TestAcceleratorMemoryLimit(t *testing.T) {
	t.Parallel()
	acc := NewAccelerator(1, WithMemoryLimit(8))

	first, err := acc.Alloc(6)
	require.NoError(t, err)
	_, err = acc.Alloc(6)
	require.ErrorIs(t, err, ErrOutOfMemory)

	first.Free()
	_, err = acc.Alloc(6)
	require.NoError(t, err)
}

func TestAcceleratorDirectIO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acc := NewAccelerator(0)
	require.True(t, SupportsDirectIO(acc))

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf, err := acc.Alloc(10)
	require.NoError(t, err)
	direct, ok := buf.(DirectIO)
	require.True(t, ok)

	n, err := direct.ReadFromFile(ctx, f, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got := make([]byte, 10)
	require.NoError(t, buf.CopyToHost(ctx, got))
	assert.Equal(t, []byte("0123456789"), got)
	assert.Equal(t, int64(10), acc.Stats().DirectRead)
	assert.Equal(t, int64(0), acc.Stats().HostToDevice)

	short, err := acc.Alloc(20)
	require.NoError(t, err)
	_, err = short.(DirectIO).ReadFromFile(ctx, f, 0)
	require.Error(t, err)
}

func TestSupportsDirectIO(t *testing.T) {
	t.Parallel()

	assert.False(t, SupportsDirectIO(Host))
	assert.False(t, SupportsDirectIO(nil))
	assert.False(t, SupportsDirectIO(NewAccelerator(0, WithDirectIO(false))))

	acc := NewAccelerator(0)
	acc.SetDirectIO(false)
	assert.False(t, SupportsDirectIO(acc))
	acc.SetDirectIO(true)
	assert.True(t, SupportsDirectIO(acc))
}

func TestCopyBetweenDevices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a0 := NewAccelerator(0)
	a1 := NewAccelerator(1)

	src := WrapHost([]byte("tensor"))
	on0, err := Copy(ctx, a0, src)
	require.NoError(t, err)
	assert.Equal(t, "accel:0", on0.Device().Name())

	on1, err := Copy(ctx, a1, on0)
	require.NoError(t, err)
	assert.Equal(t, "accel:1", on1.Device().Name())

	same, err := Copy(ctx, a1, on1)
	require.NoError(t, err)
	assert.Same(t, on1, same)

	got := make([]byte, 6)
	require.NoError(t, on1.CopyToHost(ctx, got))
	assert.Equal(t, []byte("tensor"), got)
}

func TestAcceleratorConcurrentTransfers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acc := NewAccelerator(0, WithTransferConcurrency(2))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := acc.Alloc(64)
			if !assert.NoError(t, err) {
				return
			}
			defer buf.Free()
			assert.NoError(t, buf.CopyFromHost(ctx, make([]byte, 64)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16*64), acc.Stats().HostToDevice)
	assert.Equal(t, int64(0), acc.MemoryUsed())
}

func TestParse(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(NewAccelerator(0), NewAccelerator(3))

	dev, err := Parse("cpu", reg)
	require.NoError(t, err)
	assert.Equal(t, Host, dev)

	dev, err = Parse("accel:3", reg)
	require.NoError(t, err)
	assert.Equal(t, "accel:3", dev.Name())

	for _, name := range []string{"accel:1", "accel:x", "gpu:0", "accel"} {
		_, err := Parse(name, reg)
		require.ErrorIs(t, err, ErrUnknownDevice, name)
	}

	_, err = Parse("accel:0", nil)
	require.ErrorIs(t, err, ErrUnknownDevice)
}
