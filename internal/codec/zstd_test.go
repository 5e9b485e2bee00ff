package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolsRoundTrip(t *testing.T) {
	t.Parallel()

	enc := NewEncoderPool(zstd.SpeedDefault)
	dec := NewDecoderPool(0)
	payload := bytes.Repeat([]byte("tensor payload "), 512)

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		w, release, err := enc.Get(&buf)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		release()
		assert.Less(t, buf.Len(), len(payload))

		r, done, err := dec.Get(&buf)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		done()
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestDecoderPoolRejectsGarbage(t *testing.T) {
	t.Parallel()

	dec := NewDecoderPool(1<<20, WithDecoderLowmem(true), WithDecoderConcurrency(-1))
	r, done, err := dec.Get(bytes.NewReader([]byte("not zstd")))
	if err != nil {
		return
	}
	defer done()
	_, err = io.ReadAll(r)
	require.Error(t, err)
}

func TestNilDecoderPool(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var p *DecoderPool
	r, done, err := p.Get(&buf)
	require.NoError(t, err)
	defer done()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
