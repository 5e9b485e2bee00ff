package fingerprint

import (
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDeterministic(t *testing.T) {
	t.Parallel()

	item := map[string]any{"image": "/data/img1.nii.gz", "label": "/data/seg1.nii.gz"}
	p := NewPipeline(Step{Name: "LoadImage"}, Step{Name: "ScaleIntensity", Params: map[string]any{"min": 0, "max": 1}})

	k1, err := Compute(item, p)
	require.NoError(t, err)
	k2, err := Compute(item, p)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	require.NoError(t, k1.Validate())
	assert.Len(t, k1.String(), KeyLen)

	// A fresh pipeline with identical steps yields the same key.
	k3, err := Compute(item, NewPipeline(Step{Name: "LoadImage"}, Step{Name: "ScaleIntensity", Params: map[string]any{"max": 1, "min": 0}}))
	require.NoError(t, err)
	assert.Equal(t, k1, k3)
}

// TestComputeStableAcrossRestarts pins the encoding so keys written by one
// process are found by the next.
func TestComputeStableAcrossRestarts(t *testing.T) {
	t.Parallel()

	k, err := Compute([]byte("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, Algorithm.FromString("bytes\x00abc").Encoded(), k.ItemDigest())
	assert.Equal(t, Algorithm.FromString("[]").Encoded(), k.PipelineDigest())
}

func TestComputeOrderIndependentMaps(t *testing.T) {
	t.Parallel()

	a := map[string]any{}
	b := map[string]any{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		a[k] = k
	}
	for _, k := range []string{"f", "e", "d", "c", "b", "a"} {
		b[k] = k
	}

	ka, err := Compute(a, nil)
	require.NoError(t, err)
	kb, err := Compute(b, nil)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestComputeDistinguishesInputs(t *testing.T) {
	t.Parallel()

	p1 := NewPipeline(Step{Name: "A"})
	p2 := NewPipeline(Step{Name: "A"}, Step{Name: "B"})

	k1, err := Compute("x", p1)
	require.NoError(t, err)
	k2, err := Compute("x", p2)
	require.NoError(t, err)
	k3, err := Compute("y", p1)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, k1.ItemDigest(), k2.ItemDigest())
	assert.Equal(t, k1.PipelineDigest(), k3.PipelineDigest())
}

func TestComputeUnhashable(t *testing.T) {
	t.Parallel()

	for name, item := range map[string]any{
		"nil":  nil,
		"chan": make(chan int),
		"func": func() {},
		"nan":  math.NaN(),
	} {
		_, err := Compute(item, nil)
		require.ErrorIs(t, err, ErrUnhashable, name)
	}

	_, err := Compute(failingHashable{}, nil)
	require.ErrorIs(t, err, ErrUnhashable)
}

func TestComputeHashable(t *testing.T) {
	t.Parallel()

	k1, err := Compute(record{id: "a"}, nil)
	require.NoError(t, err)
	k2, err := Compute(record{id: "a", ignored: 9}, nil)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestPipelineDigestCached(t *testing.T) {
	t.Parallel()

	d := &countingDescriptor{desc: []byte(`{"transforms":["load"]}`)}
	p := FromDescriptor(d)
	for i := 0; i < 5; i++ {
		_, err := Compute(i, p)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, d.calls)

	desc, err := p.Describe()
	require.NoError(t, err)
	assert.Equal(t, d.desc, desc)
}

func TestPipelineDescriptorError(t *testing.T) {
	t.Parallel()

	p := FromDescriptor(&countingDescriptor{err: errors.New("boom")})
	_, err := Compute("x", p)
	require.ErrorContains(t, err, "boom")
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	k, err := Compute("x", nil)
	require.NoError(t, err)

	parsed, err := ParseKey("  " + strings.ToUpper(k.String()) + "\n")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	for _, bad := range []string{"", "abc", strings.Repeat("g", KeyLen), "../" + k.String()[3:]} {
		_, err := ParseKey(bad)
		require.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

type record struct {
	id      string
	ignored int
}

func (r record) WriteFingerprint(w io.Writer) error {
	_, err := io.WriteString(w, r.id)
	return err
}

type failingHashable struct{}

func (failingHashable) WriteFingerprint(io.Writer) error { return errors.New("cannot encode") }

type countingDescriptor struct {
	desc  []byte
	err   error
	calls int
}

func (d *countingDescriptor) DescribePipeline() ([]byte, error) {
	d.calls++
	return d.desc, d.err
}

func TestHasherCustomEncoder(t *testing.T) {
	t.Parallel()

	type sample struct{ Path string }
	calls := 0
	enc := func(item any) ([]byte, error) {
		calls++
		s, ok := item.(sample)
		if !ok {
			return nil, errors.New("unsupported item")
		}
		return []byte(strings.ToLower(s.Path)), nil
	}
	h := NewHasher(WithEncoder("path", enc))

	k1, err := h.Key(sample{Path: "/DATA/a.nii"}, nil)
	require.NoError(t, err)
	k2, err := h.Key(sample{Path: "/data/a.nii"}, nil)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, 2, calls)

	// Strings bypass the encoder.
	_, err = h.Key("raw", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = h.Key(42, nil)
	require.ErrorIs(t, err, ErrUnhashable)

	// The encoder name separates key spaces.
	def, err := Compute(sample{Path: "/data/a.nii"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, def, k2)
}
