// Package codec provides pooled zstd encoders and decoders for payload files.
package codec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DecoderPool manages reusable zstd decoders to reduce allocation overhead.
type DecoderPool struct {
	pool             *sync.Pool
	maxDecoderMemory uint64
	concurrency      int
	lowmem           bool
}

// DecoderOption configures a DecoderPool.
type DecoderOption func(*DecoderPool)

// WithDecoderConcurrency sets the decoder concurrency level (default: 1).
// Values < 0 are treated as 0 (use GOMAXPROCS).
func WithDecoderConcurrency(n int) DecoderOption {
	return func(p *DecoderPool) {
		if n < 0 {
			n = 0
		}
		p.concurrency = n
	}
}

// WithDecoderLowmem enables or disables low-memory mode for decoders.
func WithDecoderLowmem(enabled bool) DecoderOption {
	return func(p *DecoderPool) {
		p.lowmem = enabled
	}
}

// NewDecoderPool creates a pool of zstd decoders.
// If maxMemory is 0, no memory limit is applied to decoders.
func NewDecoderPool(maxMemory uint64, opts ...DecoderOption) *DecoderPool {
	p := &DecoderPool{
		maxDecoderMemory: maxMemory,
		concurrency:      1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pool = &sync.Pool{
		New: func() any {
			dec, err := p.newDecoder(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
	return p
}

// Get returns a decoder configured to read from r.
// The caller must call the returned release function when done.
// If an error is returned, no release function needs to be called.
func (p *DecoderPool) Get(r io.Reader) (*zstd.Decoder, func(), error) {
	if p == nil || p.pool == nil {
		dec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	}

	dec, ok := p.pool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		newDec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	if err := dec.Reset(r); err != nil {
		dec.Close()
		newDec, err := p.newDecoder(r)
		if err != nil {
			return nil, nil, err
		}
		return newDec, newDec.Close, nil
	}

	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.pool.Put(dec)
	}, nil
}

func (p *DecoderPool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	if p == nil {
		return zstd.NewReader(r)
	}
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(p.concurrency),
		zstd.WithDecoderLowmem(p.lowmem),
	}
	if p.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	return zstd.NewReader(r, opts...)
}

// EncoderPool manages reusable zstd encoders at a fixed level.
type EncoderPool struct {
	level zstd.EncoderLevel
	pool  sync.Pool
}

// NewEncoderPool creates a pool of encoders at level.
func NewEncoderPool(level zstd.EncoderLevel) *EncoderPool {
	return &EncoderPool{level: level}
}

// Get returns an encoder writing to w. Close the encoder to flush the frame,
// then call release.
func (p *EncoderPool) Get(w io.Writer) (*zstd.Encoder, func(), error) {
	if enc, ok := p.pool.Get().(*zstd.Encoder); ok && enc != nil {
		enc.Reset(w)
		return enc, func() { p.pool.Put(enc) }, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(p.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, nil, err
	}
	return enc, func() { p.pool.Put(enc) }, nil
}
