// Package fingerprint derives cache keys from request content and the
// identity of the transform pipeline that will be applied to it.
//
// A [Key] is the hex digest of the untransformed item followed by the hex
// digest of the pipeline description. Byte-identical items and pipelines
// always produce the same key, across processes and machines.
package fingerprint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

var (
	// ErrUnhashable is returned when an item cannot be encoded deterministically.
	ErrUnhashable = errors.New("fingerprint: item is not hashable")

	// ErrInvalidKey is returned for malformed keys.
	ErrInvalidKey = errors.New("fingerprint: invalid key")
)

// Algorithm is the digest algorithm used for items and pipelines.
const Algorithm = digest.SHA256

// KeyLen is the length of a key in characters.
var KeyLen = 2 * hex.EncodedLen(Algorithm.Size())

// Domain tags keep the encodings of different item kinds apart.
const (
	tagBytes    = "bytes\x00"
	tagJSON     = "json\x00"
	tagHashable = "hashable\x00"
)

// Hashable is implemented by items that encode themselves canonically.
// Equal items must write equal bytes.
type Hashable interface {
	WriteFingerprint(w io.Writer) error
}

// Key identifies a cache entry. It is filesystem safe.
type Key string

// String returns the key.
func (k Key) String() string { return string(k) }

// ItemDigest returns the encoded item half of the key.
func (k Key) ItemDigest() string {
	if len(k) != KeyLen {
		return ""
	}
	return string(k[:KeyLen/2])
}

// PipelineDigest returns the encoded pipeline half of the key.
func (k Key) PipelineDigest() string {
	if len(k) != KeyLen {
		return ""
	}
	return string(k[KeyLen/2:])
}

// Validate checks the key length and alphabet.
func (k Key) Validate() error {
	if len(k) != KeyLen {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(k), KeyLen)
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidKey, c, i)
		}
	}
	return nil
}

// ParseKey parses and validates a key string.
func ParseKey(s string) (Key, error) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Compute returns the key for item under p using the default [Hasher].
func Compute(item any, p *Pipeline) (Key, error) {
	return defaultHasher.Key(item, p)
}

// ItemDigest digests an untransformed item using the default [Hasher].
func ItemDigest(item any) (digest.Digest, error) {
	return defaultHasher.ItemDigest(item)
}

// Encoder encodes items that are neither [Hashable], []byte nor string.
// It must be deterministic: equal content must encode to equal bytes.
type Encoder func(item any) ([]byte, error)

// Hasher derives keys with a configurable item encoder.
// The zero value is not usable; use [NewHasher].
type Hasher struct {
	encode Encoder
	tag    string
}

// HasherOption configures a Hasher.
type HasherOption func(*Hasher)

// WithEncoder replaces the JSON fallback encoding. name is mixed into every
// digest it produces, so keys from different encoders never collide.
func WithEncoder(name string, enc Encoder) HasherOption {
	return func(h *Hasher) {
		h.encode = enc
		h.tag = name + "\x00"
	}
}

var defaultHasher = NewHasher()

// NewHasher returns a hasher. By default items are JSON encoded.
func NewHasher(opts ...HasherOption) *Hasher {
	h := &Hasher{encode: json.Marshal, tag: tagJSON}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Key returns the key for item under p.
func (h *Hasher) Key(item any, p *Pipeline) (Key, error) {
	itemDigest, err := h.ItemDigest(item)
	if err != nil {
		return "", err
	}
	pipelineDigest, err := p.Digest()
	if err != nil {
		return "", err
	}
	return Key(itemDigest.Encoded() + pipelineDigest.Encoded()), nil
}

// ItemDigest digests an untransformed item.
//
// [Hashable] items write their own bytes; []byte and string items are hashed
// as-is; anything else goes through the encoder. The default JSON encoder
// sorts object keys, so maps with equal content hash equally regardless of
// iteration order.
func (h *Hasher) ItemDigest(item any) (digest.Digest, error) {
	d := Algorithm.Digester()
	w := d.Hash()
	switch v := item.(type) {
	case nil:
		return "", fmt.Errorf("%w: nil item", ErrUnhashable)
	case Hashable:
		_, _ = io.WriteString(w, tagHashable) //nolint:errcheck // hash writes never fail
		if err := v.WriteFingerprint(w); err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnhashable, err)
		}
	case []byte:
		_, _ = io.WriteString(w, tagBytes) //nolint:errcheck // hash writes never fail
		_, _ = w.Write(v)                  //nolint:errcheck // hash writes never fail
	case string:
		_, _ = io.WriteString(w, tagBytes) //nolint:errcheck // hash writes never fail
		_, _ = io.WriteString(w, v)        //nolint:errcheck // hash writes never fail
	default:
		data, err := h.encode(v)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnhashable, err)
		}
		_, _ = io.WriteString(w, h.tag) //nolint:errcheck // hash writes never fail
		_, _ = w.Write(data)            //nolint:errcheck // hash writes never fail
	}
	return d.Digest(), nil
}
