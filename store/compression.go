package store

import (
	"fmt"
	"strings"
)

// Compression selects how payload files are encoded.
type Compression uint8

const (
	// CompressionNone stores raw array bytes. Only raw payloads can be read
	// straight into device memory.
	CompressionNone Compression = iota
	// CompressionZstd stores a single zstd frame. Hydration always goes
	// through host memory to decode it.
	CompressionZstd
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses "none" or "zstd". The empty string is "none".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) mediaType() string {
	if c == CompressionZstd {
		return MediaTypeArrayZstd
	}
	return MediaTypeArray
}
