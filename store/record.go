package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/tensorcache/tensor"
)

// Media types of payload files.
const (
	MediaTypeArray     = "application/vnd.meigma.tensorcache.array.v1"
	MediaTypeArrayZstd = MediaTypeArray + "+zstd"
)

// RecordSchemaVersion is the current metadata record version.
const RecordSchemaVersion = 1

// Metadata keys added to hydrated field metadata.
const (
	MetaShape = "shape"
	MetaDType = "dtype"
)

var errInvalidRecord = errors.New("invalid metadata record")

// Record is the persisted metadata of one field: everything needed to turn
// the flat payload back into an array, plus the field's descriptive metadata.
//
// Records returned by a [Store] may be shared; treat them as read-only.
type Record struct {
	SchemaVersion int                `json:"schemaVersion"`
	Shape         []int              `json:"shape"`
	DType         tensor.DType       `json:"dtype"`
	Attributes    tensor.Metadata    `json:"attributes,omitempty"`
	Payload       ocispec.Descriptor `json:"payload"`
}

// NewRecord describes arr with attrs. The payload descriptor is filled in by
// the writer once the payload is on disk.
func NewRecord(arr *tensor.Array, attrs tensor.Metadata) *Record {
	shape := arr.Shape()
	if shape == nil {
		shape = []int{}
	}
	return &Record{
		SchemaVersion: RecordSchemaVersion,
		Shape:         shape,
		DType:         arr.DType(),
		Attributes:    withoutReserved(attrs),
	}
}

// DecodeRecord parses and validates a metadata file.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Encode serializes the record.
func (r *Record) Encode() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Validate checks the record is self-consistent.
func (r *Record) Validate() error {
	if r.SchemaVersion != RecordSchemaVersion {
		return fmt.Errorf("%w: schema version %d", errInvalidRecord, r.SchemaVersion)
	}
	if !r.DType.Valid() {
		return fmt.Errorf("%w: dtype %q", errInvalidRecord, r.DType)
	}
	if _, err := tensor.ByteSize(r.DType, r.Shape); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRecord, err)
	}
	switch r.Payload.MediaType {
	case MediaTypeArray:
		if r.Payload.Size != r.RawSize() {
			return fmt.Errorf("%w: payload size %d, shape %v of %s needs %d",
				errInvalidRecord, r.Payload.Size, r.Shape, r.DType, r.RawSize())
		}
	case MediaTypeArrayZstd:
		if r.Payload.Size <= 0 {
			return fmt.Errorf("%w: compressed payload size %d", errInvalidRecord, r.Payload.Size)
		}
	default:
		return fmt.Errorf("%w: media type %q", errInvalidRecord, r.Payload.MediaType)
	}
	if r.Payload.Digest != "" {
		if err := r.Payload.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: %w", errInvalidRecord, err)
		}
	}
	return nil
}

// RawSize returns the uncompressed payload size in bytes.
func (r *Record) RawSize() int64 {
	n, err := tensor.ByteSize(r.DType, r.Shape)
	if err != nil {
		return 0
	}
	return int64(n)
}

// Compressed reports whether the payload is zstd framed.
func (r *Record) Compressed() bool {
	return r.Payload.MediaType == MediaTypeArrayZstd
}

// PayloadDigest returns the recorded payload digest, if any.
func (r *Record) PayloadDigest() digest.Digest {
	return r.Payload.Digest
}

// Metadata returns a fresh copy of the attributes with shape and dtype added.
func (r *Record) Metadata() tensor.Metadata {
	m := make(tensor.Metadata, len(r.Attributes)+2)
	for k, v := range r.Attributes {
		m[k] = v
	}
	m[MetaShape] = slices.Clone(r.Shape)
	m[MetaDType] = r.DType.String()
	return m
}

// withoutReserved drops attributes that the record stores as typed fields.
func withoutReserved(attrs tensor.Metadata) tensor.Metadata {
	if len(attrs) == 0 {
		return nil
	}
	out := make(tensor.Metadata, len(attrs))
	for k, v := range attrs {
		if k == MetaShape || k == MetaDType {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// recordMemo keeps records this process has written or read, keyed by
// metadata file name. A record published by another writer for the same name
// describes identical content, so the memo never needs invalidation except on
// purge.
type recordMemo struct {
	records sync.Map // string -> *Record
}

func (m *recordMemo) get(name string) (*Record, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.records.Load(name)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*Record)
	return rec, ok
}

func (m *recordMemo) put(name string, rec *Record) {
	if m == nil {
		return
	}
	m.records.Store(name, rec)
}

func (m *recordMemo) evictPrefix(prefix string) {
	if m == nil {
		return
	}
	m.records.Range(func(k, _ any) bool {
		if name, ok := k.(string); ok && strings.HasPrefix(name, prefix) {
			m.records.Delete(k)
		}
		return true
	})
}
