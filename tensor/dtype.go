package tensor

import (
	"fmt"
	"strings"
)

// DType names an element type. Values match numpy dtype names so cached
// records stay readable by other tooling.
type DType string

// Supported element types.
const (
	Bool    DType = "bool"
	Int8    DType = "int8"
	Uint8   DType = "uint8"
	Int16   DType = "int16"
	Uint16  DType = "uint16"
	Float16 DType = "float16"
	Int32   DType = "int32"
	Uint32  DType = "uint32"
	Float32 DType = "float32"
	Int64   DType = "int64"
	Uint64  DType = "uint64"
	Float64 DType = "float64"
)

var dtypeSizes = map[DType]int{
	Bool:    1,
	Int8:    1,
	Uint8:   1,
	Int16:   2,
	Uint16:  2,
	Float16: 2,
	Int32:   4,
	Uint32:  4,
	Float32: 4,
	Int64:   8,
	Uint64:  8,
	Float64: 8,
}

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	return dtypeSizes[d]
}

// Valid reports whether d is a supported dtype.
func (d DType) Valid() bool {
	return d.Size() > 0
}

// String returns the dtype name.
func (d DType) String() string {
	return string(d)
}

// ParseDType parses a dtype name, case-insensitively.
func ParseDType(s string) (DType, error) {
	d := DType(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDType, s)
	}
	return d, nil
}
