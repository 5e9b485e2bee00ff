package store

import (
	"errors"
	"fmt"

	"github.com/meigma/tensorcache/fingerprint"
)

var (
	// ErrCorrupt is matched by every [IntegrityError]: an entry's marker is
	// present but one of its artifacts is missing or malformed.
	ErrCorrupt = errors.New("tensorcache: corrupt cache entry")

	// ErrInvalidField is returned for field names that are unsafe to embed in paths.
	ErrInvalidField = errors.New("tensorcache: invalid field name")

	// ErrNotCacheable is returned when committing a field without an array.
	ErrNotCacheable = errors.New("tensorcache: field has no array payload")
)

// IntegrityError reports a committed entry whose artifacts cannot be read back.
// It is distinct from a miss; callers decide whether to purge and recompute.
type IntegrityError struct {
	Key   fingerprint.Key
	Field string
	Path  string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("tensorcache: corrupt entry %s field %q (%s): %v", e.Key, e.Field, e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrCorrupt].
func (e *IntegrityError) Is(target error) bool {
	return target == ErrCorrupt
}

func integrityError(key fingerprint.Key, field, path string, err error) error {
	return &IntegrityError{Key: key, Field: field, Path: path, Err: err}
}
