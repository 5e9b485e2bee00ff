package tensorcache

import (
	"errors"

	"github.com/meigma/tensorcache/fingerprint"
	"github.com/meigma/tensorcache/hydrate"
	"github.com/meigma/tensorcache/store"
)

// Errors re-exported from subpackages.
var (
	// ErrCorrupt is matched by errors for committed entries whose artifacts
	// are missing or malformed. It is never returned for a plain miss.
	ErrCorrupt = store.ErrCorrupt

	// ErrInvalidField is returned for field names unsafe to embed in paths.
	ErrInvalidField = store.ErrInvalidField

	// ErrUnhashable is returned when a request cannot be fingerprinted.
	ErrUnhashable = fingerprint.ErrUnhashable

	// ErrMiss is returned by hydrators when an entry vanished mid-read.
	ErrMiss = hydrate.ErrMiss
)

// ErrPreTransform wraps failures of the caller's pre-transform.
var ErrPreTransform = errors.New("tensorcache: pre-transform failed")

// IntegrityError is the concrete type behind [ErrCorrupt].
type IntegrityError = store.IntegrityError
