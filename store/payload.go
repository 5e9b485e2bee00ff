package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/tensorcache/fingerprint"
)

var errDigestMismatch = errors.New("payload digest mismatch")

// ReadPayload reads a field's payload into host memory.
//
// Compressed payloads are decoded. When verify is set and the record carries
// a digest, the stored bytes are checked against it. Any mismatch is an
// [*IntegrityError].
func (s *Store) ReadPayload(ctx context.Context, key fingerprint.Key, field string, rec *Record, verify bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.OpenPayload(key, field, rec)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		r        io.Reader = f
		verifier digest.Verifier
	)
	if verify && rec.Payload.Digest != "" {
		verifier = rec.Payload.Digest.Verifier()
		r = io.TeeReader(f, verifier)
	}

	out := make([]byte, rec.RawSize())
	if rec.Compressed() {
		err = s.decode(r, out)
	} else {
		_, err = io.ReadFull(r, out)
	}
	if err != nil {
		return nil, integrityError(key, field, f.Name(), err)
	}
	if verifier != nil {
		// Drain trailing bytes so the verifier sees the whole file.
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, integrityError(key, field, f.Name(), err)
		}
		if !verifier.Verified() {
			return nil, integrityError(key, field, f.Name(),
				fmt.Errorf("%w: want %s", errDigestMismatch, rec.Payload.Digest))
		}
	}
	return out, nil
}

func (s *Store) decode(r io.Reader, out []byte) error {
	dec, release, err := s.decoders.Get(r)
	if err != nil {
		return err
	}
	defer release()
	if _, err := io.ReadFull(dec, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	var extra [1]byte
	if n, _ := dec.Read(extra[:]); n > 0 { //nolint:errcheck // only the byte count matters
		return errors.New("decode payload: more data than the record shape")
	}
	return nil
}

// Verify checks every artifact of a committed entry: the marker, each
// record, payload sizes and, where recorded, payload digests.
func (s *Store) Verify(ctx context.Context, key fingerprint.Key) error {
	ok, err := s.Lookup(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("verify %s: no committed entry", key)
	}
	fields, err := s.Fields(key)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		marker, _ := s.MarkerPath(key) //nolint:errcheck // key validated by Lookup
		return integrityError(key, "", marker, errors.New("marker has no fields"))
	}
	for _, field := range fields {
		rec, err := s.ReadRecord(key, field)
		if err != nil {
			return err
		}
		if _, err := s.ReadPayload(ctx, key, field, rec, true); err != nil {
			return err
		}
	}
	return nil
}
