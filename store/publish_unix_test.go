//go:build unix

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCommitWithoutHardLinksRenames(t *testing.T) {
	t.Parallel()
	for _, errno := range []unix.Errno{unix.EPERM, unix.ENOTSUP} {
		t.Run(errno.Error(), func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t, WithRecordMemo(false))
			w := NewWriter(s)
			var renamed int
			w.link = func(oldname, newname string) error {
				return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: errno}
			}
			w.rename = func(oldpath, newpath string) error {
				renamed++
				return os.Rename(oldpath, newpath)
			}
			key := testKey(t, "item")

			outcome, err := w.Commit(context.Background(), key, "image", testField(t, []int{1}, []float32{1}, nil))
			require.NoError(t, err)
			assert.Equal(t, OutcomePublished, outcome)
			assert.Equal(t, 1, renamed)

			_, err = s.ReadRecord(key, "image")
			require.NoError(t, err)
		})
	}
}

func TestCommitLinkAccessDenied(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	w := NewWriter(s)
	var renamed int
	w.link = func(oldname, newname string) error {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: unix.EACCES}
	}
	w.rename = func(oldpath, newpath string) error {
		renamed++
		return os.Rename(oldpath, newpath)
	}

	outcome, err := w.Commit(context.Background(), testKey(t, "item"), "image", testField(t, []int{1}, []float32{1}, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomePermissionDenied, outcome)
	assert.Zero(t, renamed)
}

func TestCommitRenameDenied(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	w := NewWriter(s)
	w.link = func(oldname, newname string) error {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: unix.EPERM}
	}
	w.rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: unix.EACCES}
	}

	outcome, err := w.Commit(context.Background(), testKey(t, "item"), "image", testField(t, []int{1}, []float32{1}, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomePermissionDenied, outcome)
}

func TestSealHonorsFilePerm(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, WithFilePerm(0o644))
	w := NewWriter(s)
	key := testKey(t, "item")

	require.NoError(t, w.Seal(key))
	path, err := s.MarkerPath(key)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}
