package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestWriteAndReadBlob(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	ctx := context.Background()
	content := []byte("hello blob")
	fileId := hashOf(content)

	require.NoError(t, s.WriteBlob(ctx, 1, fileId, "", bytes.NewReader(content), store.WriteOpts{}))

	got, err := s.ReadBlob(ctx, 1, fileId, "")
	require.NoError(t, err)
	require.Equal(t, content, got)

	ok, err := s.CheckBlob(ctx, 1, fileId, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWriteBlobRejectsHashMismatch(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	ctx := context.Background()
	content := []byte("real content")
	wrongId := hashOf([]byte("different content"))

	err := s.WriteBlob(ctx, 1, wrongId, "", bytes.NewReader(content), store.WriteOpts{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	ok, err := s.CheckBlob(ctx, 1, wrongId, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteBlobIsIdempotent(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	ctx := context.Background()
	content := []byte("once")
	fileId := hashOf(content)

	require.NoError(t, s.WriteBlob(ctx, 1, fileId, "", bytes.NewReader(content), store.WriteOpts{}))
	require.NoError(t, s.WriteBlob(ctx, 1, fileId, "", bytes.NewReader(content), store.WriteOpts{}))

	got, err := s.ReadBlob(ctx, 1, fileId, "")
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestWriteBlobVariantSkipsHashCheck(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	ctx := context.Background()
	canonical := []byte("full resolution")
	fileId := hashOf(canonical)
	thumb := []byte("tiny")

	require.NoError(t, s.WriteBlob(ctx, 1, fileId, "", bytes.NewReader(canonical), store.WriteOpts{}))
	// A variant's bytes never hash to the canonical fileId; the label keys
	// it alongside the canonical form instead.
	require.NoError(t, s.WriteBlob(ctx, 1, fileId, "tn", bytes.NewReader(thumb), store.WriteOpts{}))

	got, err := s.ReadBlob(ctx, 1, fileId, "tn")
	require.NoError(t, err)
	require.Equal(t, thumb, got)
}

func TestPublicBlobIsMirrored(t *testing.T) {
	publicDir := t.TempDir()
	s := New(t.TempDir(), publicDir)
	ctx := context.Background()
	content := []byte("shared bytes")
	fileId := hashOf(content)

	require.NoError(t, s.WriteBlob(ctx, 7, fileId, "", bytes.NewReader(content), store.WriteOpts{Public: true}))

	mirrored, err := os.ReadFile(filepath.Join(publicDir, "7", fileId[:2], fileId))
	require.NoError(t, err)
	require.Equal(t, content, mirrored)
}

func TestPrivateBlobIsNotMirrored(t *testing.T) {
	publicDir := t.TempDir()
	s := New(t.TempDir(), publicDir)
	ctx := context.Background()
	content := []byte("private bytes")
	fileId := hashOf(content)

	require.NoError(t, s.WriteBlob(ctx, 7, fileId, "", bytes.NewReader(content), store.WriteOpts{}))

	_, err := os.Stat(filepath.Join(publicDir, "7", fileId[:2], fileId))
	require.True(t, os.IsNotExist(err))
}

func TestReadMissingBlobIsNotFound(t *testing.T) {
	s := New(t.TempDir(), t.TempDir())
	_, err := s.ReadBlob(context.Background(), 1, hashOf([]byte("nope")), "")
	require.True(t, trace.IsNotFound(err))
}
