package dbstore

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestPushAndList(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "doc1", "rows", map[string]any{"a": 1}))
	require.NoError(t, s.Push(ctx, "doc1", "rows", map[string]any{"a": 2}))

	values, err := s.List(ctx, "doc1", "rows")
	require.NoError(t, err)
	require.Len(t, values, 2)
}

func TestReadReturnsLatest(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "doc1", "title", "first"))
	require.NoError(t, s.Push(ctx, "doc1", "title", "second"))

	v, err := s.Read(ctx, "doc1", "title")
	require.NoError(t, err)
	require.Equal(t, "second", v)
}

func TestPathsAreSlashNormalized(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "doc1", "/a/b/", "x"))
	v, err := s.Read(ctx, "doc1", "a/b")
	require.NoError(t, err)
	require.Equal(t, "x", v)
}

func TestReadMissingPathIsNotFound(t *testing.T) {
	s := New()
	_, err := s.Read(context.Background(), "doc1", "nowhere")
	require.True(t, trace.IsNotFound(err))
}

func TestDocumentsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "doc1", "rows", "only-doc1"))
	values, err := s.List(ctx, "doc2", "rows")
	require.NoError(t, err)
	require.Empty(t, values)
}
