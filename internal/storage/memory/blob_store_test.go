package memory

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/conversion-progress/internal/store"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	ctx := context.Background()
	payload := []byte("# converted")
	uri, err := s.PutObject(ctx, "archive/c1/report.md", "text/markdown", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://archive/c1/report.md", uri)

	payload[0] = '!'
	rc, contentType, err := s.GetObject(ctx, "archive/c1/report.md")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "# converted", string(got))
	require.Equal(t, "text/markdown", contentType)

	ok, err := s.Exists(ctx, "archive/c1/report.md")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"archive/c1/report.md"}, s.Paths())
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	_, err := s.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)

	_, _, err = s.GetObject(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	ok, err := s.Exists(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
