package sha256

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderDigestsStream(t *testing.T) {
	r := NewReader(strings.NewReader("hello"))
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", r.Sum())
	assert.EqualValues(t, 5, r.Size())
}

func TestReaderEmpty(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", r.Sum())
	assert.Zero(t, r.Size())
}
