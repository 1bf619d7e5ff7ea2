package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHash(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestHasherDistinguishesFieldBoundaries(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("road paving\x1fresurface main st\x1f-"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("road paving resurface\x1fmain st\x1f-"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
