package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v"))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)

	require.NoError(t, store.Remove(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadJSONLeavesFallbackOnMalformedValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "k", "{not json"))

	out := map[string]string{"keep": "me"}
	require.NoError(t, ReadJSON(ctx, store, "k", &out))
	require.Equal(t, map[string]string{"keep": "me"}, out)
}

func TestWriteThenReadJSON(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, WriteJSON(ctx, store, "k", map[string]int{"n": 7}))

	var out map[string]int
	require.NoError(t, ReadJSON(ctx, store, "k", &out))
	require.Equal(t, 7, out["n"])
}
