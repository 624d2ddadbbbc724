package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "store"))
	require.NoError(t, err)

	backends := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
	for name, st := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "papertrader:simulation_state"

			_, err := st.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Set(ctx, key, []byte(`{"v":1}`)))
			got, err := st.Get(ctx, key)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":1}`, string(got))

			require.NoError(t, st.Set(ctx, key, []byte(`{"v":2}`)))
			got, err = st.Get(ctx, key)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(got))

			require.NoError(t, st.Remove(ctx, key))
			_, err = st.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			// removing a missing key is not an error
			assert.NoError(t, st.Remove(ctx, key))
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	v := []byte("abc")
	require.NoError(t, st.Set(ctx, "k", v))
	v[0] = 'x'

	got, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[1] = 'y'

	again, _ := st.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestFileStoreEscapesKeys(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Set(context.Background(), "a/b:c", []byte("1")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no subdirectory and no leftover temp file")
	assert.False(t, entries[0].IsDir())
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rdb.Close()
	rs := NewRedisStoreFromClient(rdb, "papertrader:")
	assert.Equal(t, "papertrader:state", rs.key("state"))
	assert.Same(t, rdb, rs.Client())
}
