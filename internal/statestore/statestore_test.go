package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
)

func stateStoreImplementations(t *testing.T) map[string]core.IStateStore {
	t.Helper()
	sqlitePath := filepath.Join(t.TempDir(), "state.db")
	sqliteStore, err := NewSQLiteStore(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]core.IStateStore{
		"sqlite": sqliteStore,
		"memory": NewMemoryStore(),
	}
}

func TestStateStore_PutGetRoundTrip(t *testing.T) {
	for name, store := range stateStoreImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "k1", core.StoredValue{Payload: []byte("v1")}))

			v, ok, err := store.Get(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("v1"), v.Payload)
		})
	}
}

func TestStateStore_GetMissingKey(t *testing.T) {
	for name, store := range stateStoreImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get(context.Background(), "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStateStore_CompareAndSwap_InsertIfAbsent(t *testing.T) {
	for name, store := range stateStoreImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			result, err := store.CompareAndSwap(ctx, "lock:x", nil, core.StoredValue{Payload: []byte("holder-a")})
			require.NoError(t, err)
			assert.Equal(t, core.CASApplied, result)

			result, err = store.CompareAndSwap(ctx, "lock:x", nil, core.StoredValue{Payload: []byte("holder-b")})
			require.NoError(t, err)
			assert.Equal(t, core.CASConflict, result)
		})
	}
}

func TestStateStore_CompareAndSwap_UpdatesOnMatch(t *testing.T) {
	for name, store := range stateStoreImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "k", core.StoredValue{Payload: []byte("v1")}))

			result, err := store.CompareAndSwap(ctx, "k", &core.StoredValue{Payload: []byte("v1")}, core.StoredValue{Payload: []byte("v2")})
			require.NoError(t, err)
			assert.Equal(t, core.CASApplied, result)

			v, _, _ := store.Get(ctx, "k")
			assert.Equal(t, []byte("v2"), v.Payload)
		})
	}
}

func TestStateStore_ExpiryTreatsEntryAsAbsent(t *testing.T) {
	for name, store := range stateStoreImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "ttl", core.StoredValue{
				Payload:   []byte("v"),
				ExpiresAt: time.Now().Add(-time.Second),
			}))

			_, ok, err := store.Get(ctx, "ttl")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStateStore_Scan_ReturnsPrefixMatches(t *testing.T) {
	for name, store := range stateStoreImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "order:1", core.StoredValue{Payload: []byte("a")}))
			require.NoError(t, store.Put(ctx, "order:2", core.StoredValue{Payload: []byte("b")}))
			require.NoError(t, store.Put(ctx, "lock:1", core.StoredValue{Payload: []byte("c")}))

			keys, err := store.Scan(ctx, "order:")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"order:1", "order:2"}, keys)
		})
	}
}
