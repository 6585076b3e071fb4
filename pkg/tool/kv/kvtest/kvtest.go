// Package kvtest holds behaviour checks shared by every kv.Store backend.
package kvtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
)

// Run exercises s. Each subtest uses its own table so backends may be shared.
func Run(t *testing.T, s kv.Store) {
	t.Helper()
	ctx := context.Background()
	future := time.Now().Add(time.Hour).Unix()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing", "nope")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "pg", "k", kv.Item{"a": "1", "n": 2}))
		it, err := s.Get(ctx, "pg", "k")
		require.NoError(t, err)
		assert.Equal(t, "1", it["a"])
		assert.EqualValues(t, 2, it["n"])

		require.NoError(t, s.Put(ctx, "pg", "k", kv.Item{"a": "2"}))
		it, err = s.Get(ctx, "pg", "k")
		require.NoError(t, err)
		assert.Equal(t, "2", it["a"])
		_, had := it["n"]
		assert.False(t, had, "put replaces the whole record")
	})

	t.Run("expired records are absent", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).Unix()
		require.NoError(t, s.Put(ctx, "exp", "old", kv.Item{"v": "x", kv.TTLAttr: past}))
		_, err := s.Get(ctx, "exp", "old")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Create(ctx, "exp", "old", kv.Item{"v": "y", kv.TTLAttr: future}),
			"create may replace an expired record")
		it, err := s.Get(ctx, "exp", "old")
		require.NoError(t, err)
		assert.Equal(t, "y", it["v"])
	})

	t.Run("create refuses an expired item", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).Unix()
		err := s.Create(ctx, "cx", "k", kv.Item{"v": "x", kv.TTLAttr: past})
		require.ErrorIs(t, err, kv.ErrExpired)
		_, err = s.Get(ctx, "cx", "k")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Create(ctx, "cx", "k", kv.Item{"v": "y", kv.TTLAttr: future}),
			"nothing was written by the refused create")
	})

	t.Run("create refuses live record", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, "cr", "k", kv.Item{"v": "first", kv.TTLAttr: future}))
		err := s.Create(ctx, "cr", "k", kv.Item{"v": "second", kv.TTLAttr: future})
		require.ErrorIs(t, err, kv.ErrConditionFailed)
		it, err := s.Get(ctx, "cr", "k")
		require.NoError(t, err)
		assert.Equal(t, "first", it["v"])
	})

	t.Run("conditional update", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "cu", "k", kv.Item{"nonce": "n1", "nonce_count": 0, "keep": "me", kv.TTLAttr: future}))

		err := s.ConditionalUpdate(ctx, "cu", "k", kv.Item{"nonce": "other", "nonce_count": 0}, kv.Item{"nonce_count": 1})
		require.ErrorIs(t, err, kv.ErrConditionFailed)

		require.NoError(t, s.ConditionalUpdate(ctx, "cu", "k", kv.Item{"nonce": "n1", "nonce_count": 0}, kv.Item{"nonce_count": 1}))
		it, err := s.Get(ctx, "cu", "k")
		require.NoError(t, err)
		assert.EqualValues(t, 1, it["nonce_count"])
		assert.Equal(t, "me", it["keep"])

		err = s.ConditionalUpdate(ctx, "cu", "k", kv.Item{"nonce": "n1", "nonce_count": 0}, kv.Item{"nonce_count": 1})
		require.ErrorIs(t, err, kv.ErrConditionFailed)

		err = s.ConditionalUpdate(ctx, "cu", "absent", kv.Item{"nonce": "n1"}, kv.Item{"nonce_count": 1})
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("conditional update is exclusive", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "race", "k", kv.Item{"nonce": "n", "nonce_count": 0, kv.TTLAttr: future}))
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.ConditionalUpdate(ctx, "race", "k", kv.Item{"nonce": "n", "nonce_count": 0}, kv.Item{"nonce_count": 1}) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("delete and scan", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "sc", "a", kv.Item{"id": "a"}))
		require.NoError(t, s.Put(ctx, "sc", "b", kv.Item{"id": "b"}))
		require.NoError(t, s.Put(ctx, "sc", "c", kv.Item{"id": "c", kv.TTLAttr: time.Now().Add(-time.Second).Unix()}))
		require.NoError(t, s.Put(ctx, "other", "z", kv.Item{"id": "z"}))

		items, err := s.Scan(ctx, "sc")
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, it := range items {
			ids[it["id"].(string)] = true
		}
		assert.Equal(t, map[string]bool{"a": true, "b": true}, ids)

		require.NoError(t, s.Delete(ctx, "sc", "a"))
		_, err = s.Get(ctx, "sc", "a")
		require.ErrorIs(t, err, kv.ErrNotFound)
		require.NoError(t, s.Delete(ctx, "sc", "a"), "deleting twice is not an error")
	})
}
