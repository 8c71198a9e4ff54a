// Package storetest holds the behaviour every checkpoint.Store must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Run exercises the Store contract against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Run("SaveLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := stageid.Int(1)

		ok, err := s.Has(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Save(ctx, id, []byte(`{"files":3}`)))

		ok, err = s.Has(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, `{"files":3}`, string(got))
	})

	t.Run("WriteOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := stageid.MustParse("2.5")

		require.NoError(t, s.Save(ctx, id, []byte("first")))
		err := s.Save(ctx, id, []byte("second"))
		assert.ErrorIs(t, err, checkpoint.ErrExists)

		got, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(context.Background(), stageid.Int(9))
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("IDsSorted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ids, err := s.IDs(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)

		for _, raw := range []string{"5", "1", "8.5", "3", "8.25"} {
			require.NoError(t, s.Save(ctx, stageid.MustParse(raw), []byte(raw)))
		}
		ids, err = s.IDs(ctx)
		require.NoError(t, err)

		var got []string
		for _, id := range ids {
			got = append(got, id.String())
		}
		assert.Equal(t, []string{"1", "3", "5", "8.25", "8.5"}, got)
	})
}
