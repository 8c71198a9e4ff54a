package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/checkpoint/storetest"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) checkpoint.Store {
		mr := miniredis.RunT(t)
		s := New(Options{Addr: mr.Addr(), Namespace: "docs"})
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := New(Options{Addr: mr.Addr(), Namespace: "docs"})
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), stageid.MustParse("4.5"), []byte("p")))

	got, err := mr.Get("stagehand:docs:checkpoint:4_5")
	require.NoError(t, err)
	assert.Equal(t, "p", got)

	members, err := mr.Members("stagehand:docs:checkpoints")
	require.NoError(t, err)
	assert.Equal(t, []string{"4_5"}, members)
}

func TestNamespacesAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewWithClient(client, "", "a")
	b := NewWithClient(client, "", "b")
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, stageid.Int(1), []byte("a1")))
	require.NoError(t, b.Save(ctx, stageid.Int(1), []byte("b1")))

	ok, err := b.Has(ctx, stageid.Int(2))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := b.Load(ctx, stageid.Int(1))
	require.NoError(t, err)
	assert.Equal(t, "b1", string(got))

	ids, err := a.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []stageid.ID{stageid.Int(1)}, ids)
}
