package snapshot

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(RedisOptions{
		URL: fmt.Sprintf("redis://%s", mr.Addr()),
		Key: "recalld:snapshot:node-a",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs, mr
}

func TestRedisStore_SaveLoad(t *testing.T) {
	rs, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Save(ctx, sampleSnapshot()))
	assert.True(t, mr.Exists("recalld:snapshot:node-a"))
	assert.False(t, mr.Exists("recalld:snapshot:node-a.tmp"), "temp key is renamed away")

	snap, err := rs.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)
}

func TestRedisStore_MissingKeyIsEmpty(t *testing.T) {
	rs, _ := setupRedisStore(t)

	snap, err := rs.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Entries)
}

func TestRedisStore_Corrupt(t *testing.T) {
	rs, mr := setupRedisStore(t)
	require.NoError(t, mr.Set("recalld:snapshot:node-a", "not a snapshot"))

	_, err := rs.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(RedisOptions{URL: "redis://" + addr, Key: "k"}, nil)
	assert.Error(t, err)
}

func TestRedisStore_RequiresKey(t *testing.T) {
	_, err := NewRedisStore(RedisOptions{URL: "redis://localhost:6379"}, nil)
	assert.Error(t, err)
}
