package persist

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"driftworld/server/internal/proto"
)

func testStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(zerolog.Nop(), mr.Addr(), "", "testworld")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	entities := []proto.EntityRecord{
		{ID: "app-1", Kind: "app", Blueprint: "tree", Position: []float64{1, 0, 2}},
		{ID: "app-2", Kind: "app", Blueprint: "rock", State: map[string]any{"hits": float64(3)}},
	}
	require.NoError(t, s.SaveEntities(ctx, entities, nil))
	require.NoError(t, s.SaveBlueprints(ctx, []proto.BlueprintRecord{
		{ID: "tree", Version: 2, Model: "asset://aaa.glb", Script: "asset://bbb.js"},
	}))
	require.NoError(t, s.SaveUsers(ctx, []proto.UserRecord{
		{ID: "u1", Name: "ada", Roles: []string{"admin"}},
	}))
	require.NoError(t, s.SaveChat(ctx, []proto.ChatRecord{
		{ID: "c1", Author: "ada", Body: "hello", Timestamp: 123},
	}))
	require.NoError(t, s.SaveSpawn(ctx, &SpawnRecord{Position: []float64{5, 0, 5}, Yaw: 1.5}))

	w, err := s.LoadWorld(ctx)
	require.NoError(t, err)
	require.Len(t, w.Entities, 2)
	require.Len(t, w.Blueprints, 1)
	require.Equal(t, 2, w.Blueprints[0].Version)
	require.Len(t, w.Users, 1)
	require.Equal(t, []string{"admin"}, w.Users[0].Roles)
	require.Len(t, w.Chat, 1)
	require.NotNil(t, w.Spawn)
	require.Equal(t, 1.5, w.Spawn.Yaw)
}

func TestRedisStoreRemovals(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.SaveEntities(ctx, []proto.EntityRecord{
		{ID: "app-1", Kind: "app"},
		{ID: "app-2", Kind: "app"},
	}, nil))
	require.NoError(t, s.SaveEntities(ctx, nil, []string{"app-1"}))

	w, err := s.LoadWorld(ctx)
	require.NoError(t, err)
	require.Len(t, w.Entities, 1)
	require.Equal(t, "app-2", w.Entities[0].ID)
}

func TestRedisStoreSpawnClear(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.SaveSpawn(ctx, &SpawnRecord{Position: []float64{1, 2, 3}}))
	require.NoError(t, s.SaveSpawn(ctx, nil))

	w, err := s.LoadWorld(ctx)
	require.NoError(t, err)
	require.Nil(t, w.Spawn)
}

func TestRedisStoreEmptyWorld(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	w, err := s.LoadWorld(ctx)
	require.NoError(t, err)
	require.Empty(t, w.Entities)
	require.Empty(t, w.Blueprints)
	require.Nil(t, w.Spawn)
}
