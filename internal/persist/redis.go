package persist

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"driftworld/server/internal/proto"
)

// RedisStore persists one world under a key prefix: entity, blueprint,
// and user records in hashes, the chat log and spawn override in plain
// keys.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger

	entitiesKey   string
	blueprintsKey string
	usersKey      string
	chatKey       string
	spawnKey      string
}

// NewRedisStore connects to Redis and scopes keys to the world name.
func NewRedisStore(logger zerolog.Logger, addr, password, world string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		logger:        logger.With().Str("component", "persist").Logger(),
		entitiesKey:   fmt.Sprintf("%s:entities", world),
		blueprintsKey: fmt.Sprintf("%s:blueprints", world),
		usersKey:      fmt.Sprintf("%s:users", world),
		chatKey:       fmt.Sprintf("%s:chat", world),
		spawnKey:      fmt.Sprintf("%s:spawn", world),
	}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return eris.Wrap(err, "redis ping")
	}
	return nil
}

// LoadWorld reads every persisted record.
func (s *RedisStore) LoadWorld(ctx context.Context) (*WorldRecord, error) {
	w := &WorldRecord{}

	raw, err := s.client.HGetAll(ctx, s.entitiesKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "load entities")
	}
	for id, data := range raw {
		var rec proto.EntityRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, eris.Wrapf(err, "decode entity %s", id)
		}
		w.Entities = append(w.Entities, rec)
	}

	raw, err = s.client.HGetAll(ctx, s.blueprintsKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "load blueprints")
	}
	for id, data := range raw {
		var rec proto.BlueprintRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, eris.Wrapf(err, "decode blueprint %s", id)
		}
		w.Blueprints = append(w.Blueprints, rec)
	}

	raw, err = s.client.HGetAll(ctx, s.usersKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "load users")
	}
	for id, data := range raw {
		var rec proto.UserRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, eris.Wrapf(err, "decode user %s", id)
		}
		w.Users = append(w.Users, rec)
	}

	chat, err := s.client.Get(ctx, s.chatKey).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return nil, eris.Wrap(err, "load chat")
	default:
		if err := json.Unmarshal([]byte(chat), &w.Chat); err != nil {
			return nil, eris.Wrap(err, "decode chat")
		}
	}

	spawn, err := s.client.Get(ctx, s.spawnKey).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return nil, eris.Wrap(err, "load spawn")
	default:
		var rec SpawnRecord
		if err := json.Unmarshal([]byte(spawn), &rec); err != nil {
			return nil, eris.Wrap(err, "decode spawn")
		}
		w.Spawn = &rec
	}

	return w, nil
}

// SaveEntities upserts and deletes entity records in one pipeline.
func (s *RedisStore) SaveEntities(ctx context.Context, upserts []proto.EntityRecord, removals []string) error {
	if len(upserts) == 0 && len(removals) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, rec := range upserts {
		data, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "encode entity %s", rec.ID)
		}
		pipe.HSet(ctx, s.entitiesKey, rec.ID, data)
	}
	if len(removals) > 0 {
		pipe.HDel(ctx, s.entitiesKey, removals...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "save entities")
	}
	return nil
}

// SaveBlueprints upserts blueprint records.
func (s *RedisStore) SaveBlueprints(ctx context.Context, blueprints []proto.BlueprintRecord) error {
	if len(blueprints) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, rec := range blueprints {
		data, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "encode blueprint %s", rec.ID)
		}
		pipe.HSet(ctx, s.blueprintsKey, rec.ID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "save blueprints")
	}
	return nil
}

// SaveUsers upserts identity records.
func (s *RedisStore) SaveUsers(ctx context.Context, users []proto.UserRecord) error {
	if len(users) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, rec := range users {
		data, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "encode user %s", rec.ID)
		}
		pipe.HSet(ctx, s.usersKey, rec.ID, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "save users")
	}
	return nil
}

// SaveChat replaces the persisted chat log. The log is already bounded
// upstream, so a whole-value write stays small.
func (s *RedisStore) SaveChat(ctx context.Context, chat []proto.ChatRecord) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return eris.Wrap(err, "encode chat")
	}
	if err := s.client.Set(ctx, s.chatKey, data, 0).Err(); err != nil {
		return eris.Wrap(err, "save chat")
	}
	return nil
}

// SaveSpawn writes the spawn override; nil clears it.
func (s *RedisStore) SaveSpawn(ctx context.Context, spawn *SpawnRecord) error {
	if spawn == nil {
		if err := s.client.Del(ctx, s.spawnKey).Err(); err != nil {
			return eris.Wrap(err, "clear spawn")
		}
		return nil
	}
	data, err := json.Marshal(spawn)
	if err != nil {
		return eris.Wrap(err, "encode spawn")
	}
	if err := s.client.Set(ctx, s.spawnKey, data, 0).Err(); err != nil {
		return eris.Wrap(err, "save spawn")
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
