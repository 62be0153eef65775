package implementation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docforge/internal/entity"
	"docforge/internal/repository/contract"

	"github.com/redis/go-redis/v9"
)

type redisSessionRepositoryImpl struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSessionRepository stores each session as one JSON value that
// expires ttl after its last save.
func NewRedisSessionRepository(rdb *redis.Client, ttl time.Duration) contract.SessionRepository {
	return &redisSessionRepositoryImpl{rdb: rdb, ttl: ttl}
}

func redisSessionKey(key entity.SessionKey) string {
	return fmt.Sprintf("docforge:session:%s", key.String())
}

func (r *redisSessionRepositoryImpl) Get(ctx context.Context, key entity.SessionKey) (*entity.Session, bool, error) {
	data, err := r.rdb.Get(ctx, redisSessionKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get session: %w", err)
	}
	var s entity.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return &s, true, nil
}

func (r *redisSessionRepositoryImpl) Save(ctx context.Context, session *entity.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, redisSessionKey(session.Key()), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (r *redisSessionRepositoryImpl) Delete(ctx context.Context, key entity.SessionKey) error {
	return r.rdb.Del(ctx, redisSessionKey(key)).Err()
}
