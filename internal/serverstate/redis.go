package serverstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKey is where the state is published so the process manager can see
// whether this bridge is draining.
const RedisKey = "kbridge:state"

const redisTimeout = 2 * time.Second

type redisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore returns a Store kept in Redis under RedisKey. The key is
// initialized to not_ready if it does not exist.
func NewRedisStore(ctx context.Context, client redis.UniversalClient) (Store, error) {
	rs := &redisStore{client: client, key: RedisKey}
	b, _ := json.Marshal(State{Status: StatusNotReady})
	if err := client.SetNX(ctx, rs.key, b, 0).Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusNotReady}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	_ = r.client.Set(ctx, r.key, b, 0).Err()
}
