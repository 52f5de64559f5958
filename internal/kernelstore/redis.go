package kernelstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/kbridge/internal/kernel"
)

// RedisKey is the hash holding one connection descriptor per kernel id.
const RedisKey = "kbridge:kernels"

// Redis serves kernels registered by the process manager in a Redis hash.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedisClient connects to the Redis URL addr and checks it responds.
func NewRedisClient(ctx context.Context, addr string) (redis.UniversalClient, error) {
	opts, err := ParseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewRedis returns a store over client using RedisKey.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, key: RedisKey}
}

// ParseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func ParseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		db := strings.TrimPrefix(u.Path, "/")
		if db == "" {
			db = q.Get("db")
		}
		if db != "" {
			n, err := strconv.Atoi(db)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = n
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if db := q.Get("db"); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = n
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

// Get returns the descriptor stored for id.
func (r *Redis) Get(ctx context.Context, id string) (Entry, error) {
	b, err := r.client.HGet(ctx, r.key, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	info, err := kernel.ParseConnInfo(b)
	if err != nil {
		return Entry{}, fmt.Errorf("kernel %s: %w", id, err)
	}
	return Entry{ID: id, Info: info, Source: "redis"}, nil
}

// List returns all valid descriptors in the hash.
func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for id, v := range all {
		info, err := kernel.ParseConnInfo([]byte(v))
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: id, Info: info, Source: "redis"})
	}
	sortEntries(out)
	return out, nil
}

// Put registers info under id.
func (r *Redis) Put(ctx context.Context, id string, info kernel.ConnInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.key, id, b).Err()
}

// Delete forgets id.
func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.key, id).Err()
}
