package transport

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisBackend = "redis"

// minRedisWait is the shortest blocking pop Redis honours; BRPOP treats a
// zero timeout as "block forever".
const minRedisWait = time.Second

// RedisOptions configures a Redis transport.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	SocketTimeout time.Duration
}

// Redis implements Transport on Redis lists: LPUSH to enqueue and BRPOP to
// dequeue, so every channel is a FIFO with competing-consumer delivery.
type Redis struct {
	client *redis.Client
	addr   string
}

// DialRedis constructs a client for opts. The connection is established
// lazily; call Ping to verify it.
func DialRedis(_ context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.SocketTimeout,
		ReadTimeout:  opts.SocketTimeout,
		WriteTimeout: opts.SocketTimeout,
		// Reconnects are owned by the connection manager.
		MaxRetries: -1,
	})
	return &Redis{client: client, addr: opts.Addr}, nil
}

// Addr returns the server address this handle points at.
func (r *Redis) Addr() string { return r.addr }

func (r *Redis) Enqueue(ctx context.Context, channel string, body []byte, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, channel, body)
			pipe.Expire(ctx, channel, ttl)
			return nil
		})
	} else {
		err = r.client.LPush(ctx, channel, body).Err()
	}
	if err != nil {
		return wrapContext(ctx, &Error{Backend: redisBackend, Op: "enqueue", Channel: channel, Err: err})
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, channel string, wait time.Duration) ([]byte, error) {
	if wait < minRedisWait {
		wait = minRedisWait
	}
	res, err := r.client.BRPop(ctx, wait, channel).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapContext(ctx, &Error{Backend: redisBackend, Op: "dequeue", Channel: channel, Err: err})
	}
	if len(res) != 2 {
		return nil, &Error{Backend: redisBackend, Op: "dequeue", Channel: channel, Err: errors.New("unexpected BRPOP reply")}
	}
	return []byte(res[1]), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapContext(ctx, &Error{Backend: redisBackend, Op: "ping", Err: err})
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Stats reports the depth and remaining TTL of every list whose key starts
// with prefix.
func (r *Redis) Stats(ctx context.Context, prefix string) ([]ChannelStats, error) {
	var stats []ChannelStats
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		kind, err := r.client.Type(ctx, key).Result()
		if err != nil {
			return nil, wrapContext(ctx, &Error{Backend: redisBackend, Op: "type", Channel: key, Err: err})
		}
		if kind != "list" {
			continue
		}
		depth, err := r.client.LLen(ctx, key).Result()
		if err != nil {
			return nil, wrapContext(ctx, &Error{Backend: redisBackend, Op: "llen", Channel: key, Err: err})
		}
		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, wrapContext(ctx, &Error{Backend: redisBackend, Op: "ttl", Channel: key, Err: err})
		}
		if ttl < 0 {
			ttl = 0
		}
		stats = append(stats, ChannelStats{Channel: key, Depth: depth, TTL: ttl})
	}
	if err := iter.Err(); err != nil {
		return nil, wrapContext(ctx, &Error{Backend: redisBackend, Op: "scan", Err: err})
	}
	return stats, nil
}

// Purge drops the backlog of channel and returns how many messages it held.
func (r *Redis) Purge(ctx context.Context, channel string) (int64, error) {
	var depth *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		depth = pipe.LLen(ctx, channel)
		pipe.Del(ctx, channel)
		return nil
	})
	if err != nil {
		return 0, wrapContext(ctx, &Error{Backend: redisBackend, Op: "purge", Channel: channel, Err: err})
	}
	return depth.Val(), nil
}
