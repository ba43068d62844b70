package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

const (
	defaultRedisPrefix = "sitedeploy:lock:"
	defaultRetry       = 100 * time.Millisecond
	releaseTimeout     = 2 * time.Second
)

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisClient is the subset of redis commands the locker needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Redis is a Locker shared by every instance pointing at the same server.
// Locks expire after TTL so a crashed holder cannot wedge a channel.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(p string) RedisOption { return func(r *Redis) { r.prefix = p } }
func WithRetryInterval(d time.Duration) RedisOption { return func(r *Redis) { r.retry = d } }

func NewRedis(client RedisClient, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix, ttl: ttl, retry: defaultRetry}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRedisFromURL connects to a redis:// or rediss:// URL and pings it.
func NewRedisFromURL(ctx context.Context, url string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, xerrors.Wrap(err, "ping redis")
	}
	return NewRedis(rdb, ttl), rdb, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	tok := uuid.NewString()

	t := time.NewTicker(r.retry)
	defer t.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, tok, r.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrapf(err, "acquire lock %s", k)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the request context may already be cancelled
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := r.client.Eval(rctx, releaseScript, []string{k}, tok).Err(); err != nil {
				log.FromContext(ctx).Warn(ctx, "release redis lock failed, it will expire", "key", k, "err", err)
			}
		})
	}, nil
}
