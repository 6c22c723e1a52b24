package locks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ethrdev/cognitive-memory-sub001/internal/util"
)

const (
	lockTTL       = 30 * time.Second
	retryInterval = 25 * time.Millisecond
)

// releaseScript deletes the lock only if this locker still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on redis SET NX PX. Locks expire after a TTL
// so a crashed holder cannot wedge a proposal forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker connects to redis and verifies the connection.
func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLocker{client: client, prefix: "govlock:"}, nil
}

// NewRedisLockerWithClient builds a locker from an existing client.
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "govlock:"}
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) key(proposalID string) string {
	return l.prefix + proposalID
}

func (l *RedisLocker) Acquire(ctx context.Context, proposalID string) (func(), error) {
	token := util.ShortToken()
	key := l.key(proposalID)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", proposalID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", proposalID, ctx.Err())
		case <-time.After(retryInterval):
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("locks: release %s: %v", proposalID, err)
		}
	}
	return release, nil
}
