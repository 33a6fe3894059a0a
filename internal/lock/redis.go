package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a crashed holder can keep a key locked.
const DefaultTTL = 15 * time.Minute

const keyPrefix = "agent_runner:lock:"

// releaseScript deletes the key only if it still carries the holder's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a keyed lock shared by every process using the same Redis instance.
// The TTL must be longer than the slowest phase action.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewRedis creates a Redis-backed locker. A non-positive ttl uses DefaultTTL.
func NewRedis(client redis.Cmdable, ttl time.Duration, logger *zap.SugaredLogger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// TryLock sets the key with NX and a TTL, returning ErrLocked if it already exists.
func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to acquire lock %s", key)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				// The TTL still frees the key.
				r.logger.Warnw("Failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}
