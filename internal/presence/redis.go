package presence

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "songless:presence:"

// leaveScript decrements one player's count, dropping the field at zero and
// the whole hash once nobody is left. It returns the remaining count.
var leaveScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  n = 0
end
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return n
`)

// Redis keeps presence counts in one hash per room so several nodes can
// share them.
type Redis struct {
	client redis.UniversalClient
}

var _ Tracker = (*Redis)(nil)

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func redisKey(code string) string { return redisKeyPrefix + code }

func (r *Redis) Join(ctx context.Context, code, playerID string) (Change, error) {
	if err := r.client.HIncrBy(ctx, redisKey(code), playerID, 1).Err(); err != nil {
		return Change{}, fmt.Errorf("presence join: %w", err)
	}
	online, err := r.Online(ctx, code)
	if err != nil {
		return Change{}, err
	}
	return Change{PlayerID: playerID, IsOnline: true, Online: online}, nil
}

func (r *Redis) Leave(ctx context.Context, code, playerID string) (Change, error) {
	remaining, err := leaveScript.Run(ctx, r.client, []string{redisKey(code)}, playerID).Int64()
	if err != nil {
		return Change{}, fmt.Errorf("presence leave: %w", err)
	}
	online, err := r.Online(ctx, code)
	if err != nil {
		return Change{}, err
	}
	return Change{PlayerID: playerID, IsOnline: remaining > 0, Online: online}, nil
}

func (r *Redis) Online(ctx context.Context, code string) ([]string, error) {
	counts, err := r.client.HGetAll(ctx, redisKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence online: %w", err)
	}
	ids := make([]string, 0, len(counts))
	for id, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Redis) Clear(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, redisKey(code)).Err(); err != nil {
		return fmt.Errorf("presence clear: %w", err)
	}
	return nil
}
