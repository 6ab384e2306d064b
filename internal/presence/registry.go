package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry tracks which users currently hold live connections. It is backed
// by the shared key-value store so any server process can resolve where a
// user is connected.
type Registry interface {
	// Register records that handle belongs to userID and refreshes the TTL
	// on the user's entry.
	Register(ctx context.Context, userID, handle string) error

	// Deregister removes exactly this handle and reports how many handles
	// remain. When the last handle goes, the user is offline and a
	// last-seen timestamp is recorded.
	Deregister(ctx context.Context, userID, handle string) (remaining int64, err error)

	// Resolve returns the live connection handles for userID. An empty
	// result means the user is offline.
	Resolve(ctx context.Context, userID string) ([]string, error)

	// Refresh extends the TTL on the user's entry. Called from the
	// connection liveness loop.
	Refresh(ctx context.Context, userID string) error

	// OnlineUsers returns the ids of users with at least one live handle.
	OnlineUsers(ctx context.Context) ([]string, error)

	// LastSeen returns when the user last went offline, if known.
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// RedisRegistry is the shared-store implementation of Registry.
//
// Keys:
//
//	presence:conns:{userId}    SET of connection handles, with TTL
//	presence:online            SET of online user ids
//	presence:lastseen:{userId} unix milliseconds, no TTL
//
// The per-user TTL is the safety net against entries leaked by ungraceful
// process death; the online set is pruned against it on read.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) connsKey(userID string) string {
	return "presence:conns:" + userID
}

func (r *RedisRegistry) lastSeenKey(userID string) string {
	return "presence:lastseen:" + userID
}

const onlineSetKey = "presence:online"

func (r *RedisRegistry) Register(ctx context.Context, userID, handle string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.connsKey(userID), handle)
	pipe.Expire(ctx, r.connsKey(userID), r.ttl)
	pipe.SAdd(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	return nil
}

// deregisterScript removes one handle and, only if it was the last one,
// clears the online entry and stamps last-seen. Remove and cleanup must be
// a single atomic step: a register for the same user landing between them
// would be wiped out, leaving a live connection invisible to Resolve.
// Redis drops empty sets on its own, so the conns key needs no delete.
var deregisterScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
local remaining = redis.call("SCARD", KEYS[1])
if remaining == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
	redis.call("SET", KEYS[3], ARGV[3])
end
return remaining
`)

func (r *RedisRegistry) Deregister(ctx context.Context, userID, handle string) (int64, error) {
	keys := []string{r.connsKey(userID), onlineSetKey, r.lastSeenKey(userID)}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	remaining, err := deregisterScript.Run(ctx, r.client, keys, handle, userID, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("deregister presence: %w", err)
	}
	return remaining, nil
}

func (r *RedisRegistry) Resolve(ctx context.Context, userID string) ([]string, error) {
	handles, err := r.client.SMembers(ctx, r.connsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve presence: %w", err)
	}
	return handles, nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, userID string) error {
	return r.client.Expire(ctx, r.connsKey(userID), r.ttl).Err()
}

func (r *RedisRegistry) OnlineUsers(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	// The online set has no TTL, so prune members whose conn entry expired.
	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, userID := range members {
		checks[i] = pipe.Exists(ctx, r.connsKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check online users: %w", err)
	}

	online := members[:0]
	var stale []interface{}
	for i, userID := range members {
		if checks[i].Val() > 0 {
			online = append(online, userID)
		} else {
			stale = append(stale, userID)
		}
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, onlineSetKey, stale...)
	}
	return online, nil
}

func (r *RedisRegistry) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, r.lastSeenKey(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last seen: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
