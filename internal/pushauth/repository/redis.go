package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"push-auth-control-plane/backend/internal/pushauth/domain"
)

// redisChallenge is the JSON document stored per challenge. Times are unix milliseconds so the
// Lua scripts can compare them numerically.
type redisChallenge struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user_id"`
	TokenHash    string   `json:"token_hash"`
	Purpose      string   `json:"purpose"`
	State        string   `json:"state"`
	Notified     []string `json:"notified_subscription_ids"`
	RespondedBy  string   `json:"responding_subscription_id,omitempty"`
	Approved     bool     `json:"approved,omitempty"`
	ResolvedAtMs int64    `json:"resolved_at_ms,omitempty"`
	IPAddress    string   `json:"ip_address"`
	UserAgent    string   `json:"user_agent"`
	Location     string   `json:"location"`
	ExpiresAtMs  int64    `json:"expires_at_ms"`
	CreatedAtMs  int64    `json:"created_at_ms"`
	ConsumedAtMs int64    `json:"consumed_at_ms,omitempty"`
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[5])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
redis.call('PEXPIRE', KEYS[3], ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
return 1
`)

// resolveScript mirrors domain.Challenge.Classify/Resolve.
var resolveScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'NOT_FOUND'
end
local c = cjson.decode(raw)
local notified = false
if ARGV[1] ~= '' then
  for _, s in ipairs(c.notified_subscription_ids) do
    if s == ARGV[1] then
      notified = true
      break
    end
  end
end
if not notified then
  return 'UNAUTHORIZED_DEVICE'
end
if c.state == 'EXPIRED' then
  return 'EXPIRED'
end
if c.state ~= 'PENDING' then
  return 'ALREADY_RESOLVED'
end
local now = tonumber(ARGV[3])
if now >= tonumber(c.expires_at_ms) then
  return 'EXPIRED'
end
local approved = ARGV[2] == '1'
if approved then
  c.state = 'APPROVED'
else
  c.state = 'DENIED'
end
c.responding_subscription_id = ARGV[1]
c.approved = approved
c.resolved_at_ms = now
redis.call('SET', KEYS[1], cjson.encode(c), 'KEEPTTL')
redis.call('ZREM', KEYS[2], ARGV[4])
return 'RESOLVED'
`)

var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local c = cjson.decode(raw)
if c.state ~= 'APPROVED' and c.state ~= 'DENIED' then
  return 0
end
c.state = 'CONSUMED'
c.consumed_at_ms = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(c), 'KEEPTTL')
return 1
`)

var expireScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local c = cjson.decode(raw)
if c.state ~= 'PENDING' then
  return 0
end
c.state = 'EXPIRED'
redis.call('SET', KEYS[1], cjson.encode(c), 'KEEPTTL')
return 1
`)

// DefaultKeyPrefix namespaces the server's challenge keys.
const DefaultKeyPrefix = "pushauth:"

// RedisRepository stores challenges as JSON documents and performs every transition in a Lua script,
// which Redis runs atomically. All keys of one call must live on one primary (no cluster hash tags).
// Records expire on their own after the deadline plus retention.
type RedisRepository struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisRepository returns a challenge repository backed by rdb. Keys are namespaced by prefix
// (see DefaultKeyPrefix) and kept for retention after their deadline.
func NewRedisRepository(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisRepository {
	return &RedisRepository{rdb: rdb, prefix: prefix, retention: retention}
}

func (r *RedisRepository) challengeKey(id string) string { return r.prefix + "challenge:" + id }
func (r *RedisRepository) tokenKey(hash string) string   { return r.prefix + "token:" + hash }
func (r *RedisRepository) userKey(userID string) string  { return r.prefix + "user:" + userID }
func (r *RedisRepository) pendingKey() string            { return r.prefix + "pending" }

// Create stores c unless its id or token hash already exists.
func (r *RedisRepository) Create(ctx context.Context, c *domain.Challenge) error {
	if len(c.NotifiedSubscriptionIDs) == 0 {
		return errors.New("push-auth challenge has no notified subscriptions")
	}
	raw, err := json.Marshal(toRedis(c))
	if err != nil {
		return err
	}
	ttl := time.Until(c.ExpiresAt) + r.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	keys := []string{r.challengeKey(c.ID), r.tokenKey(c.TokenHash), r.userKey(c.UserID), r.pendingKey()}
	ok, err := createScript.Run(ctx, r.rdb, keys,
		string(raw), c.ID, c.CreatedAt.UnixMilli(), c.ExpiresAt.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrDuplicateChallenge
	}
	return nil
}

// GetByID returns the challenge for id, or nil if not found.
func (r *RedisRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	raw, err := r.rdb.Get(ctx, r.challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRedis(raw)
}

// GetByTokenHash returns the challenge for tokenHash, or nil if not found.
func (r *RedisRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Challenge, error) {
	id, err := r.rdb.Get(ctx, r.tokenKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// TryResolve runs the resolve script.
func (r *RedisRepository) TryResolve(ctx context.Context, id, subscriptionID string, approved bool, now time.Time) (domain.ResolveResult, error) {
	flag := "0"
	if approved {
		flag = "1"
	}
	out, err := resolveScript.Run(ctx, r.rdb, []string{r.challengeKey(id), r.pendingKey()},
		subscriptionID, flag, now.UnixMilli(), id).Text()
	if err != nil {
		return "", err
	}
	return domain.ResolveResult(out), nil
}

// MarkConsumed runs the consume script.
func (r *RedisRepository) MarkConsumed(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := consumeScript.Run(ctx, r.rdb, []string{r.challengeKey(id)}, now.UnixMilli()).Int()
	return n == 1, err
}

// Expire runs the expire script.
func (r *RedisRepository) Expire(ctx context.Context, id string) (bool, error) {
	n, err := expireScript.Run(ctx, r.rdb, []string{r.challengeKey(id), r.pendingKey()}, id).Int()
	return n == 1, err
}

// ListPendingByUser returns the user's effectively pending challenges, oldest first. Index entries whose
// record has expired out of Redis are pruned.
func (r *RedisRepository) ListPendingByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Challenge, error) {
	ids, err := r.rdb.ZRange(ctx, r.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.challengeKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var (
		out   []*domain.Challenge
		stale []any
	)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		c, err := fromRedis([]byte(s))
		if err != nil {
			return nil, err
		}
		if c.EffectiveState(now) == domain.StatePending {
			out = append(out, c)
		}
	}
	if len(stale) > 0 {
		if err := r.rdb.ZRem(ctx, r.userKey(userID), stale...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkExpired expires every pending challenge whose deadline is at or before now.
func (r *RedisRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		ok, err := r.Expire(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// DeleteFinishedBefore is a no-op: Redis drops records once their TTL (deadline plus retention) lapses.
func (r *RedisRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func toRedis(c *domain.Challenge) redisChallenge {
	return redisChallenge{
		ID:          c.ID,
		UserID:      c.UserID,
		TokenHash:   c.TokenHash,
		Purpose:     string(c.Purpose),
		State:       string(domain.StatePending),
		Notified:    c.NotifiedSubscriptionIDs,
		IPAddress:   c.IPAddress,
		UserAgent:   c.UserAgent,
		Location:    c.Location,
		ExpiresAtMs: c.ExpiresAt.UnixMilli(),
		CreatedAtMs: c.CreatedAt.UnixMilli(),
	}
}

func fromRedis(raw []byte) (*domain.Challenge, error) {
	var rc redisChallenge
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, err
	}
	c := &domain.Challenge{
		ID:                      rc.ID,
		UserID:                  rc.UserID,
		TokenHash:               rc.TokenHash,
		Purpose:                 domain.Purpose(rc.Purpose),
		State:                   domain.State(rc.State),
		NotifiedSubscriptionIDs: rc.Notified,
		IPAddress:               rc.IPAddress,
		UserAgent:               rc.UserAgent,
		Location:                rc.Location,
		ExpiresAt:               time.UnixMilli(rc.ExpiresAtMs).UTC(),
		CreatedAt:               time.UnixMilli(rc.CreatedAtMs).UTC(),
	}
	if rc.ResolvedAtMs > 0 {
		c.Resolution = &domain.Resolution{
			Approved:       rc.Approved,
			SubscriptionID: rc.RespondedBy,
			ResolvedAt:     time.UnixMilli(rc.ResolvedAtMs).UTC(),
		}
	}
	if rc.ConsumedAtMs > 0 {
		t := time.UnixMilli(rc.ConsumedAtMs).UTC()
		c.ConsumedAt = &t
	}
	return c, nil
}
