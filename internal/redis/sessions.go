package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/utils"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultKeyPrefix = "sessions:"

// claimScript prunes expired members, then admits the session when it is
// already registered or the tenant is below its limit.
// KEYS[1] tenant set; ARGV: cutoff, now, session id, max, key ttl seconds
var claimScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local max = tonumber(ARGV[4])
if not redis.call('ZSCORE', KEYS[1], ARGV[3]) then
	if max > 0 and redis.call('ZCARD', KEYS[1]) >= max then
		return 0
	end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// SessionRegistry tracks active WebSocket sessions per tenant in sorted
// sets scored by last activity. Entries older than the TTL do not count.
type SessionRegistry struct {
	client    redis.UniversalClient
	maxPer    int
	ttl       time.Duration
	keyPrefix string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSessionRegistry creates a registry. maxPerTenant <= 0 disables the
// limit while still tracking sessions.
func NewSessionRegistry(client redis.UniversalClient, maxPerTenant int, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SessionRegistry{
		client:    client,
		maxPer:    maxPerTenant,
		ttl:       ttl,
		keyPrefix: defaultKeyPrefix,
		logger:    utils.Logger("SESSIONS"),
		now:       time.Now,
	}
}

func (r *SessionRegistry) key(tenantID string) string {
	return r.keyPrefix + tenantID
}

func (r *SessionRegistry) cutoff() (now, cutoff int64) {
	t := r.now()
	return t.UnixMilli(), t.Add(-r.ttl).UnixMilli()
}

// Claim registers a session. It returns apperrors.ErrSessionLimit when the
// tenant already has the maximum number of live sessions.
func (r *SessionRegistry) Claim(ctx context.Context, tenantID, sessionID string) error {
	now, cutoff := r.cutoff()
	keyTTL := int64((2 * r.ttl) / time.Second)
	ok, err := claimScript.Run(ctx, r.client, []string{r.key(tenantID)},
		cutoff, now, sessionID, r.maxPer, keyTTL).Int()
	if err != nil {
		return apperrors.WrapTransient(err, "sessions", "Claim", "run claim script")
	}
	if ok == 0 {
		r.logger.Warn().Str("tenant", tenantID).Int("max", r.maxPer).Msg("Active session limit reached")
		return fmt.Errorf("%w: tenant %s has %d active sessions", apperrors.ErrSessionLimit, tenantID, r.maxPer)
	}
	return nil
}

// Touch refreshes the activity score of a registered session
func (r *SessionRegistry) Touch(ctx context.Context, tenantID, sessionID string) error {
	now, _ := r.cutoff()
	key := r.key(tenantID)
	pipe := r.client.TxPipeline()
	pipe.ZAddXX(ctx, key, redis.Z{Score: float64(now), Member: sessionID})
	pipe.Expire(ctx, key, 2*r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Release removes a session
func (r *SessionRegistry) Release(ctx context.Context, tenantID, sessionID string) error {
	return r.client.ZRem(ctx, r.key(tenantID), sessionID).Err()
}

// Active returns the number of live sessions of a tenant
func (r *SessionRegistry) Active(ctx context.Context, tenantID string) (int64, error) {
	_, cutoff := r.cutoff()
	return r.client.ZCount(ctx, r.key(tenantID), strconv.FormatInt(cutoff+1, 10), "+inf").Result()
}

// Cleanup drops expired sessions of every tenant and returns how many
// were removed
func (r *SessionRegistry) Cleanup(ctx context.Context) (int64, error) {
	_, cutoff := r.cutoff()
	max := strconv.FormatInt(cutoff, 10)

	var removed int64
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if removed > 0 {
		r.logger.Info().Int64("removed", removed).Msg("Expired sessions cleaned up")
	}
	return removed, nil
}
