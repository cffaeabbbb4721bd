package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript flips the used flag only when the record exists and is still usable.
// KEYS[1] = token key
// ARGV[1] = used_at (unix nanoseconds)
// Returns 1 when consumed, 0 when already used or revoked, -1 when missing.
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local state = redis.call("HMGET", KEYS[1], "used", "revoked")
if state[1] == "1" or state[2] == "1" then
    return 0
end
redis.call("HSET", KEYS[1], "used", "1", "used_at", ARGV[1])
return 1
`)

// revokeScript marks every unused token in the step set as revoked.
// KEYS[1] = step set key
// ARGV[1] = token key prefix
var revokeScript = redis.NewScript(`
local hashes = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, h in ipairs(hashes) do
    local key = ARGV[1] .. h
    local state = redis.call("HMGET", key, "used", "revoked")
    if state[1] == "0" and state[2] == "0" then
        redis.call("HSET", key, "revoked", "1")
        n = n + 1
    end
end
return n
`)

// RedisStore keeps tracking records in Redis hashes that expire a day after the token does.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: "gitdone:"}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) tokenKey(hash string) string  { return s.prefix + "token:" + hash }
func (s *RedisStore) stepKey(stepID string) string { return s.prefix + "step-tokens:" + stepID }

func (s *RedisStore) Insert(ctx context.Context, rec Record) error {
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return err
	}
	key := s.tokenKey(rec.Hash)
	retain := rec.ExpiresAt.Add(24 * time.Hour)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"purpose":     string(rec.Purpose),
		"event_id":    rec.EventID,
		"step_id":     rec.StepID,
		"vendor":      rec.VendorEmail,
		"owner":       rec.OwnerEmail,
		"permissions": string(perms),
		"issued_at":   rec.IssuedAt.UnixNano(),
		"expires_at":  rec.ExpiresAt.UnixNano(),
		"used":        "0",
		"revoked":     "0",
	})
	pipe.ExpireAt(ctx, key, retain)
	if rec.Purpose == PurposeStep {
		pipe.SAdd(ctx, s.stepKey(rec.StepID), rec.Hash)
		pipe.ExpireAt(ctx, s.stepKey(rec.StepID), retain)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis insert token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, hash string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.tokenKey(hash)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis get token: %w", err)
	}
	if len(vals) == 0 {
		return Record{}, ErrRecordNotFound
	}
	rec := Record{
		Hash:        hash,
		Purpose:     Purpose(vals["purpose"]),
		EventID:     vals["event_id"],
		StepID:      vals["step_id"],
		VendorEmail: vals["vendor"],
		OwnerEmail:  vals["owner"],
		IssuedAt:    unixNano(vals["issued_at"]),
		ExpiresAt:   unixNano(vals["expires_at"]),
		Used:        vals["used"] == "1",
		Revoked:     vals["revoked"] == "1",
	}
	if raw := vals["permissions"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.Permissions); err != nil {
			return Record{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if v := vals["used_at"]; v != "" {
		t := unixNano(v)
		rec.UsedAt = &t
	}
	return rec, nil
}

func (s *RedisStore) Consume(ctx context.Context, hash string, at time.Time) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.tokenKey(hash)}, at.UnixNano()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis consume token: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) RevokeForStep(ctx context.Context, stepID string) (int, error) {
	n, err := revokeScript.Run(ctx, s.client, []string{s.stepKey(stepID)}, s.prefix+"token:").Int64()
	if err != nil {
		return 0, fmt.Errorf("redis revoke tokens: %w", err)
	}
	return int(n), nil
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
